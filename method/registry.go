package method

import (
	"sort"

	rpcerr "msg-rpc/errors"
)

// universal are the methods every Go value may carry for formatting; they are
// never exported as remote methods.
var universal = map[string]bool{
	"String":   true,
	"GoString": true,
}

// Descriptor is the immutable metadata of one remotely invokable method.
type Descriptor struct {
	Name    string
	Params  []string
	Returns string
	Key     string
}

func (d *Descriptor) IsVoid() bool {
	return d.Returns == Void
}

// Registry maps qualified keys to descriptors for one interface at one
// version. It is read-only once built and safe for concurrent lookups.
type Registry struct {
	version string
	iface   string
	methods map[string]*Descriptor
}

// Build introspects iface once and stores a descriptor per method. Duplicate
// keys and unnamed methods or parameter types are configuration errors.
func Build(iface Interface, version string) (*Registry, error) {
	if iface.Name == "" {
		return nil, rpcerr.Newf(rpcerr.Configuration, "interface has no name")
	}
	r := &Registry{
		version: version,
		iface:   iface.Name,
		methods: make(map[string]*Descriptor, len(iface.Methods)),
	}
	for _, sig := range iface.Methods {
		if universal[sig.Name] {
			continue
		}
		if sig.Name == "" {
			return nil, rpcerr.Newf(rpcerr.Configuration, "interface %s declares a method with no name", iface.Name)
		}
		for i, p := range sig.Params {
			if p == "" {
				return nil, rpcerr.Newf(rpcerr.Configuration, "%s.%s: parameter %d has no type", iface.Name, sig.Name, i)
			}
		}
		key := Key(version, iface.Name, sig.Name, sig.Params)
		if _, dup := r.methods[key]; dup {
			return nil, rpcerr.Newf(rpcerr.Configuration, "duplicate method key %s", key)
		}
		r.methods[key] = &Descriptor{
			Name:    sig.Name,
			Params:  append([]string(nil), sig.Params...),
			Returns: sig.Returns,
			Key:     key,
		}
	}
	return r, nil
}

// Lookup returns the descriptor registered under key.
func (r *Registry) Lookup(key string) (*Descriptor, error) {
	d, ok := r.methods[key]
	if !ok {
		return nil, rpcerr.Newf(rpcerr.MethodNotFound, "no method %s", key)
	}
	return d, nil
}

// Resolve looks a method up by name and parameter types.
func (r *Registry) Resolve(name string, params []string) (*Descriptor, error) {
	return r.Lookup(Key(r.version, r.iface, name, params))
}

// Descriptors returns all descriptors ordered by key.
func (r *Registry) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.methods))
	for _, d := range r.methods {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Service is the routing key of the registry's interface.
func (r *Registry) Service() string {
	return ServiceKey(r.version, r.iface)
}

func (r *Registry) Version() string {
	return r.version
}

func (r *Registry) Interface() string {
	return r.iface
}

func (r *Registry) Len() int {
	return len(r.methods)
}
