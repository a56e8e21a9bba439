// Package method describes remotely invokable methods and builds the per
// interface registry both ends of a call agree on.
//
// There is no runtime reflection over service types. A method is declared once
// with a typed definition:
//
//	var GetSum = method.NewFunc2[int, int, int]("GetSum")
//
// The server binds an implementation to it (GetSum.Bind(fn)), the client calls
// through it (GetSum.Call(ctx, proxy, 10, 20)), and both derive the same
// qualified key from its Signature.
package method

import (
	"fmt"
	"reflect"
	"strings"
)

// Void is the return type of methods that produce no result.
const Void = ""

// TypeName returns the canonical name of T used in method keys, e.g. "int",
// "[]string" or "example.com/calc.Args". Named types are qualified by their
// full import path, so same-named types from different packages differ.
func TypeName[T any]() string {
	return typeName(reflect.TypeFor[T]())
}

func typeName(t reflect.Type) string {
	if t.Name() != "" {
		if t.PkgPath() == "" {
			return t.Name()
		}
		return t.PkgPath() + "." + t.Name()
	}
	switch t.Kind() {
	case reflect.Pointer:
		return "*" + typeName(t.Elem())
	case reflect.Slice:
		return "[]" + typeName(t.Elem())
	case reflect.Array:
		return fmt.Sprintf("[%d]%s", t.Len(), typeName(t.Elem()))
	case reflect.Map:
		return "map[" + typeName(t.Key()) + "]" + typeName(t.Elem())
	}
	return t.String()
}

// Signature is the declared shape of one method.
type Signature struct {
	Name    string
	Params  []string // canonical parameter type names, in order
	Returns string   // Void when the method has no result
}

func (s Signature) IsVoid() bool {
	return s.Returns == Void
}

func (s Signature) String() string {
	out := s.Name + "(" + strings.Join(s.Params, ",") + ")"
	if !s.IsVoid() {
		out += " " + s.Returns
	}
	return out
}

// Interface is a named set of method signatures.
type Interface struct {
	Name    string
	Methods []Signature
}

// NewInterface groups signatures under a service interface name.
func NewInterface(name string, methods ...Signature) Interface {
	return Interface{Name: name, Methods: methods}
}

// ServiceKey is the routing key of an interface at a version.
func ServiceKey(version, iface string) string {
	return version + "/" + iface
}

// Key is the qualified key of a method: version, interface, name and the full
// ordered list of parameter types. Overloads differ in their parameter list,
// so distinct signatures never share a key.
func Key(version, iface, name string, params []string) string {
	return ServiceKey(version, iface) + "." + name + "(" + strings.Join(params, ",") + ")"
}
