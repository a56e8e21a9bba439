package server

import (
	"context"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/method"
)

// Dispatcher resolves inbound requests to bound methods and runs them.
//
//	request ─→ services[env.Service] ─→ invokers[env.Method] ─→ decode args
//	        ─→ Invoke ─→ encode result ─→ reply (nil for one-way requests)
type Dispatcher struct {
	serializer codec.Serializer
	logger     *zap.Logger

	mu       sync.RWMutex
	services map[string]*service // by service key, "1.0/Calculator"
}

type service struct {
	registry *method.Registry
	invokers map[string]method.Invoker // by method key
}

func NewDispatcher(serializer codec.Serializer, logger *zap.Logger) *Dispatcher {
	if serializer == nil {
		serializer = codec.JSONSerializer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		serializer: serializer,
		logger:     logger,
		services:   make(map[string]*service),
	}
}

// RegisterService binds svc under version. Its registry is built from the
// service's own bindings, so a binding whose name is excluded from dispatch
// (String, GoString) is silently unreachable.
func (d *Dispatcher) RegisterService(svc *method.Service, version string) error {
	reg, err := method.Build(svc.Interface(), version)
	if err != nil {
		return err
	}
	s := &service{registry: reg, invokers: make(map[string]method.Invoker, reg.Len())}
	for _, b := range svc.Bindings() {
		desc, err := reg.Resolve(b.Signature.Name, b.Signature.Params)
		if err != nil {
			continue
		}
		if b.Invoke == nil {
			return rpcerr.Newf(rpcerr.Configuration, "%s has no implementation", desc.Key)
		}
		s.invokers[desc.Key] = b.Invoke
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.services[reg.Service()]; ok {
		return rpcerr.Newf(rpcerr.Configuration, "service %s already registered", reg.Service())
	}
	d.services[reg.Service()] = s
	d.logger.Info("registered service", zap.String("service", reg.Service()), zap.Int("methods", reg.Len()))
	return nil
}

// Services lists the registered service keys.
func (d *Dispatcher) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.services))
	for k := range d.services {
		keys = append(keys, k)
	}
	return keys
}

func (d *Dispatcher) lookup(req *message.Envelope) (*method.Descriptor, method.Invoker, error) {
	d.mu.RLock()
	s, ok := d.services[req.Service]
	d.mu.RUnlock()
	if !ok {
		return nil, nil, rpcerr.Newf(rpcerr.MethodNotFound, "no service %s", req.Service)
	}
	desc, err := s.registry.Lookup(req.Method)
	if err != nil {
		return nil, nil, err
	}
	return desc, s.invokers[desc.Key], nil
}

// Dispatch runs one request. It returns the reply to send back, or nil when
// the request is one-way. A request that names no registered method, or is
// malformed, is dropped: Dispatch returns a nil reply and the error.
//
// Failures of the method itself never escape as errors. They become error
// replies, or are logged for one-way requests.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !req.IsRequest() {
		return nil, rpcerr.Newf(rpcerr.Invocation, "envelope %s is not a request", req.ID)
	}
	desc, invoke, err := d.lookup(req)
	if err != nil {
		return nil, err
	}

	result, err := d.invoke(ctx, desc, invoke, req)
	if err != nil {
		if req.OneWay {
			d.logger.Warn("one-way call failed", zap.String("method", desc.Key), zap.NamedError("err", err))
			return nil, nil
		}
		return message.NewErrorReply(req, err), nil
	}
	if req.OneWay || desc.IsVoid() {
		return nil, nil
	}

	payload, err := d.serializer.Encode(result)
	if err != nil {
		return message.NewErrorReply(req, err), nil
	}
	return message.NewReply(req, payload), nil
}

// invoke calls the method, turning a panic into an invocation error.
func (d *Dispatcher) invoke(ctx context.Context, desc *method.Descriptor, invoke method.Invoker, req *message.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("method panicked",
				zap.String("method", desc.Key),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = rpcerr.Newf(rpcerr.Invocation, "%s panicked: %v", desc.Name, r)
		}
	}()

	return invoke(ctx, &args{data: req.Args, serializer: d.serializer})
}

// args decodes request arguments on demand with the dispatcher's serializer.
type args struct {
	data       [][]byte
	serializer codec.Serializer
}

func (a *args) Len() int {
	return len(a.data)
}

func (a *args) Decode(i int, v any) error {
	if i < 0 || i >= len(a.data) {
		return rpcerr.Newf(rpcerr.Serialization, "argument %d out of range", i)
	}
	return a.serializer.Decode(a.data[i], v)
}
