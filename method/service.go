package method

import (
	"context"

	rpcerr "msg-rpc/errors"
)

// Args gives an invoker positional access to the serialized arguments of a
// request.
type Args interface {
	Len() int
	Decode(i int, v any) error
}

// Invoker runs one bound method. A nil result is returned for void methods.
type Invoker func(ctx context.Context, args Args) (any, error)

// Binding pairs a signature with its implementation.
type Binding struct {
	Signature Signature
	Invoke    Invoker
}

// Service is the dispatch table of one service implementation.
type Service struct {
	name     string
	bindings []Binding
}

// NewService groups bindings under the interface name they implement.
func NewService(name string, bindings ...Binding) *Service {
	return &Service{name: name, bindings: bindings}
}

func (s *Service) Name() string {
	return s.name
}

func (s *Service) Bindings() []Binding {
	return s.bindings
}

// Interface returns the interface the service implements, for building a
// registry on either side.
func (s *Service) Interface() Interface {
	sigs := make([]Signature, len(s.bindings))
	for i, b := range s.bindings {
		sigs[i] = b.Signature
	}
	return NewInterface(s.name, sigs...)
}

// Caller is the client side of a call. client.Proxy implements it.
type Caller interface {
	Call(ctx context.Context, name string, params []string, args []any, reply any) error
}

func decodeArgs(args Args, dst ...any) error {
	if args.Len() != len(dst) {
		return rpcerr.Newf(rpcerr.Serialization, "expected %d arguments, got %d", len(dst), args.Len())
	}
	for i, v := range dst {
		if err := args.Decode(i, v); err != nil {
			return err
		}
	}
	return nil
}
