package method

import (
	"context"
)

// Func0 is a method with no parameters and a result of type R.
type Func0[R any] struct{ sig Signature }

func NewFunc0[R any](name string) Func0[R] {
	return Func0[R]{sig: Signature{Name: name, Params: []string{}, Returns: TypeName[R]()}}
}

func (f Func0[R]) Signature() Signature { return f.sig }

func (f Func0[R]) Bind(fn func(context.Context) (R, error)) Binding {
	return Binding{Signature: f.sig, Invoke: func(ctx context.Context, args Args) (any, error) {
		if err := decodeArgs(args); err != nil {
			return nil, err
		}
		r, err := fn(ctx)
		return r, err
	}}
}

func (f Func0[R]) Call(ctx context.Context, c Caller) (R, error) {
	var r R
	err := c.Call(ctx, f.sig.Name, f.sig.Params, nil, &r)
	return r, err
}

// Func1 is a method with one parameter and a result.
type Func1[A, R any] struct{ sig Signature }

func NewFunc1[A, R any](name string) Func1[A, R] {
	return Func1[A, R]{sig: Signature{Name: name, Params: []string{TypeName[A]()}, Returns: TypeName[R]()}}
}

func (f Func1[A, R]) Signature() Signature { return f.sig }

func (f Func1[A, R]) Bind(fn func(context.Context, A) (R, error)) Binding {
	return Binding{Signature: f.sig, Invoke: func(ctx context.Context, args Args) (any, error) {
		var a A
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		r, err := fn(ctx, a)
		return r, err
	}}
}

func (f Func1[A, R]) Call(ctx context.Context, c Caller, a A) (R, error) {
	var r R
	err := c.Call(ctx, f.sig.Name, f.sig.Params, []any{a}, &r)
	return r, err
}

// Func2 is a method with two parameters and a result.
type Func2[A, B, R any] struct{ sig Signature }

func NewFunc2[A, B, R any](name string) Func2[A, B, R] {
	return Func2[A, B, R]{sig: Signature{Name: name, Params: []string{TypeName[A](), TypeName[B]()}, Returns: TypeName[R]()}}
}

func (f Func2[A, B, R]) Signature() Signature { return f.sig }

func (f Func2[A, B, R]) Bind(fn func(context.Context, A, B) (R, error)) Binding {
	return Binding{Signature: f.sig, Invoke: func(ctx context.Context, args Args) (any, error) {
		var a A
		var b B
		if err := decodeArgs(args, &a, &b); err != nil {
			return nil, err
		}
		r, err := fn(ctx, a, b)
		return r, err
	}}
}

func (f Func2[A, B, R]) Call(ctx context.Context, c Caller, a A, b B) (R, error) {
	var r R
	err := c.Call(ctx, f.sig.Name, f.sig.Params, []any{a, b}, &r)
	return r, err
}

// Func3 is a method with three parameters and a result.
type Func3[A, B, C, R any] struct{ sig Signature }

func NewFunc3[A, B, C, R any](name string) Func3[A, B, C, R] {
	return Func3[A, B, C, R]{sig: Signature{
		Name:    name,
		Params:  []string{TypeName[A](), TypeName[B](), TypeName[C]()},
		Returns: TypeName[R](),
	}}
}

func (f Func3[A, B, C, R]) Signature() Signature { return f.sig }

func (f Func3[A, B, C, R]) Bind(fn func(context.Context, A, B, C) (R, error)) Binding {
	return Binding{Signature: f.sig, Invoke: func(ctx context.Context, args Args) (any, error) {
		var a A
		var b B
		var c C
		if err := decodeArgs(args, &a, &b, &c); err != nil {
			return nil, err
		}
		r, err := fn(ctx, a, b, c)
		return r, err
	}}
}

func (f Func3[A, B, C, R]) Call(ctx context.Context, c Caller, a A, b B, cc C) (R, error) {
	var r R
	err := c.Call(ctx, f.sig.Name, f.sig.Params, []any{a, b, cc}, &r)
	return r, err
}

// Proc0 is a void method with no parameters. Calls through it do not wait
// for the server.
type Proc0 struct{ sig Signature }

func NewProc0(name string) Proc0 {
	return Proc0{sig: Signature{Name: name, Params: []string{}, Returns: Void}}
}

func (p Proc0) Signature() Signature { return p.sig }

func (p Proc0) Bind(fn func(context.Context) error) Binding {
	return Binding{Signature: p.sig, Invoke: func(ctx context.Context, args Args) (any, error) {
		if err := decodeArgs(args); err != nil {
			return nil, err
		}
		return nil, fn(ctx)
	}}
}

func (p Proc0) Call(ctx context.Context, c Caller) error {
	return c.Call(ctx, p.sig.Name, p.sig.Params, nil, nil)
}

// Proc1 is a void method with one parameter.
type Proc1[A any] struct{ sig Signature }

func NewProc1[A any](name string) Proc1[A] {
	return Proc1[A]{sig: Signature{Name: name, Params: []string{TypeName[A]()}, Returns: Void}}
}

func (p Proc1[A]) Signature() Signature { return p.sig }

func (p Proc1[A]) Bind(fn func(context.Context, A) error) Binding {
	return Binding{Signature: p.sig, Invoke: func(ctx context.Context, args Args) (any, error) {
		var a A
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, fn(ctx, a)
	}}
}

func (p Proc1[A]) Call(ctx context.Context, c Caller, a A) error {
	return c.Call(ctx, p.sig.Name, p.sig.Params, []any{a}, nil)
}

// Proc2 is a void method with two parameters.
type Proc2[A, B any] struct{ sig Signature }

func NewProc2[A, B any](name string) Proc2[A, B] {
	return Proc2[A, B]{sig: Signature{Name: name, Params: []string{TypeName[A](), TypeName[B]()}, Returns: Void}}
}

func (p Proc2[A, B]) Signature() Signature { return p.sig }

func (p Proc2[A, B]) Bind(fn func(context.Context, A, B) error) Binding {
	return Binding{Signature: p.sig, Invoke: func(ctx context.Context, args Args) (any, error) {
		var a A
		var b B
		if err := decodeArgs(args, &a, &b); err != nil {
			return nil, err
		}
		return nil, fn(ctx, a, b)
	}}
}

func (p Proc2[A, B]) Call(ctx context.Context, c Caller, a A, b B) error {
	return c.Call(ctx, p.sig.Name, p.sig.Params, []any{a, b}, nil)
}
