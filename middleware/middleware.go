// Package middleware wraps the server's dispatch handler.
//
// A chain is an onion: Chain(A, B, C)(h) is A(B(C(h))), so A sees the request
// first and the reply last.
package middleware

import (
	"context"

	"msg-rpc/message"
)

// HandlerFunc handles one request. It returns the reply to send, or nil when
// no reply is due (one-way requests). A non-nil error means the request was
// dropped without a reply.
type HandlerFunc func(ctx context.Context, req *message.Envelope) (*message.Envelope, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
