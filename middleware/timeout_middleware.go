package middleware

import (
	"context"
	"time"

	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
)

// Timeout bounds the time spent in the rest of the chain. When it runs out
// the caller gets a timeout reply right away; the handler keeps running with
// a cancelled context and its result is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				reply *message.Envelope
				err   error
			}
			done := make(chan result, 1)
			go func() {
				reply, err := next(ctx, req)
				done <- result{reply, err}
			}()

			select {
			case r := <-done:
				return r.reply, r.err
			case <-ctx.Done():
				err := rpcerr.Newf(rpcerr.Timeout, "handler for %s exceeded %s", req.Method, timeout)
				return message.NewErrorReply(req, err), nil
			}
		}
	}
}
