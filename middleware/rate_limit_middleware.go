package middleware

import (
	"context"

	"golang.org/x/time/rate"

	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
)

// RateLimit admits r requests per second with bursts of up to burst, using a
// token bucket. Requests over the limit are answered with an invocation error
// without reaching the handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			if !limiter.Allow() {
				err := rpcerr.Newf(rpcerr.Invocation, "rate limit exceeded")
				return message.NewErrorReply(req, err), nil
			}
			return next(ctx, req)
		}
	}
}
