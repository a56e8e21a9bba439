package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"msg-rpc/message"
)

// Logging logs every request with its duration and outcome.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			start := time.Now()
			reply, err := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("correlation_id", req.CorrelationID),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err != nil:
				logger.Warn("request dropped", append(fields, zap.NamedError("err", err))...)
			case reply != nil && reply.Error != "":
				logger.Info("request failed", append(fields, zap.String("error_kind", reply.ErrorKind), zap.String("error", reply.Error))...)
			default:
				logger.Debug("request served", fields...)
			}
			return reply, err
		}
	}
}
