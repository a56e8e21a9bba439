// Package server hosts services behind one or more transports.
//
// Request processing pipeline:
//
//	transport receive goroutine ─→ deliver (queue only)
//	  ─→ worker pool (errgroup, bounded by WithWorkers)
//	    ─→ middleware chain ─→ Dispatcher.Dispatch ─→ transport.Send(reply)
//
// The receive goroutine never runs a method. When every worker is busy it
// waits for a free one, which pushes back on the transport.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/method"
	"msg-rpc/middleware"
	"msg-rpc/transport"
)

const (
	defaultWorkers     = 16
	defaultSendTimeout = 5 * time.Second
)

type options struct {
	workers        int
	serializer     codec.Serializer
	logger         *zap.Logger
	sendTimeout    time.Duration
	handlerTimeout time.Duration
	rateLimit      float64
	rateBurst      int
}

type Option func(*options)

// WithWorkers bounds how many requests run at once across all transports.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithSerializer(s codec.Serializer) Option {
	return func(o *options) {
		o.serializer = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSendTimeout bounds how long a reply may wait on the transport.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sendTimeout = d
		}
	}
}

// WithHandlerTimeout answers with a timeout error when a method runs longer
// than d. Zero means no limit.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handlerTimeout = d
	}
}

// WithRateLimit admits r requests per second with the given burst. Zero
// means unlimited.
func WithRateLimit(r float64, burst int) Option {
	return func(o *options) {
		o.rateLimit, o.rateBurst = r, burst
	}
}

// Server runs a Dispatcher on a bounded worker pool.
type Server struct {
	dispatcher  *Dispatcher
	opts        options
	logger      *zap.Logger
	middlewares []middleware.Middleware // added with Use, in order
	builtin     []middleware.Middleware // from options, innermost
	handler     middleware.HandlerFunc // built on first Serve
	group       errgroup.Group

	ctx    context.Context // base context of every handler
	cancel context.CancelFunc

	mu           sync.RWMutex
	shuttingDown bool
	transports   []transport.Transport
	inflight     sync.WaitGroup
}

func NewServer(opts ...Option) *Server {
	o := options{
		workers:     defaultWorkers,
		serializer:  codec.JSONSerializer{},
		logger:      zap.NewNop(),
		sendTimeout: defaultSendTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		dispatcher: NewDispatcher(o.serializer, o.logger),
		opts:       o,
		logger:     o.logger,
	}
	s.group.SetLimit(o.workers)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if o.rateLimit > 0 {
		s.builtin = append(s.builtin, middleware.RateLimit(o.rateLimit, o.rateBurst))
	}
	if o.handlerTimeout > 0 {
		s.builtin = append(s.builtin, middleware.Timeout(o.handlerTimeout))
	}
	return s
}

// Register binds svc under version.
func (s *Server) Register(svc *method.Service, version string) error {
	return s.dispatcher.RegisterService(svc, version)
}

func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Use registers a middleware. Middlewares are applied in the order they are
// added, outside the rate limit and handler timeout set by options. Use has
// no effect once Serve has been called.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve subscribes to t and starts serving its requests. It returns once the
// subscription is in place; a server can serve several transports.
func (s *Server) Serve(t transport.Transport) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return rpcerr.Newf(rpcerr.Network, "server is shut down")
	}
	if s.handler == nil {
		chain := append(append([]middleware.Middleware{}, s.middlewares...), s.builtin...)
		s.handler = middleware.Chain(chain...)(s.dispatcher.Dispatch)
	}
	s.transports = append(s.transports, t)
	s.mu.Unlock()

	return t.Subscribe(func(env *message.Envelope) {
		s.deliver(t, env)
	})
}

// deliver runs on the transport's receive goroutine.
func (s *Server) deliver(t transport.Transport, env *message.Envelope) {
	if !env.IsRequest() {
		s.logger.Debug("ignoring non-request", zap.String("id", env.ID))
		return
	}

	s.mu.RLock()
	if s.shuttingDown {
		s.mu.RUnlock()
		s.logger.Debug("shutting down, dropping request", zap.String("method", env.Method))
		return
	}
	s.inflight.Add(1)
	handler := s.handler
	s.mu.RUnlock()

	s.group.Go(func() error {
		defer s.inflight.Done()
		s.handle(t, handler, env)
		return nil
	})
}

func (s *Server) handle(t transport.Transport, handler middleware.HandlerFunc, req *message.Envelope) {
	reply, err := handler(s.ctx, req)
	if err != nil {
		s.logger.Warn("dropping request",
			zap.String("method", req.Method),
			zap.String("correlation_id", req.CorrelationID),
			zap.NamedError("err", err))
		return
	}
	if reply == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.sendTimeout)
	defer cancel()
	if err := t.Send(ctx, reply); err != nil {
		s.logger.Warn("failed to send reply",
			zap.String("method", req.Method),
			zap.String("reply_to", reply.ReplyTo),
			zap.NamedError("err", err))
	}
}

// Shutdown stops taking requests, waits up to timeout for the ones in flight
// and closes the served transports. Requests still running after timeout see
// their context cancelled.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	transports := s.transports
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.Errorf("timeout waiting for ongoing requests to finish")
	}
	s.cancel()

	for _, t := range transports {
		if cerr := t.Close(); cerr != nil {
			s.logger.Warn("closing transport", zap.NamedError("err", cerr))
		}
	}
	return err
}
