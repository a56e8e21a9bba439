// Package client turns method calls into request envelopes and blocks the
// caller until the correlated reply arrives.
//
//	Proxy.Call ─→ Registry.Resolve ─→ NewRequest ─→ Create(synchronizer)
//	           ─→ Transport.Send ─→ Await ─────────────→ decode ─→ caller
//	transport receive goroutine ─→ onReply ─→ Release(correlation id) ┘
//
// The synchronizer is registered before the request is sent, so a reply that
// beats the caller to Await is not lost.
package client

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"msg-rpc/codec"
	"msg-rpc/correlation"
	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/method"
	"msg-rpc/transport"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRetryDelay = time.Second
)

type options struct {
	timeout    time.Duration
	serializer codec.Serializer
	logger     *zap.Logger
	maxRetries int
	retryDelay time.Duration
	syncs      *correlation.Manager[*message.Envelope]
}

type Option func(*options)

// WithTimeout sets how long a call waits for its reply.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
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

// WithRetry re-sends a request up to max more times when the transport fails
// to send it, waiting baseDelay, 2*baseDelay, 4*baseDelay... in between.
// Calls that were sent are never repeated.
func WithRetry(max int, baseDelay time.Duration) Option {
	return func(o *options) {
		o.maxRetries = max
		o.retryDelay = baseDelay
	}
}

// WithSynchronizers shares a correlation manager between clients.
func WithSynchronizers(m *correlation.Manager[*message.Envelope]) Option {
	return func(o *options) {
		o.syncs = m
	}
}

// Client owns the in-flight calls made over one transport.
type Client struct {
	transport transport.Transport
	opts      options
	logger    *zap.Logger
	syncs     *correlation.Manager[*message.Envelope]

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New subscribes to t for replies.
func New(t transport.Transport, opts ...Option) (*Client, error) {
	o := options{
		timeout:    defaultTimeout,
		serializer: codec.JSONSerializer{},
		logger:     zap.NewNop(),
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		return nil, rpcerr.Newf(rpcerr.Configuration, "timeout must be positive, got %s", o.timeout)
	}
	if o.maxRetries < 0 {
		return nil, rpcerr.Newf(rpcerr.Configuration, "max retries must not be negative, got %d", o.maxRetries)
	}
	if o.syncs == nil {
		o.syncs = correlation.NewManager[*message.Envelope]()
	}

	c := &Client{transport: t, opts: o, logger: o.logger, syncs: o.syncs, stop: make(chan struct{})}
	if err := t.Subscribe(c.onReply); err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go c.sweepLoop(o.timeout)
	return c, nil
}

// sweepLoop reaps synchronizers that outlived their deadline without a
// caller awaiting them, e.g. left behind in a shared manager.
func (c *Client) sweepLoop(every time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.syncs.Sweep(); n > 0 {
				c.logger.Debug("swept expired calls", zap.Int("count", n))
			}
		case <-c.stop:
			return
		}
	}
}

// onReply runs on the transport's receive goroutine.
func (c *Client) onReply(env *message.Envelope) {
	if !env.IsReply() {
		c.logger.Debug("ignoring non-reply", zap.String("id", env.ID))
		return
	}
	if !c.syncs.Release(env.CorrelationID, env) {
		c.logger.Debug("discarding late or duplicate reply",
			zap.String("method", env.Method),
			zap.String("correlation_id", env.CorrelationID))
	}
}

// Pending is the number of calls waiting for a reply.
func (c *Client) Pending() int {
	return c.syncs.Len()
}

// Proxy returns a caller for iface served under version.
func (c *Client) Proxy(iface method.Interface, version string) (*Proxy, error) {
	reg, err := method.Build(iface, version)
	if err != nil {
		return nil, err
	}
	return &Proxy{client: c, registry: reg}, nil
}

// Close stops the sweeper and closes the transport. Calls still waiting time
// out.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return c.transport.Close()
}
