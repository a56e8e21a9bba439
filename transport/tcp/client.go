package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/transport"
)

// Client is the calling side of the TCP transport. It implements
// transport.Transport.
type Client struct {
	addr  string
	opts  options
	slots []*slot
	next  atomic.Uint32

	mu      sync.RWMutex
	handler transport.Handler
	closed  bool
}

// slot holds one connection, redialed when it has failed.
type slot struct {
	mu   sync.Mutex
	conn *transport.StreamConn
}

// Dial opens the client's connections to addr. All of them are dialed up
// front so a wrong address fails here rather than on the first call.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{addr: addr, opts: newOptions(opts)}
	c.slots = make([]*slot, c.opts.conns)
	for i := range c.slots {
		c.slots[i] = &slot{}
		if _, err := c.connAt(ctx, i); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// connAt returns the live connection of slot i, dialing a new one if the slot
// is empty or its connection has ended.
func (c *Client) connAt(ctx context.Context, i int) (*transport.StreamConn, error) {
	s := c.slots[i]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		select {
		case <-s.conn.Done():
			c.opts.logger.Info("redialing", zap.String("addr", c.addr), zap.Int("slot", i),
				zap.NamedError("err", s.conn.Err()))
			s.conn = nil
		default:
			return s.conn, nil
		}
	}

	dialer := net.Dialer{Timeout: c.opts.dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Network, err, "dialing "+c.addr)
	}
	conn := transport.NewStreamConn(fmt.Sprintf("%s#%d", c.addr, i), nc, transport.StreamOptions{
		Codec:     c.opts.codec,
		Heartbeat: c.opts.heartbeat,
		Logger:    c.opts.logger,
	})

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		_ = nc.Close()
		return nil, rpcerr.Newf(rpcerr.Network, "client for %s is closed", c.addr)
	}

	conn.Start(c.deliver)
	s.conn = conn
	return conn, nil
}

func (c *Client) deliver(env *message.Envelope) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		c.opts.logger.Warn("dropping envelope, no subscriber", zap.String("correlation_id", env.CorrelationID))
		return
	}
	h(env)
}

// Send writes env on the next connection in round-robin order. Replies come
// back on the same connection, so no reply address is needed.
func (c *Client) Send(ctx context.Context, env *message.Envelope) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return rpcerr.Newf(rpcerr.Network, "client for %s is closed", c.addr)
	}

	i := int(c.next.Add(1)-1) % len(c.slots)
	conn, err := c.connAt(ctx, i)
	if err != nil {
		return err
	}
	return conn.Send(ctx, env)
}

func (c *Client) Subscribe(h transport.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return rpcerr.Newf(rpcerr.Configuration, "client for %s already has a subscriber", c.addr)
	}
	c.handler = h
	return nil
}

// Close closes every connection. Calls waiting for replies time out.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	for _, s := range c.slots {
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	}
	return nil
}
