package transport

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
)

// Peers is the server side of the stream transports: the table of accepted
// connections. A request that arrives on a connection is stamped with the
// connection id as its ReplyTo, and Send routes the reply back by that id.
type Peers struct {
	opts StreamOptions

	mu      sync.RWMutex
	conns   map[string]*StreamConn
	handler Handler
	closed  bool
}

// NewPeers returns an empty table. opts applies to every accepted connection;
// its OnClose is chained after the table's own cleanup.
func NewPeers(opts StreamOptions) *Peers {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Peers{opts: opts, conns: make(map[string]*StreamConn)}
}

// Subscribe sets the handler for requests from all connections, current and
// future.
func (p *Peers) Subscribe(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler != nil {
		return rpcerr.Newf(rpcerr.Configuration, "peers already have a subscriber")
	}
	p.handler = h
	return nil
}

// Accept registers rwc under a fresh id and starts serving it. It fails when
// the table is closed or has no subscriber yet.
func (p *Peers) Accept(rwc io.ReadWriteCloser) (*StreamConn, error) {
	opts := p.opts
	userOnClose := opts.OnClose
	opts.OnClose = func(c *StreamConn, err error) {
		p.remove(c)
		if userOnClose != nil {
			userOnClose(c, err)
		}
	}
	c := NewStreamConn(message.NewID(), rwc, opts)

	p.mu.Lock()
	if p.closed || p.handler == nil {
		p.mu.Unlock()
		_ = rwc.Close()
		return nil, rpcerr.Newf(rpcerr.Network, "peers are not accepting connections")
	}
	h := p.handler
	p.conns[c.ID()] = c
	p.mu.Unlock()

	c.Start(func(env *message.Envelope) {
		if env.IsRequest() {
			env.ReplyTo = c.ID()
		}
		h(env)
	})
	return c, nil
}

func (p *Peers) remove(c *StreamConn) {
	p.mu.Lock()
	if p.conns[c.ID()] == c {
		delete(p.conns, c.ID())
	}
	p.mu.Unlock()
}

// Send writes a reply to the connection named by env.ReplyTo.
func (p *Peers) Send(ctx context.Context, env *message.Envelope) error {
	if !env.IsReply() {
		return rpcerr.Newf(rpcerr.Network, "a listener only sends replies, got %s for %s", env.Kind, env.Method)
	}
	p.mu.RLock()
	c, ok := p.conns[env.ReplyTo]
	p.mu.RUnlock()
	if !ok {
		return rpcerr.Newf(rpcerr.Network, "connection %q is gone", env.ReplyTo)
	}
	return c.Send(ctx, env)
}

// Len is the number of live connections.
func (p *Peers) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Drop closes every current connection but keeps accepting new ones. It
// returns how many connections were closed.
func (p *Peers) Drop() int {
	p.mu.RLock()
	conns := make([]*StreamConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// Close closes every connection and refuses new ones.
func (p *Peers) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := make([]*StreamConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
