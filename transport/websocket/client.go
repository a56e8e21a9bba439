package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/transport"
)

// Client is the calling side of the websocket transport. It implements
// transport.Transport over a single connection.
type Client struct {
	url  string
	conn *transport.StreamConn
	opts options

	mu      sync.RWMutex
	handler transport.Handler
}

// Dial connects to a Server mounted at url ("ws://host/path").
func Dial(ctx context.Context, url string, header http.Header, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	dialer := websocket.Dialer{HandshakeTimeout: o.handshakeTimeout}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "http status code = %d", resp.StatusCode)
		}
		return nil, rpcerr.Wrap(rpcerr.Network, err, "connecting to websocket "+url)
	}

	c := &Client{url: url, opts: o}
	c.conn = transport.NewStreamConn(url, newStream(ws), transport.StreamOptions{
		Codec:     o.codec,
		Heartbeat: o.heartbeat,
		Logger:    o.logger,
	})
	c.conn.Start(c.deliver)
	return c, nil
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

func (c *Client) Send(ctx context.Context, env *message.Envelope) error {
	return c.conn.Send(ctx, env)
}

func (c *Client) Subscribe(h transport.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return rpcerr.Newf(rpcerr.Configuration, "websocket client for %s already has a subscriber", c.url)
	}
	c.handler = h
	return nil
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

func (c *Client) Close() error {
	return c.conn.Close()
}
