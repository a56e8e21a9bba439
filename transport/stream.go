package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/protocol"
)

// StreamOptions configures a StreamConn.
type StreamOptions struct {
	Codec     codec.Codec   // envelope codec for outgoing frames; JSON if nil
	Heartbeat time.Duration // interval of keep-alive frames; 0 disables them
	Logger    *zap.Logger
	// OnClose runs once when the connection ends, with the error that ended it
	// (nil after Close).
	OnClose func(c *StreamConn, err error)
}

// StreamConn carries envelopes over one io.ReadWriteCloser.
//
//	goroutine-1 ──Send──┐
//	goroutine-2 ──Send──┼──→ sending lock ──→ frames ──→ peer
//	heartbeat   ──────┘
//
//	recvLoop: ←── frame → codec → handler
//
// A single goroutine reads, since frame boundaries are only known to a
// sequential reader. Writers share one lock so frames never interleave.
type StreamConn struct {
	id      string
	rwc     io.ReadWriteCloser
	codec   codec.Codec
	opts    StreamOptions
	logger  *zap.Logger
	sending sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	err       error // set before done is closed
}

// NewStreamConn wraps rwc. Nothing is read until Start.
func NewStreamConn(id string, rwc io.ReadWriteCloser, opts StreamOptions) *StreamConn {
	if opts.Codec == nil {
		opts.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &StreamConn{
		id:     id,
		rwc:    rwc,
		codec:  opts.Codec,
		opts:   opts,
		logger: opts.Logger.With(zap.String("conn", id)),
		done:   make(chan struct{}),
	}
}

func (c *StreamConn) ID() string {
	return c.id
}

// Start launches the receive loop, delivering every envelope to h, and the
// heartbeat loop if enabled.
func (c *StreamConn) Start(h Handler) {
	go c.recvLoop(h)
	if c.opts.Heartbeat > 0 {
		go c.heartbeatLoop(c.opts.Heartbeat)
	}
}

// Send encodes env and writes it as one frame.
func (c *StreamConn) Send(ctx context.Context, env *message.Envelope) error {
	if err := ctx.Err(); err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "sending on "+c.id)
	}
	select {
	case <-c.done:
		return rpcerr.Wrap(rpcerr.Network, c.closedErr(), "sending on "+c.id)
	default:
	}

	body, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	// Refused before writing, so the connection stays usable for other calls.
	if len(body) > int(protocol.MaxBodyLen) {
		return rpcerr.Newf(rpcerr.Serialization, "envelope %s of %d bytes exceeds limit of %d", env.ID, len(body), protocol.MaxBodyLen)
	}
	msgType := protocol.MsgTypeRequest
	if env.IsReply() {
		msgType = protocol.MsgTypeResponse
	}
	header := protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   msgType,
		BodyLen:   uint32(len(body)),
	}
	if err := c.writeFrame(ctx, &header, body); err != nil {
		c.shutdown(err)
		return err
	}
	return nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (c *StreamConn) writeFrame(ctx context.Context, h *protocol.Header, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()

	if wd, ok := c.rwc.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		// A zero deadline clears a previous one.
		_ = wd.SetWriteDeadline(deadline)
	}
	return protocol.Encode(c.rwc, h, body)
}

func (c *StreamConn) recvLoop(h Handler) {
	for {
		header, body, err := protocol.Decode(c.rwc)
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			c.shutdown(err)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		env := &message.Envelope{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, env); err != nil {
			// The frame was read whole, so the stream is still aligned.
			c.logger.Warn("dropping undecodable frame", zap.NamedError("err", err))
			continue
		}
		h(env)
	}
}

func (c *StreamConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			header := &protocol.Header{CodecType: byte(c.codec.Type()), MsgType: protocol.MsgTypeHeartbeat}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.writeFrame(ctx, header, nil)
			cancel()
			if err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Done is closed when the connection has ended.
func (c *StreamConn) Done() <-chan struct{} {
	return c.done
}

// Err is the error that ended the connection. It is nil while the connection
// is open, and after a clean shutdown.
func (c *StreamConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *StreamConn) closedErr() error {
	if c.err != nil {
		return c.err
	}
	return errors.New("connection closed")
}

func (c *StreamConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *StreamConn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		if cause != nil {
			c.logger.Debug("connection ended", zap.NamedError("err", cause))
		}
		close(c.done)
		_ = c.rwc.Close()
		if c.opts.OnClose != nil {
			c.opts.OnClose(c, cause)
		}
	})
}
