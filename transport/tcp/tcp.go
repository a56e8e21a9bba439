// Package tcp carries envelopes over plain TCP connections.
//
//	Client (Dial)                         Server (Listen)
//	┌──────────────┐   conn #0            ┌────────────────────────┐
//	│ round robin  │══════════════════════│ accept loop            │
//	│ over N conns │   conn #1            │ peers: connID → conn   │
//	│              │══════════════════════│ request.ReplyTo=connID │
//	└──────────────┘                      └────────────────────────┘
//
// Every connection is multiplexed: many calls share it and replies come back
// in any order, matched by correlation id. A client connection that fails is
// redialed the next time its slot is picked.
package tcp

import (
	"time"

	"go.uber.org/zap"

	"msg-rpc/codec"
)

const (
	defaultConns       = 1
	defaultHeartbeat   = 30 * time.Second
	defaultDialTimeout = 5 * time.Second
)

type options struct {
	codec       codec.Codec
	conns       int
	heartbeat   time.Duration
	dialTimeout time.Duration
	logger      *zap.Logger
}

// Option configures a Client or a Server.
type Option func(*options)

// WithCodec sets the envelope codec for outgoing frames. Incoming frames are
// decoded with whatever codec their header names.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) {
		o.codec = codec.GetCodec(t)
	}
}

// WithConns sets how many connections a client opens. Ignored by Listen.
func WithConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.conns = n
		}
	}
}

// WithHeartbeat sets the keep-alive interval; 0 disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		o.heartbeat = d
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		codec:       codec.GetCodec(codec.CodecTypeJSON),
		conns:       defaultConns,
		heartbeat:   defaultHeartbeat,
		dialTimeout: defaultDialTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
