// Package transport moves envelopes between the client proxy and the server
// dispatcher.
//
// Every transport, whatever it runs over, offers the same three operations:
//
//	Send(ctx, env)    requests go to env.Service, replies go to env.ReplyTo
//	Subscribe(h)      h is called for every envelope that arrives
//	Close()
//
// Handlers run on the transport's receive goroutine. They must return quickly:
// the client only releases a waiter, the server only queues work.
//
// Implementations in this package:
//   - Broker/Endpoint: in-process, one goroutine per endpoint.
//   - StreamConn:      envelopes framed with package protocol over any
//     io.ReadWriteCloser, used by transport/tcp and transport/websocket.
//
// Broker-backed transports live in transport/etcd and transport/amqp.
package transport

import (
	"context"

	"msg-rpc/message"
)

// Handler receives delivered envelopes.
type Handler func(env *message.Envelope)

// Transport is the contract between the RPC core and a messaging channel.
//
// Send stamps a reply address on requests that expect an answer and have
// none yet. A failure to hand the envelope over is a network error.
type Transport interface {
	Send(ctx context.Context, env *message.Envelope) error
	Subscribe(h Handler) error
	Close() error
}
