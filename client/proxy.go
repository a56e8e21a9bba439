package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/method"
)

// Proxy calls the methods of one interface at one version. It implements
// method.Caller and is safe for concurrent use.
type Proxy struct {
	client   *Client
	registry *method.Registry
}

func (p *Proxy) Registry() *method.Registry {
	return p.registry
}

// Call invokes name(params) with args. For a method with a result, reply must
// point to a value of the result type; Call blocks until the reply arrives,
// the client timeout elapses or ctx is done. A void method returns as soon as
// the request is sent and reply is ignored.
func (p *Proxy) Call(ctx context.Context, name string, params []string, args []any, reply any) error {
	desc, err := p.registry.Resolve(name, params)
	if err != nil {
		return err
	}
	if len(args) != len(desc.Params) {
		return rpcerr.Newf(rpcerr.Serialization, "%s takes %d arguments, got %d", desc.Key, len(desc.Params), len(args))
	}

	encoded := make([][]byte, len(args))
	for i, a := range args {
		if encoded[i], err = p.client.opts.serializer.Encode(a); err != nil {
			return err
		}
	}
	req := message.NewRequest(p.registry.Service(), desc.Key, encoded)
	req.OneWay = desc.IsVoid()

	if req.OneWay {
		return p.send(ctx, req)
	}

	waiter, err := p.client.syncs.Create(req.CorrelationID, p.client.opts.timeout)
	if err != nil {
		return err
	}
	if err := p.send(ctx, req); err != nil {
		waiter.Close()
		return err
	}

	resp, err := waiter.Await(ctx)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if len(resp.Payload) == 0 {
		return rpcerr.Newf(rpcerr.Invocation, "reply to %s carried no result", desc.Key)
	}
	if reply == nil {
		return nil
	}
	return p.client.opts.serializer.Decode(resp.Payload, reply)
}

// send hands req to the transport, retrying network failures with
// exponential backoff. Each attempt gets a fresh envelope id; the correlation
// id stays the same so the waiting synchronizer still matches.
func (p *Proxy) send(ctx context.Context, req *message.Envelope) error {
	opts := p.client.opts
	for attempt := 0; ; attempt++ {
		err := p.client.transport.Send(ctx, req)
		if err == nil {
			return nil
		}
		if rpcerr.KindOf(err) == rpcerr.Invocation {
			err = rpcerr.Wrap(rpcerr.Network, err, "sending "+req.Method)
		}
		if !rpcerr.IsNetwork(err) || attempt >= opts.maxRetries {
			return err
		}

		delay := opts.retryDelay * time.Duration(1<<attempt)
		p.client.logger.Info("retrying send",
			zap.String("method", req.Method),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.NamedError("err", err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
		req.ID = message.NewID()
	}
}
