package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
)

const defaultInboxSize = 256

// Broker is an in-process message broker. Endpoints attach to it under a
// unique name; requests are routed to the endpoint that serves env.Service and
// replies to the endpoint named by env.ReplyTo.
//
//	client endpoint ──request(Service=1.0/Calc)──→ broker ──→ server endpoint
//	client endpoint ←──reply(ReplyTo=client-1)──── broker ←── server endpoint
type Broker struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint // by name
	services  map[string]*Endpoint // by service key
	logger    *zap.Logger
}

func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		endpoints: make(map[string]*Endpoint),
		services:  make(map[string]*Endpoint),
		logger:    logger,
	}
}

// Endpoint attaches a new endpoint. Requests for each of services are routed
// to it; a service can be served by one endpoint only.
func (b *Broker) Endpoint(name string, services ...string) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		return nil, rpcerr.Newf(rpcerr.Configuration, "endpoint name is required")
	}
	if _, ok := b.endpoints[name]; ok {
		return nil, rpcerr.Newf(rpcerr.Configuration, "endpoint %q already attached", name)
	}
	for _, s := range services {
		if owner, ok := b.services[s]; ok {
			return nil, rpcerr.Newf(rpcerr.Configuration, "service %q already served by %q", s, owner.name)
		}
	}

	e := &Endpoint{
		name:     name,
		services: services,
		broker:   b,
		inbox:    make(chan *message.Envelope, defaultInboxSize),
		done:     make(chan struct{}),
		logger:   b.logger.With(zap.String("endpoint", name)),
	}
	b.endpoints[name] = e
	for _, s := range services {
		b.services[s] = e
	}
	return e, nil
}

func (b *Broker) route(env *message.Envelope) (*Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if env.IsRequest() {
		e, ok := b.services[env.Service]
		return e, ok
	}
	e, ok := b.endpoints[env.ReplyTo]
	return e, ok
}

func (b *Broker) detach(e *Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.endpoints[e.name] == e {
		delete(b.endpoints, e.name)
	}
	for _, s := range e.services {
		if b.services[s] == e {
			delete(b.services, s)
		}
	}
}

// Endpoint is one party attached to a Broker. It implements Transport.
type Endpoint struct {
	name     string
	services []string
	broker   *Broker
	inbox    chan *message.Envelope // never closed; done ends delivery
	done     chan struct{}
	logger   *zap.Logger

	mu         sync.Mutex
	subscribed bool
	closed     bool
	wg         sync.WaitGroup
}

func (e *Endpoint) Name() string {
	return e.name
}

// Send copies env to the destination endpoint's inbox. It blocks while the
// inbox is full, until ctx is done.
func (e *Endpoint) Send(ctx context.Context, env *message.Envelope) error {
	select {
	case <-e.done:
		return rpcerr.Newf(rpcerr.Network, "endpoint %s is closed", e.name)
	default:
	}
	if env.IsRequest() && !env.OneWay && env.ReplyTo == "" {
		env.ReplyTo = e.name
	}

	dst, ok := e.broker.route(env)
	if !ok {
		if env.IsRequest() {
			return rpcerr.Newf(rpcerr.Network, "no endpoint serves %s", env.Service)
		}
		return rpcerr.Newf(rpcerr.Network, "no endpoint named %q", env.ReplyTo)
	}

	wire := *env
	select {
	case dst.inbox <- &wire:
		return nil
	case <-dst.done:
		return rpcerr.Newf(rpcerr.Network, "endpoint %s is closed", dst.name)
	case <-ctx.Done():
		return rpcerr.Wrap(rpcerr.Network, ctx.Err(), "delivering to "+dst.name)
	}
}

// Subscribe starts delivering the inbox to h on a dedicated goroutine.
// Envelopes that arrived before Subscribe are delivered first.
func (e *Endpoint) Subscribe(h Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return rpcerr.Newf(rpcerr.Network, "endpoint %s is closed", e.name)
	}
	if e.subscribed {
		return rpcerr.Newf(rpcerr.Configuration, "endpoint %s already has a subscriber", e.name)
	}
	e.subscribed = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case env := <-e.inbox:
				h(env)
			case <-e.done:
				return
			}
		}
	}()
	return nil
}

// Close detaches the endpoint and waits for its delivery goroutine. It must
// not be called from inside the endpoint's own handler.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	e.broker.detach(e)
	e.wg.Wait()
	if n := len(e.inbox); n > 0 {
		e.logger.Debug("dropping undelivered envelopes", zap.Int("count", n))
	}
	return nil
}
