// Package etcd uses an etcd cluster as a message broker.
//
// Every envelope is a key, written by the sender and deleted by the one
// consumer that claims it:
//
//	/msg-rpc/services/{service}/{node}    consumer presence
//	/msg-rpc/requests/{service}/{id}      pending request
//	/msg-rpc/replies/{node}/{id}          pending reply
//
// All keys a node writes are attached to the node's lease, kept alive while
// the transport is open. If the process dies the lease expires and its
// presence, requests and replies disappear with it.
//
// Consumers read the backlog under their prefix, then watch it from the next
// revision. A key is claimed by a transaction that deletes it only if it
// still has the creation revision that was read, so when several servers
// consume one service each request is handled by exactly one of them.
package etcd

import (
	"context"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/transport"
)

const (
	keyPrefix = "/msg-rpc/"

	defaultLeaseTTL    = 10 // seconds
	defaultDialTimeout = 5 * time.Second
	rewatchDelay       = time.Second
)

func presencePrefix(service string) string {
	return keyPrefix + "services/" + service + "/"
}

func requestPrefix(service string) string {
	return keyPrefix + "requests/" + service + "/"
}

func replyPrefix(node string) string {
	return keyPrefix + "replies/" + node + "/"
}

// Config configures a Transport.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Client is used instead of dialing Endpoints. It is not closed by
	// Transport.Close.
	Client *clientv3.Client

	Node     string   // reply inbox name; a fresh id if empty
	Services []string // request queues this node consumes
	Codec    codec.CodecType
	LeaseTTL int64 // seconds
	// MaxAge drops requests that waited longer than this before being
	// claimed. Zero keeps them.
	MaxAge time.Duration
	Logger *zap.Logger
}

// Transport implements transport.Transport on etcd.
type Transport struct {
	client     *clientv3.Client
	ownsClient bool
	node       string
	services   []string
	codec      codec.Codec
	lease      clientv3.LeaseID
	maxAge     time.Duration
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handler transport.Handler
	closed  bool
}

// New connects, grants the node lease and announces the consumed services.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Node == "" {
		cfg.Node = message.NewID()
	}
	if strings.Contains(cfg.Node, "/") {
		return nil, rpcerr.Newf(rpcerr.Configuration, "node name %q must not contain '/'", cfg.Node)
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	t := &Transport{
		client:   cfg.Client,
		node:     cfg.Node,
		services: cfg.Services,
		codec:    codec.GetCodec(cfg.Codec),
		maxAge:   cfg.MaxAge,
		logger:   cfg.Logger.With(zap.String("node", cfg.Node)),
	}
	if t.client == nil {
		c, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeout,
			Logger:      cfg.Logger,
		})
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.Network, err, "connecting to etcd")
		}
		t.client, t.ownsClient = c, true
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if err := t.register(ctx, cfg.LeaseTTL); err != nil {
		t.cancel()
		if t.ownsClient {
			_ = t.client.Close()
		}
		return nil, err
	}
	return t, nil
}

// register grants the node lease, keeps it alive and puts the presence keys.
func (t *Transport) register(ctx context.Context, ttl int64) error {
	lease, err := t.client.Grant(ctx, ttl)
	if err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "granting lease")
	}
	t.lease = lease.ID

	ch, err := t.client.KeepAlive(t.ctx, lease.ID)
	if err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "keeping lease alive")
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		// Drain responses so the keep-alive channel never fills up.
		for range ch {
		}
		if t.ctx.Err() == nil {
			t.logger.Error("etcd lease lost")
		}
	}()

	for _, s := range t.services {
		if _, err := t.client.Put(ctx, presencePrefix(s)+t.node, t.node, clientv3.WithLease(t.lease)); err != nil {
			return rpcerr.Wrap(rpcerr.Network, err, "announcing "+s)
		}
	}
	return nil
}

func (t *Transport) Node() string {
	return t.node
}

// Send writes env under its destination. A request is refused when no node
// consumes its service.
func (t *Transport) Send(ctx context.Context, env *message.Envelope) error {
	if t.ctx.Err() != nil {
		return rpcerr.Newf(rpcerr.Network, "etcd transport %s is closed", t.node)
	}

	var key string
	if env.IsRequest() {
		resp, err := t.client.Get(ctx, presencePrefix(env.Service), clientv3.WithPrefix(), clientv3.WithCountOnly())
		if err != nil {
			return rpcerr.Wrap(rpcerr.Network, err, "looking up "+env.Service)
		}
		if resp.Count == 0 {
			return rpcerr.Newf(rpcerr.Network, "no node serves %s", env.Service)
		}
		if !env.OneWay && env.ReplyTo == "" {
			env.ReplyTo = t.node
		}
		key = requestPrefix(env.Service) + env.ID
	} else {
		if env.ReplyTo == "" {
			return rpcerr.Newf(rpcerr.Network, "reply %s has no destination", env.ID)
		}
		key = replyPrefix(env.ReplyTo) + env.ID
	}

	body, err := t.codec.Encode(env)
	if err != nil {
		return err
	}
	if _, err := t.client.Put(ctx, key, string(body), clientv3.WithLease(t.lease)); err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "writing "+key)
	}
	return nil
}

// Subscribe starts consuming the node's replies and the requests of its
// services. h may be called from several goroutines at once.
func (t *Transport) Subscribe(h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return rpcerr.Newf(rpcerr.Network, "etcd transport %s is closed", t.node)
	}
	if t.handler != nil {
		return rpcerr.Newf(rpcerr.Configuration, "etcd transport %s already has a subscriber", t.node)
	}
	t.handler = h

	prefixes := []string{replyPrefix(t.node)}
	for _, s := range t.services {
		prefixes = append(prefixes, requestPrefix(s))
	}
	for _, p := range prefixes {
		t.wg.Add(1)
		go t.consume(p)
	}
	return nil
}

// consume claims every key under prefix: the backlog first, then new keys as
// they are written. A broken watch starts over from the backlog.
func (t *Transport) consume(prefix string) {
	defer t.wg.Done()
	log := t.logger.With(zap.String("prefix", prefix))

	for t.ctx.Err() == nil {
		resp, err := t.client.Get(t.ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			if t.ctx.Err() == nil {
				log.Warn("reading backlog", zap.NamedError("err", err))
				t.sleep(rewatchDelay)
			}
			continue
		}
		for _, kv := range resp.Kvs {
			t.claim(string(kv.Key), kv.CreateRevision, kv.Value)
		}

		watch := t.client.Watch(t.ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for wresp := range watch {
			if err := wresp.Err(); err != nil {
				log.Warn("watch failed, restarting", zap.NamedError("err", err))
				break
			}
			for _, ev := range wresp.Events {
				if ev.Type != clientv3.EventTypePut || ev.Kv.Version != 1 {
					continue
				}
				t.claim(string(ev.Kv.Key), ev.Kv.CreateRevision, ev.Kv.Value)
			}
		}
		t.sleep(rewatchDelay)
	}
}

// claim deletes key if it is still the version that was read, and delivers
// its envelope when this node won the delete.
func (t *Transport) claim(key string, createRev int64, value []byte) {
	txn, err := t.client.Txn(t.ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", createRev)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		if t.ctx.Err() == nil {
			t.logger.Warn("claiming envelope", zap.String("key", key), zap.NamedError("err", err))
		}
		return
	}
	if !txn.Succeeded {
		// Another consumer got it.
		return
	}

	env := &message.Envelope{}
	if err := t.codec.Decode(value, env); err != nil {
		t.logger.Warn("dropping undecodable envelope", zap.String("key", key), zap.NamedError("err", err))
		return
	}
	if env.IsRequest() && t.maxAge > 0 && !env.CreatedAt.IsZero() && time.Since(env.CreatedAt) > t.maxAge {
		t.logger.Info("dropping stale request", zap.String("method", env.Method), zap.Time("created_at", env.CreatedAt))
		return
	}

	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	h(env)
}

func (t *Transport) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-t.ctx.Done():
	}
}

// Close stops consuming and revokes the node lease, which removes every key
// the node wrote and has not been consumed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	_, err := t.client.Revoke(ctx, t.lease)
	if err != nil {
		err = rpcerr.Wrap(rpcerr.Network, err, "revoking lease")
	}
	if t.ownsClient {
		if cerr := t.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
