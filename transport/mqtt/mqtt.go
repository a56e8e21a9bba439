// Package mqtt carries envelopes through an MQTT broker.
//
//	client node                      broker                       server node
//	  │ publish                ┌───────────────────────────────┐
//	  ├───────────────────────▶│ msg-rpc/requests/{service}    │──▶ $share/{group}/...
//	  │                        └───────────────────────────────┘          │
//	  │                        ┌───────────────────────────────┐          │
//	  ◀────────────────────────│ msg-rpc/replies/{node}        │◀─────────┘ publish
//	                           └───────────────────────────────┘
//
// Servers subscribe to their services' request topics through a shared
// subscription group, so when several servers run one service the broker
// hands each request to one of them. Every node listens on its own reply
// topic; a request's ReplyTo is the sender's node id.
//
// MQTT 3.1.1 has no content type, so each payload starts with one byte naming
// the envelope codec.
package mqtt

import (
	"context"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/transport"
)

const (
	topicPrefix = "msg-rpc/"

	defaultQoS            = 1
	defaultGroup          = "msg-rpc"
	defaultKeepAlive      = 60 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// RequestTopic is the topic requests for service are published to.
func RequestTopic(service string) string {
	return topicPrefix + "requests/" + service
}

// ReplyTopic is the topic replies for node are published to.
func ReplyTopic(node string) string {
	return topicPrefix + "replies/" + node
}

type options struct {
	codec          codec.Codec
	node           string
	services       []string
	group          string
	qos            byte
	username       string
	password       string
	keepAlive      time.Duration
	connectTimeout time.Duration
	logger         *zap.Logger
}

type Option func(*options)

func WithCodec(t codec.CodecType) Option {
	return func(o *options) {
		o.codec = codec.GetCodec(t)
	}
}

// WithNode sets the MQTT client id, which is also the reply address. A fresh
// id is used by default.
func WithNode(id string) Option {
	return func(o *options) {
		o.node = id
	}
}

// WithServices makes the transport consume the requests of services.
func WithServices(services ...string) Option {
	return func(o *options) {
		o.services = append(o.services, services...)
	}
}

// WithSharedGroup sets the shared subscription group request topics are
// consumed through. An empty group subscribes directly, and every server then
// receives every request.
func WithSharedGroup(group string) Option {
	return func(o *options) {
		o.group = group
	}
}

// WithQoS sets the quality of service of publishes and subscriptions.
func WithQoS(qos byte) Option {
	return func(o *options) {
		if qos <= 2 {
			o.qos = qos
		}
	}
}

func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username, o.password = username, password
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(o *options) {
		o.keepAlive = d
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Transport implements transport.Transport over one MQTT session.
type Transport struct {
	opts   options
	client paho.Client

	mu      sync.RWMutex
	handler transport.Handler
	closed  bool
}

// Dial connects to broker ("tcp://host:1883").
func Dial(broker string, opts ...Option) (*Transport, error) {
	o := options{
		codec:          codec.GetCodec(codec.CodecTypeJSON),
		group:          defaultGroup,
		qos:            defaultQoS,
		keepAlive:      defaultKeepAlive,
		connectTimeout: defaultConnectTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.node == "" {
		o.node = message.NewID()
	}
	if strings.ContainsAny(o.node, "/+#") {
		return nil, rpcerr.Newf(rpcerr.Configuration, "node id %q must not contain '/', '+' or '#'", o.node)
	}
	o.logger = o.logger.With(zap.String("node", o.node))

	t := &Transport{opts: o}
	co := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(o.node).
		SetCleanSession(true).
		SetKeepAlive(o.keepAlive).
		SetConnectTimeout(o.connectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			o.logger.Warn("mqtt connection lost", zap.NamedError("err", err))
		})
	if o.username != "" {
		co.SetUsername(o.username).SetPassword(o.password)
	}

	t.client = paho.NewClient(co)
	tok := t.client.Connect()
	if !tok.WaitTimeout(o.connectTimeout) {
		t.client.Disconnect(0)
		return nil, rpcerr.Newf(rpcerr.Network, "connecting to %s timed out", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, rpcerr.Wrap(rpcerr.Network, err, "connecting to "+broker)
	}
	return t, nil
}

func (t *Transport) Node() string {
	return t.opts.node
}

// subscriptions maps every topic filter this node consumes to its QoS.
func (t *Transport) subscriptions() map[string]byte {
	filters := map[string]byte{ReplyTopic(t.opts.node): t.opts.qos}
	for _, s := range t.opts.services {
		filter := RequestTopic(s)
		if t.opts.group != "" {
			filter = "$share/" + t.opts.group + "/" + filter
		}
		filters[filter] = t.opts.qos
	}
	return filters
}

// onConnect restores the subscriptions after an automatic reconnect; the
// session is clean, so the broker forgot them.
func (t *Transport) onConnect(c paho.Client) {
	t.mu.RLock()
	subscribed := t.handler != nil
	t.mu.RUnlock()
	if !subscribed {
		return
	}
	tok := c.SubscribeMultiple(t.subscriptions(), t.onMessage)
	go func() {
		if tok.WaitTimeout(t.opts.connectTimeout) && tok.Error() != nil {
			t.opts.logger.Error("resubscribing", zap.NamedError("err", tok.Error()))
		}
	}()
}

// Send publishes env to its service's request topic, or to the reply topic
// of the node named by its ReplyTo. A request for a service nobody serves is
// dropped by the broker and its caller times out.
func (t *Transport) Send(ctx context.Context, env *message.Envelope) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return rpcerr.Newf(rpcerr.Network, "mqtt transport %s is closed", t.opts.node)
	}

	var topic string
	if env.IsRequest() {
		if !env.OneWay && env.ReplyTo == "" {
			env.ReplyTo = t.opts.node
		}
		topic = RequestTopic(env.Service)
	} else {
		if env.ReplyTo == "" {
			return rpcerr.Newf(rpcerr.Network, "reply %s has no destination", env.ID)
		}
		topic = ReplyTopic(env.ReplyTo)
	}

	body, err := t.opts.codec.Encode(env)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, len(body)+1)
	payload = append(payload, byte(t.opts.codec.Type()))
	payload = append(payload, body...)

	tok := t.client.Publish(topic, t.opts.qos, false, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return rpcerr.Wrap(rpcerr.Network, ctx.Err(), "publishing to "+topic)
	}
	if err := tok.Error(); err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "publishing to "+topic)
	}
	return nil
}

// Subscribe subscribes to the node's reply topic and its services' request
// topics.
func (t *Transport) Subscribe(h transport.Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return rpcerr.Newf(rpcerr.Network, "mqtt transport %s is closed", t.opts.node)
	}
	if t.handler != nil {
		t.mu.Unlock()
		return rpcerr.Newf(rpcerr.Configuration, "mqtt transport %s already has a subscriber", t.opts.node)
	}
	t.handler = h
	t.mu.Unlock()

	tok := t.client.SubscribeMultiple(t.subscriptions(), t.onMessage)
	if !tok.WaitTimeout(t.opts.connectTimeout) {
		return rpcerr.Newf(rpcerr.Network, "subscribing timed out")
	}
	if err := tok.Error(); err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "subscribing")
	}
	return nil
}

// onMessage decodes a publish and hands it to the handler.
func (t *Transport) onMessage(_ paho.Client, m paho.Message) {
	env, err := decode(m.Payload())
	if err != nil {
		t.opts.logger.Warn("dropping undecodable message", zap.String("topic", m.Topic()), zap.NamedError("err", err))
		return
	}
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h != nil {
		h(env)
	}
}

func decode(payload []byte) (*message.Envelope, error) {
	if len(payload) == 0 {
		return nil, rpcerr.Newf(rpcerr.Serialization, "empty payload")
	}
	c := codec.CodecType(payload[0])
	if c != codec.CodecTypeJSON && c != codec.CodecTypeBinary {
		return nil, rpcerr.Newf(rpcerr.Serialization, "unsupported codec type %d", c)
	}
	env := &message.Envelope{}
	if err := codec.GetCodec(c).Decode(payload[1:], env); err != nil {
		return nil, err
	}
	return env, nil
}

// Close disconnects, waiting briefly for in-flight publishes.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.client.Disconnect(250)
	return nil
}
