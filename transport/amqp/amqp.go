// Package amqp carries envelopes through a RabbitMQ broker.
//
//	client                       broker                        server
//	  │ publish ReplyTo=q.reply   ┌──────────────────────┐
//	  ├──────────────────────────▶│ msg-rpc.{service}    │──────▶ consume, ack
//	  │                           └──────────────────────┘          │
//	  │                           ┌──────────────────────┐          │
//	  ◀───────────────────────────│ q.reply (exclusive)  │◀─────────┘ publish
//	                              └──────────────────────┘
//
// Every service has a shared request queue, so several servers of one
// service compete for its requests. Every transport owns an exclusive,
// server-named reply queue that disappears with its connection. Requests
// are published as mandatory: a request no queue accepts comes back from the
// broker and is answered locally with a network error.
package amqp

import (
	"context"
	"strconv"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/transport"
)

const (
	queuePrefix = "msg-rpc."

	defaultPrefetch    = 16
	defaultDialTimeout = 5 * time.Second
)

// QueueName is the request queue of a service.
func QueueName(service string) string {
	return queuePrefix + service
}

type options struct {
	codec       codec.Codec
	services    []string
	prefetch    int
	ttl         time.Duration
	dialTimeout time.Duration
	logger      *zap.Logger
}

type Option func(*options)

func WithCodec(t codec.CodecType) Option {
	return func(o *options) {
		o.codec = codec.GetCodec(t)
	}
}

// WithServices makes the transport consume the request queues of services.
func WithServices(services ...string) Option {
	return func(o *options) {
		o.services = append(o.services, services...)
	}
}

// WithPrefetch bounds how many unacknowledged requests the broker hands to
// this transport at once.
func WithPrefetch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.prefetch = n
		}
	}
}

// WithMessageTTL makes the broker discard envelopes not consumed within d.
func WithMessageTTL(d time.Duration) Option {
	return func(o *options) {
		o.ttl = d
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
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

// Transport implements transport.Transport over one AMQP connection.
type Transport struct {
	opts  options
	conn  *amqp091.Connection
	ch    *amqp091.Channel
	reply string // reply queue name

	publishing sync.Mutex
	returns    chan amqp091.Return
	wg         sync.WaitGroup

	mu      sync.Mutex
	handler transport.Handler
	closed  bool
}

// Dial connects to url, declares the request queues of the consumed services
// and the transport's reply queue.
func Dial(url string, opts ...Option) (*Transport, error) {
	o := options{
		codec:       codec.GetCodec(codec.CodecTypeJSON),
		prefetch:    defaultPrefetch,
		dialTimeout: defaultDialTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := amqp091.DialConfig(url, amqp091.Config{Dial: amqp091.DefaultDial(o.dialTimeout)})
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Network, err, "connecting to amqp broker")
	}
	t := &Transport{opts: o, conn: conn}
	if err := t.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	t.opts.logger = o.logger.With(zap.String("reply_queue", t.reply))
	return t, nil
}

func (t *Transport) setup() error {
	ch, err := t.conn.Channel()
	if err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "opening channel")
	}
	t.ch = ch
	if err := ch.Qos(t.opts.prefetch, 0, false); err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "setting prefetch")
	}
	for _, s := range t.opts.services {
		if _, err := ch.QueueDeclare(QueueName(s), false, false, false, false, nil); err != nil {
			return rpcerr.Wrap(rpcerr.Network, err, "declaring queue for "+s)
		}
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "declaring reply queue")
	}
	t.reply = q.Name

	t.returns = ch.NotifyReturn(make(chan amqp091.Return, 16))
	t.wg.Add(1)
	go t.returnLoop()
	return nil
}

// ReplyQueue is the name replies to this transport are published to.
func (t *Transport) ReplyQueue() string {
	return t.reply
}

const (
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
)

func (t *Transport) contentType() string {
	if t.opts.codec.Type() == codec.CodecTypeJSON {
		return contentTypeJSON
	}
	return contentTypeBinary
}

// decode reads a body with the codec its content type names, so peers with
// different codecs can talk.
func decode(contentType string, body []byte) (*message.Envelope, error) {
	c := codec.GetCodec(codec.CodecTypeBinary)
	if contentType == contentTypeJSON {
		c = codec.GetCodec(codec.CodecTypeJSON)
	}
	env := &message.Envelope{}
	if err := c.Decode(body, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Send publishes env to its service's request queue, or to the reply queue
// named by its ReplyTo.
func (t *Transport) Send(ctx context.Context, env *message.Envelope) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return rpcerr.Newf(rpcerr.Network, "amqp transport is closed")
	}

	var key string
	if env.IsRequest() {
		if !env.OneWay && env.ReplyTo == "" {
			env.ReplyTo = t.reply
		}
		key = QueueName(env.Service)
	} else {
		if env.ReplyTo == "" {
			return rpcerr.Newf(rpcerr.Network, "reply %s has no destination", env.ID)
		}
		key = env.ReplyTo
	}

	body, err := t.opts.codec.Encode(env)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:   t.contentType(),
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Timestamp:     env.CreatedAt,
		Type:          env.Kind.String(),
		Body:          body,
	}
	if t.opts.ttl > 0 {
		msg.Expiration = formatTTL(t.opts.ttl)
	}

	t.publishing.Lock()
	err = t.ch.PublishWithContext(ctx, "", key, env.IsRequest(), false, msg)
	t.publishing.Unlock()
	if err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "publishing to "+key)
	}
	return nil
}

// Subscribe starts consuming the reply queue and the request queues.
func (t *Transport) Subscribe(h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return rpcerr.Newf(rpcerr.Network, "amqp transport is closed")
	}
	if t.handler != nil {
		return rpcerr.Newf(rpcerr.Configuration, "amqp transport already has a subscriber")
	}

	queues := []string{t.reply}
	for _, s := range t.opts.services {
		queues = append(queues, QueueName(s))
	}
	for _, q := range queues {
		// Replies are acknowledged on delivery; requests once handed over.
		autoAck := q == t.reply
		deliveries, err := t.ch.Consume(q, "", autoAck, q == t.reply, false, false, nil)
		if err != nil {
			return rpcerr.Wrap(rpcerr.Network, err, "consuming "+q)
		}
		t.wg.Add(1)
		go t.consume(q, deliveries, autoAck)
	}
	t.handler = h
	return nil
}

func (t *Transport) consume(queue string, deliveries <-chan amqp091.Delivery, autoAck bool) {
	defer t.wg.Done()
	for d := range deliveries {
		env, err := decode(d.ContentType, d.Body)
		if err != nil {
			t.opts.logger.Warn("dropping undecodable delivery",
				zap.String("queue", queue), zap.String("message_id", d.MessageId), zap.NamedError("err", err))
		} else {
			t.deliver(env)
		}
		if !autoAck {
			if err := d.Ack(false); err != nil {
				t.opts.logger.Warn("ack failed", zap.String("queue", queue), zap.NamedError("err", err))
			}
		}
	}
}

// returnLoop answers requests the broker could not route.
func (t *Transport) returnLoop() {
	defer t.wg.Done()
	for r := range t.returns {
		env, err := decode(r.ContentType, r.Body)
		if err != nil || !env.IsRequest() {
			t.opts.logger.Warn("envelope returned by broker",
				zap.String("routing_key", r.RoutingKey), zap.String("reason", r.ReplyText))
			continue
		}
		reply := message.NewErrorReply(env, rpcerr.Newf(rpcerr.Network, "no queue for %s: %s", env.Service, r.ReplyText))
		if reply == nil || reply.ReplyTo != t.reply {
			t.opts.logger.Warn("request returned by broker",
				zap.String("method", env.Method), zap.String("reason", r.ReplyText))
			continue
		}
		t.deliver(reply)
	}
}

func (t *Transport) deliver(env *message.Envelope) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(env)
	}
}

// Close closes the channel and the connection, which deletes the reply
// queue. Unacknowledged requests go back to their queue.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.ch.Close()
	if cerr := t.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	t.wg.Wait()
	if err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "closing amqp transport")
	}
	return nil
}

func formatTTL(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
