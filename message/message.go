// Package message defines the envelope exchanged between the client proxy, the
// server dispatcher and the transports.
//
// An Envelope is either a request or a reply, never both:
//
//   - Request: Service and Method name the target, Args holds one serialized
//     value per parameter, Payload and Error are empty.
//   - Reply:   Payload holds the serialized result, or ErrorKind/Error describe
//     why there is none. Args is empty.
//
// CorrelationID links a reply to its request. ReplyTo is a transport specific
// address the reply is routed to.
package message

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	rpcerr "msg-rpc/errors"
)

// Kind tells requests and replies apart.
type Kind byte

const (
	KindRequest Kind = 0
	KindReply   Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	}
	return "unknown"
}

// Envelope carries one call attempt or its answer.
type Envelope struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Kind          Kind      `json:"kind"`
	Service       string    `json:"service,omitempty"` // "1.0/Calculator"; routing destination of requests
	Method        string    `json:"method,omitempty"`  // qualified method key
	Args          [][]byte  `json:"args,omitempty"`
	Payload       []byte    `json:"payload,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Error         string    `json:"error,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	OneWay        bool      `json:"one_way,omitempty"` // no reply expected
}

// NewID returns a fresh envelope id.
func NewID() string {
	return uuid.NewString()
}

// NewRequest builds a request with a fresh id. The correlation id defaults to
// the id.
func NewRequest(service, method string, args [][]byte) *Envelope {
	id := NewID()
	return &Envelope{
		ID:            id,
		CreatedAt:     time.Now(),
		Kind:          KindRequest,
		Service:       service,
		Method:        method,
		Args:          args,
		CorrelationID: id,
	}
}

// NewReply answers req with a serialized result.
func NewReply(req *Envelope, payload []byte) *Envelope {
	return &Envelope{
		ID:            NewID(),
		CreatedAt:     time.Now(),
		Kind:          KindReply,
		Service:       req.Service,
		Method:        req.Method,
		Payload:       payload,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.ReplyTo,
	}
}

// NewErrorReply answers req with a failure. It returns nil when req does not
// expect a reply.
func NewErrorReply(req *Envelope, err error) *Envelope {
	if req.OneWay {
		return nil
	}
	reply := NewReply(req, nil)
	reply.ErrorKind = string(rpcerr.KindOf(err))
	reply.Error = err.Error()
	if e, ok := err.(*rpcerr.Error); ok && e.Err != nil {
		// The kind travels in ErrorKind.
		reply.Error = e.Err.Error()
	}
	return reply
}

func (e *Envelope) IsRequest() bool {
	return e.Kind == KindRequest
}

func (e *Envelope) IsReply() bool {
	return e.Kind == KindReply
}

// Err returns the failure reported by a reply, or nil.
func (e *Envelope) Err() error {
	if e.Error == "" && e.ErrorKind == "" {
		return nil
	}
	return rpcerr.Remote(rpcerr.Kind(e.ErrorKind), e.Error)
}

// Validate checks the request/reply exclusivity rules.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return rpcerr.New(rpcerr.Serialization, errors.New("envelope has no id"))
	}
	if e.CorrelationID == "" {
		return rpcerr.Newf(rpcerr.Serialization, "envelope %s has no correlation id", e.ID)
	}
	switch e.Kind {
	case KindRequest:
		if e.Method == "" {
			return rpcerr.Newf(rpcerr.Serialization, "request %s has no method", e.ID)
		}
		if e.Payload != nil || e.Error != "" || e.ErrorKind != "" {
			return rpcerr.Newf(rpcerr.Serialization, "request %s carries a response", e.ID)
		}
	case KindReply:
		if e.Args != nil {
			return rpcerr.Newf(rpcerr.Serialization, "reply %s carries arguments", e.ID)
		}
	default:
		return rpcerr.Newf(rpcerr.Serialization, "envelope %s has unknown kind %d", e.ID, e.Kind)
	}
	return nil
}
