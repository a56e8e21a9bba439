package message

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rpcerr "msg-rpc/errors"
)

func TestRequestReply(t *testing.T) {
	req := NewRequest("1.0/Calculator", "1.0/Calculator.GetSum(int,int)", [][]byte{[]byte("10"), []byte("20")})
	req.ReplyTo = "client-1"

	require.NoError(t, req.Validate())
	assert.True(t, req.IsRequest())
	assert.Equal(t, req.ID, req.CorrelationID)
	assert.False(t, req.CreatedAt.IsZero())

	reply := NewReply(req, []byte("30"))
	require.NoError(t, reply.Validate())
	assert.True(t, reply.IsReply())
	assert.NotEqual(t, req.ID, reply.ID)
	assert.Equal(t, req.CorrelationID, reply.CorrelationID)
	assert.Equal(t, "client-1", reply.ReplyTo)
	assert.Nil(t, reply.Args)
	assert.NoError(t, reply.Err())
}

func TestErrorReply(t *testing.T) {
	req := NewRequest("1.0/Calculator", "1.0/Calculator.Div(int,int)", nil)
	reply := NewErrorReply(req, rpcerr.New(rpcerr.Invocation, errors.New("divide by zero")))
	require.NotNil(t, reply)
	assert.Equal(t, "invocation", reply.ErrorKind)
	assert.Equal(t, "divide by zero", reply.Error)

	err := reply.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrInvocation))
	assert.Contains(t, err.Error(), "divide by zero")

	req.OneWay = true
	assert.Nil(t, NewErrorReply(req, errors.New("ignored")))
}

func TestValidateExclusivity(t *testing.T) {
	req := NewRequest("svc", "m", nil)
	req.Payload = []byte("x")
	assert.Error(t, req.Validate())

	reply := NewReply(NewRequest("svc", "m", nil), []byte("1"))
	reply.Args = [][]byte{[]byte("1")}
	assert.Error(t, reply.Validate())

	assert.Error(t, (&Envelope{}).Validate())
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRequest("svc", "m", nil).ID
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
