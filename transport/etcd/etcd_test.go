package etcd_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/transport/etcd"
)

// endpoints returns the etcd cluster to test against, or skips the test.
func endpoints(t *testing.T) []string {
	t.Helper()
	v := os.Getenv("MSGRPC_ETCD_ENDPOINTS")
	if v == "" {
		t.Skip("MSGRPC_ETCD_ENDPOINTS not set")
	}
	return strings.Split(v, ",")
}

func open(t *testing.T, services ...string) *etcd.Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := etcd.New(ctx, etcd.Config{
		Endpoints: endpoints(t),
		Services:  services,
		Codec:     codec.CodecTypeBinary,
		LeaseTTL:  5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestEachRequestIsClaimedOnce(t *testing.T) {
	service := "1.0/Echo-" + message.NewID()

	var mu sync.Mutex
	seen := map[string]int{}
	answer := func(tr *etcd.Transport) {
		require.NoError(t, tr.Subscribe(func(env *message.Envelope) {
			mu.Lock()
			seen[env.ID]++
			mu.Unlock()
			_ = tr.Send(context.Background(), message.NewReply(env, env.Args[0]))
		}))
	}
	answer(open(t, service))
	answer(open(t, service))

	cli := open(t)
	replies := make(chan *message.Envelope, 32)
	require.NoError(t, cli.Subscribe(func(env *message.Envelope) { replies <- env }))

	const n = 20
	want := map[string]string{}
	for i := 0; i < n; i++ {
		req := message.NewRequest(service, service+".Echo(string)", [][]byte{[]byte(message.NewID())})
		want[req.CorrelationID] = string(req.Args[0])
		require.NoError(t, cli.Send(context.Background(), req))
		assert.Equal(t, cli.Node(), req.ReplyTo)
	}

	for i := 0; i < n; i++ {
		select {
		case r := <-replies:
			assert.Equal(t, want[r.CorrelationID], string(r.Payload))
		case <-time.After(5 * time.Second):
			t.Fatalf("got %d of %d replies", i, n)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "request %s", id)
	}
}

func TestSendWithoutConsumer(t *testing.T) {
	cli := open(t)
	req := message.NewRequest("1.0/Nobody-"+message.NewID(), "x", nil)
	err := cli.Send(context.Background(), req)
	assert.True(t, rpcerr.IsNetwork(err))
}

func TestRejectsBadNodeName(t *testing.T) {
	_, err := etcd.New(context.Background(), etcd.Config{Node: "a/b"})
	assert.Equal(t, rpcerr.Configuration, rpcerr.KindOf(err))
}
