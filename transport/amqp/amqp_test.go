package amqp_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg-rpc/client"
	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/method"
	"msg-rpc/server"
	"msg-rpc/transport/amqp"
)

var getSum = method.NewFunc2[int, int, int]("GetSum")

func brokerURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("MSGRPC_AMQP_URL")
	if url == "" {
		t.Skip("MSGRPC_AMQP_URL not set")
	}
	return url
}

func dial(t *testing.T, opts ...amqp.Option) *amqp.Transport {
	t.Helper()
	tr, err := amqp.Dial(brokerURL(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestCallThroughBroker(t *testing.T) {
	// A unique interface name keeps runs from sharing a queue.
	name := "Calc" + message.NewID()
	svc := method.NewService(name, getSum.Bind(func(_ context.Context, a, b int) (int, error) {
		return a + b, nil
	}))

	srv := server.NewServer()
	require.NoError(t, srv.Register(svc, "1.0"))
	require.NoError(t, srv.Serve(dial(t, amqp.WithServices(method.ServiceKey("1.0", name)))))
	defer srv.Shutdown(time.Second)

	cli, err := client.New(dial(t, amqp.WithCodec(codec.CodecTypeBinary)), client.WithTimeout(5*time.Second))
	require.NoError(t, err)
	proxy, err := cli.Proxy(svc.Interface(), "1.0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sum, err := getSum.Call(context.Background(), proxy, i, 1)
			assert.NoError(t, err)
			assert.Equal(t, i+1, sum)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, cli.Pending())
}

func TestUnroutableRequestFailsFast(t *testing.T) {
	tr := dial(t)
	replies := make(chan *message.Envelope, 1)
	require.NoError(t, tr.Subscribe(func(env *message.Envelope) { replies <- env }))

	req := message.NewRequest("1.0/Nobody"+message.NewID(), "x", nil)
	require.NoError(t, tr.Send(context.Background(), req))

	select {
	case r := <-replies:
		assert.Equal(t, req.CorrelationID, r.CorrelationID)
		assert.True(t, rpcerr.IsNetwork(r.Err()))
	case <-time.After(5 * time.Second):
		t.Fatal("returned request was not answered")
	}
}

func TestSendAfterClose(t *testing.T) {
	tr := dial(t)
	require.NoError(t, tr.Close())
	err := tr.Send(context.Background(), message.NewRequest("1.0/X", "x", nil))
	assert.True(t, rpcerr.IsNetwork(err))
}
