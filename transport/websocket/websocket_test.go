package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg-rpc/client"
	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
	"msg-rpc/method"
	"msg-rpc/server"
	"msg-rpc/transport/websocket"
)

var getSum = method.NewFunc2[int, int, int]("GetSum")

func msgServer() *method.Service {
	return method.NewService("MsgServer",
		getSum.Bind(func(_ context.Context, a, b int) (int, error) { return a + b, nil }),
	)
}

func startServer(t *testing.T, opts ...websocket.Option) (*websocket.Server, string) {
	t.Helper()
	ws := websocket.NewServer(opts...)
	srv := server.NewServer()
	require.NoError(t, srv.Register(msgServer(), "1.0"))
	require.NoError(t, srv.Serve(ws))

	mux := http.NewServeMux()
	mux.Handle("/rpc", ws)
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = srv.Shutdown(time.Second)
		httpSrv.Close()
	})
	return ws, "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/rpc"
}

func TestRoundTrip(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			ws, url := startServer(t, websocket.WithCodec(ct))

			conn, err := websocket.Dial(context.Background(), url, nil, websocket.WithCodec(ct))
			require.NoError(t, err)
			c, err := client.New(conn, client.WithTimeout(2*time.Second))
			require.NoError(t, err)
			defer c.Close()
			p, err := c.Proxy(msgServer().Interface(), "1.0")
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					sum, err := getSum.Call(context.Background(), p, i, 10)
					assert.NoError(t, err)
					assert.Equal(t, i+10, sum)
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, ws.Conns())
		})
	}
}

func TestClientCloseLeavesServer(t *testing.T) {
	ws, url := startServer(t)
	conn, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ws.Conns() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return ws.Conns() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDialFailure(t *testing.T) {
	notWS := httptest.NewServer(http.NotFoundHandler())
	defer notWS.Close()

	_, err := websocket.Dial(context.Background(), "ws"+strings.TrimPrefix(notWS.URL, "http"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrNetwork))
	assert.Contains(t, err.Error(), "404")
}
