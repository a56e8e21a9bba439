package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/protocol"
)

const service = "1.0/Calculator"

func collect(t *testing.T) (Handler, func() *message.Envelope) {
	t.Helper()
	ch := make(chan *message.Envelope, 16)
	next := func() *message.Envelope {
		select {
		case env := <-ch:
			return env
		case <-time.After(2 * time.Second):
			t.Fatal("no envelope delivered")
			return nil
		}
	}
	return func(env *message.Envelope) { ch <- env }, next
}

func TestBrokerRoutesRequestsAndReplies(t *testing.T) {
	b := NewBroker(nil)
	srv, err := b.Endpoint("server", service)
	require.NoError(t, err)
	defer srv.Close()
	cli, err := b.Endpoint("client-1")
	require.NoError(t, err)
	defer cli.Close()

	onRequest, nextRequest := collect(t)
	require.NoError(t, srv.Subscribe(onRequest))
	onReply, nextReply := collect(t)
	require.NoError(t, cli.Subscribe(onReply))

	req := message.NewRequest(service, "1.0/Calculator.GetSum(int,int)", [][]byte{[]byte("1"), []byte("2")})
	require.NoError(t, cli.Send(context.Background(), req))
	assert.Equal(t, "client-1", req.ReplyTo)

	got := nextRequest()
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, "client-1", got.ReplyTo)

	require.NoError(t, srv.Send(context.Background(), message.NewReply(got, []byte("3"))))
	reply := nextReply()
	assert.Equal(t, req.CorrelationID, reply.CorrelationID)
	assert.Equal(t, []byte("3"), reply.Payload)
}

func TestBrokerUnknownDestination(t *testing.T) {
	b := NewBroker(nil)
	cli, err := b.Endpoint("client-1")
	require.NoError(t, err)
	defer cli.Close()

	err = cli.Send(context.Background(), message.NewRequest("9.9/Nope", "9.9/Nope.X()", nil))
	assert.True(t, errors.Is(err, rpcerr.ErrNetwork))

	reply := message.NewReply(&message.Envelope{CorrelationID: "c", ReplyTo: "gone"}, nil)
	err = cli.Send(context.Background(), reply)
	assert.True(t, errors.Is(err, rpcerr.ErrNetwork))
}

func TestBrokerRejectsConflicts(t *testing.T) {
	b := NewBroker(nil)
	e, err := b.Endpoint("server", service)
	require.NoError(t, err)

	_, err = b.Endpoint("server")
	assert.True(t, errors.Is(err, rpcerr.ErrConfiguration))
	_, err = b.Endpoint("other", service)
	assert.True(t, errors.Is(err, rpcerr.ErrConfiguration))

	require.NoError(t, e.Subscribe(func(*message.Envelope) {}))
	assert.True(t, errors.Is(e.Subscribe(func(*message.Envelope) {}), rpcerr.ErrConfiguration))

	// Closing frees the name and the service.
	require.NoError(t, e.Close())
	again, err := b.Endpoint("server", service)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestBrokerSendToClosedEndpoint(t *testing.T) {
	b := NewBroker(nil)
	cli, err := b.Endpoint("client-1")
	require.NoError(t, err)
	require.NoError(t, cli.Close())

	err = cli.Send(context.Background(), message.NewRequest(service, "m", nil))
	assert.True(t, errors.Is(err, rpcerr.ErrNetwork))
}

func TestStreamConnOverPipe(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			left, right := net.Pipe()
			a := NewStreamConn("a", left, StreamOptions{Codec: codec.GetCodec(ct), Heartbeat: 10 * time.Millisecond})
			b := NewStreamConn("b", right, StreamOptions{Codec: codec.GetCodec(ct)})
			defer a.Close()
			defer b.Close()

			a.Start(func(*message.Envelope) {})
			onB, nextB := collect(t)
			b.Start(onB)

			// Let a few heartbeats through; they must not reach the handler.
			time.Sleep(30 * time.Millisecond)

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					req := message.NewRequest(service, "m", [][]byte{[]byte("x")})
					assert.NoError(t, a.Send(context.Background(), req))
				}()
			}
			wg.Wait()

			for i := 0; i < 10; i++ {
				env := nextB()
				assert.True(t, env.IsRequest())
				assert.Equal(t, [][]byte{[]byte("x")}, env.Args)
			}
		})
	}
}

func TestStreamConnCloseEndsPeer(t *testing.T) {
	left, right := net.Pipe()
	closed := make(chan error, 1)
	a := NewStreamConn("a", left, StreamOptions{})
	b := NewStreamConn("b", right, StreamOptions{OnClose: func(_ *StreamConn, err error) { closed <- err }})
	a.Start(func(*message.Envelope) {})
	b.Start(func(*message.Envelope) {})

	require.NoError(t, a.Close())
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not notice the close")
	}
	<-closed

	err := a.Send(context.Background(), message.NewRequest(service, "m", nil))
	assert.True(t, errors.Is(err, rpcerr.ErrNetwork))
}

func TestStreamConnSurvivesOversizeEnvelope(t *testing.T) {
	left, right := net.Pipe()
	a := NewStreamConn("a", left, StreamOptions{Codec: codec.GetCodec(codec.CodecTypeBinary)})
	b := NewStreamConn("b", right, StreamOptions{})
	defer a.Close()
	defer b.Close()
	a.Start(func(*message.Envelope) {})
	onB, nextB := collect(t)
	b.Start(onB)

	huge := message.NewRequest(service, "m", [][]byte{make([]byte, protocol.MaxBodyLen)})
	err := a.Send(context.Background(), huge)
	assert.True(t, errors.Is(err, rpcerr.ErrSerialization))

	small := message.NewRequest(service, "m", [][]byte{[]byte("x")})
	require.NoError(t, a.Send(context.Background(), small))
	assert.Equal(t, small.ID, nextB().ID)

	select {
	case <-a.Done():
		t.Fatal("connection closed after a frame that was never written")
	default:
	}
}

func TestPeersRouteRepliesByConnection(t *testing.T) {
	peers := NewPeers(StreamOptions{})
	defer peers.Close()
	onRequest, nextRequest := collect(t)
	require.NoError(t, peers.Subscribe(onRequest))

	clients := make([]*StreamConn, 2)
	replies := make([]func() *message.Envelope, 2)
	for i := range clients {
		server, client := net.Pipe()
		_, err := peers.Accept(server)
		require.NoError(t, err)

		var onReply Handler
		onReply, replies[i] = collect(t)
		clients[i] = NewStreamConn("client", client, StreamOptions{})
		clients[i].Start(onReply)
		defer clients[i].Close()
	}
	assert.Equal(t, 2, peers.Len())

	for i, c := range clients {
		req := message.NewRequest(service, "m", nil)
		require.NoError(t, c.Send(context.Background(), req))
		got := nextRequest()
		require.NotEmpty(t, got.ReplyTo)

		require.NoError(t, peers.Send(context.Background(), message.NewReply(got, []byte("ok"))))
		assert.Equal(t, req.CorrelationID, replies[i]().CorrelationID)
	}

	err := peers.Send(context.Background(), message.NewRequest(service, "m", nil))
	assert.True(t, errors.Is(err, rpcerr.ErrNetwork))

	// A client hanging up leaves the table.
	require.NoError(t, clients[0].Close())
	assert.Eventually(t, func() bool { return peers.Len() == 1 }, time.Second, 5*time.Millisecond)
}
