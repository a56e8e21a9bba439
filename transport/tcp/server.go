package tcp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
	"msg-rpc/transport"
)

// Server is the serving side of the TCP transport. It implements
// transport.Transport: Subscribe starts accepting, Send routes replies back
// to the connection their request came from.
type Server struct {
	ln     net.Listener
	opts   options
	peers  *transport.Peers
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Listen binds the address. Connections are accepted once a handler
// subscribes.
func Listen(network, addr string, opts ...Option) (*Server, error) {
	o := newOptions(opts)
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Network, err, "listening on "+addr)
	}
	return &Server{
		ln:   ln,
		opts: o,
		peers: transport.NewPeers(transport.StreamOptions{
			Codec:     o.codec,
			Heartbeat: o.heartbeat,
			Logger:    o.logger,
		}),
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) Subscribe(h transport.Handler) error {
	if err := s.peers.Subscribe(h); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Close makes Accept fail; anything else is a real error.
			if !s.closed.Load() {
				s.opts.logger.Error("accept failed", zap.NamedError("err", err))
			}
			return
		}
		if _, err := s.peers.Accept(conn); err != nil {
			s.opts.logger.Warn("rejected connection", zap.Stringer("remote", conn.RemoteAddr()), zap.NamedError("err", err))
		}
	}
}

func (s *Server) Send(ctx context.Context, env *message.Envelope) error {
	return s.peers.Send(ctx, env)
}

// Conns is the number of open client connections.
func (s *Server) Conns() int {
	return s.peers.Len()
}

// Disconnect closes every client connection without closing the listener.
// Clients redial on their next call.
func (s *Server) Disconnect() int {
	return s.peers.Drop()
}

// Close stops accepting and closes every connection.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ln.Close()
	_ = s.peers.Close()
	s.wg.Wait()
	return err
}
