package websocket

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"msg-rpc/message"
	"msg-rpc/transport"
)

// Server is the serving side of the websocket transport. Mount it on an
// http.ServeMux; every upgraded request becomes one client connection.
// It implements transport.Transport and http.Handler.
type Server struct {
	upgrader websocket.Upgrader
	peers    *transport.Peers
	logger   *zap.Logger
}

func NewServer(opts ...Option) *Server {
	o := newOptions(opts)
	return &Server{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: o.handshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		peers: transport.NewPeers(transport.StreamOptions{
			Codec:     o.codec,
			Heartbeat: o.heartbeat,
			Logger:    o.logger,
		}),
		logger: o.logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.NamedError("err", err))
		return
	}
	if _, err := s.peers.Accept(newStream(ws)); err != nil {
		s.logger.Warn("rejected connection", zap.String("remote", r.RemoteAddr), zap.NamedError("err", err))
	}
}

func (s *Server) Subscribe(h transport.Handler) error {
	return s.peers.Subscribe(h)
}

func (s *Server) Send(ctx context.Context, env *message.Envelope) error {
	return s.peers.Send(ctx, env)
}

// Conns is the number of open client connections.
func (s *Server) Conns() int {
	return s.peers.Len()
}

// Close closes every connection. The HTTP server it is mounted on is left
// running.
func (s *Server) Close() error {
	return s.peers.Close()
}
