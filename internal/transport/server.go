package transport

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinkerbelle-io/tb-power/internal/protocol"
)

// DefaultHelloTimeout bounds the wait for rack.hello after the upgrade.
const DefaultHelloTimeout = 10 * time.Second

// ServerConfig configures the rack endpoint.
type ServerConfig struct {
	Token        string      // shared bearer token racks must present; empty disables the check
	Signer       FrameSigner // signs call frames; nil sends them unsigned
	HelloTimeout time.Duration
}

// Server accepts rack websocket connections and registers them in a Directory.
type Server struct {
	dir      *Directory
	cfg      ServerConfig
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewServer creates the rack endpoint handler.
func NewServer(dir *Directory, cfg ServerConfig) *Server {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = DefaultHelloTimeout
	}
	return &Server{
		dir: dir,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Racks are not browsers
				return true
			},
		},
		log: slog.Default().With("component", "transport"),
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) == 1
}

// ServeHTTP upgrades the request, waits for rack.hello, registers the
// connection and serves it until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	hello, err := s.readHello(ws)
	if err != nil {
		s.log.Warn("rejecting rack", "remote", r.RemoteAddr, "error", err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeTimeout))
		ws.Close()
		return
	}

	conn := newConn(hello.ClusterID, ws, s.cfg.Signer)
	if err := conn.writeJSON(protocol.WelcomeMessage{Type: protocol.TypeWelcome, ClusterID: hello.ClusterID}); err != nil {
		conn.Close()
		return
	}

	s.log.Info("rack hello", "cluster", hello.ClusterID, "hostname", hello.Hostname, "version", hello.Version)
	s.dir.Register(hello.ClusterID, conn)
	defer s.dir.Unregister(hello.ClusterID, conn)

	conn.serve(r.Context())
}

func (s *Server) readHello(ws *websocket.Conn) (*protocol.HelloMessage, error) {
	ws.SetReadDeadline(time.Now().Add(s.cfg.HelloTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var hello protocol.HelloMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, err
	}
	if hello.Type != protocol.TypeHello {
		return nil, &protocol.Fault{Code: protocol.FaultInvalidArguments, Message: "expected " + protocol.TypeHello}
	}
	if err := protocol.ValidateClusterID(hello.ClusterID); err != nil {
		return nil, err
	}
	return &hello, nil
}
