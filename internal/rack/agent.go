// Package rack implements the rack controller agent: it keeps a websocket
// connection to the region open and executes power calls with local drivers.
package rack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tinkerbelle-io/tb-power/internal/audit"
	"github.com/tinkerbelle-io/tb-power/internal/protocol"
	"github.com/tinkerbelle-io/tb-power/internal/signing"
)

const (
	writeTimeout   = 10 * time.Second
	welcomeTimeout = 10 * time.Second
	readTimeout    = 90 * time.Second

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectInterval = 5 * time.Second
)

// Config configures an Agent.
type Config struct {
	RegionURL         string
	ClusterID         string
	Token             string
	Hostname          string
	Version           string
	Verifier          *signing.Verifier // when set, unsigned or invalid calls are refused
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
}

// Agent is the rack side of the region connection.
type Agent struct {
	cfg     Config
	handler *Handler
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	log     *slog.Logger
}

// New creates an agent that serves calls with h.
func New(cfg Config, h *Handler) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	return &Agent{
		cfg:     cfg,
		handler: h,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
		log:     slog.Default().With("component", "rack", "cluster", cfg.ClusterID),
	}
}

// Run connects to the region and serves calls until ctx is cancelled,
// reconnecting at most once per ReconnectInterval.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil
		}
		err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("region connection ended, reconnecting", "error", err, "retry_in", a.cfg.ReconnectInterval)
	}
}

type session struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// session runs one connection from dial to disconnect.
func (a *Agent) session(ctx context.Context) error {
	header := http.Header{}
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	ws, resp, err := a.dialer.DialContext(ctx, a.cfg.RegionURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", a.cfg.RegionURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", a.cfg.RegionURL, err)
	}
	s := &session{ws: ws}
	defer ws.Close()

	if err := a.handshake(s); err != nil {
		return err
	}

	a.log.Info("connected to region", "url", a.cfg.RegionURL)
	a.audit(audit.EventConnect, a.cfg.RegionURL)
	defer a.audit(audit.EventDisconnect, a.cfg.RegionURL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeat(ctx, s)
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		a.dispatchFrame(ctx, s, data)
	}
}

func (a *Agent) handshake(s *session) error {
	hello := protocol.HelloMessage{
		Type:      protocol.TypeHello,
		ClusterID: a.cfg.ClusterID,
		Hostname:  a.cfg.Hostname,
		Version:   a.cfg.Version,
	}
	if err := s.writeJSON(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	s.ws.SetReadDeadline(time.Now().Add(welcomeTimeout))
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("await welcome: %w", err)
	}
	var welcome protocol.WelcomeMessage
	if err := json.Unmarshal(data, &welcome); err != nil {
		return fmt.Errorf("decode welcome: %w", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		return fmt.Errorf("expected %s, got %q", protocol.TypeWelcome, welcome.Type)
	}
	return nil
}

func (a *Agent) heartbeat(ctx context.Context, s *session) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := protocol.HeartbeatMessage{
				Type:      protocol.TypeHeartbeat,
				ClusterID: a.cfg.ClusterID,
				Timestamp: time.Now().Unix(),
			}
			if err := s.writeJSON(msg); err != nil {
				a.log.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}

// dispatchFrame routes one frame from the region. Calls run concurrently.
func (a *Agent) dispatchFrame(ctx context.Context, s *session, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.log.Warn("invalid frame", "error", err)
		return
	}
	if env.Type != protocol.TypeCall {
		a.log.Debug("ignoring frame", "type", env.Type)
		return
	}

	call, err := a.decodeCall(data)
	if err != nil {
		a.log.Warn("rejecting call", "call_id", call.CallID, "command", call.Command, "error", err)
		a.handler.reject(call, err.Error())
		a.respond(s, call.CallID, nil, &protocol.Fault{Code: protocol.FaultUnauthorized, Message: err.Error()})
		return
	}

	go func() {
		result, err := a.handler.Handle(ctx, call)
		a.respond(s, call.CallID, result, err)
	}()
}

// decodeCall parses a call frame, verifying its signature when a verifier is
// configured. The returned call is populated as far as parsing got.
func (a *Agent) decodeCall(data []byte) (protocol.CallMessage, error) {
	var call protocol.CallMessage
	if err := json.Unmarshal(data, &call); err != nil {
		return call, fmt.Errorf("decode call: %w", err)
	}
	if a.cfg.Verifier == nil {
		return call, nil
	}

	_, result := a.cfg.Verifier.Verify(data)
	if !result.Valid {
		return call, errors.New(result.Reason)
	}
	return call, nil
}

func (a *Agent) respond(s *session, callID string, result any, err error) {
	var msg any
	if err != nil {
		f, ok := protocol.AsFault(err)
		if !ok {
			f = &protocol.Fault{Code: protocol.FaultInternal, Message: err.Error()}
		}
		msg = protocol.FaultMessage{Type: protocol.TypeFault, CallID: callID, Code: f.Code, Message: f.Message}
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			msg = protocol.FaultMessage{Type: protocol.TypeFault, CallID: callID, Code: protocol.FaultInternal, Message: merr.Error()}
		} else {
			msg = protocol.ReplyMessage{Type: protocol.TypeReply, CallID: callID, Result: raw}
		}
	}
	if werr := s.writeJSON(msg); werr != nil {
		// The region has already given up on this call or the connection is gone.
		a.log.Warn("failed to send reply", "call_id", callID, "error", werr)
	}
}

func (a *Agent) audit(event, reason string) {
	entry := audit.AuditEntry{EventType: event, ClusterID: a.cfg.ClusterID, Reason: reason}
	if err := a.handler.audit.Log(entry); err != nil {
		a.log.Error("audit log write failed", "error", err)
	}
}
