// Package transport carries RPC calls from the region to rack controllers
// over websocket connections and keeps the directory of live connections.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tinkerbelle-io/tb-power/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second
)

// FrameSigner signs an outgoing call frame.
type FrameSigner interface {
	Sign(frame []byte) ([]byte, error)
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// Conn is the region end of one rack connection. It multiplexes concurrent
// calls by call id. A call whose context ends stops waiting; its reply, if
// one arrives later, is discarded.
type Conn struct {
	clusterID string
	ws        *websocket.Conn
	signer    FrameSigner
	log       *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan callResult
	closed  chan struct{}
	once    sync.Once
	err     error
}

func newConn(clusterID string, ws *websocket.Conn, signer FrameSigner) *Conn {
	return &Conn{
		clusterID: clusterID,
		ws:        ws,
		signer:    signer,
		log:       slog.Default().With("component", "transport", "cluster", clusterID),
		pending:   make(map[string]chan callResult),
		closed:    make(chan struct{}),
	}
}

// ClusterID returns the cluster this connection serves.
func (c *Conn) ClusterID() string { return c.clusterID }

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Call sends command to the rack and waits for its reply.
func (c *Conn) Call(ctx context.Context, command string, args any) (json.RawMessage, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s args: %v", protocol.ErrSendFailed, command, err)
	}

	id := uuid.NewString()
	ch := make(chan callResult, 1)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", protocol.ErrSendFailed, protocol.ErrConnectionLost)
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := json.Marshal(protocol.CallMessage{
		Type:    protocol.TypeCall,
		CallID:  id,
		Command: command,
		Args:    rawArgs,
	})
	if err == nil && c.signer != nil {
		frame, err = c.signer.Sign(frame)
	}
	if err == nil {
		err = c.write(frame)
	}
	if err != nil {
		c.drop(id)
		return nil, fmt.Errorf("%w: %s: %v", protocol.ErrSendFailed, command, err)
	}

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	case <-c.closed:
		c.drop(id)
		return nil, fmt.Errorf("%w: %v", protocol.ErrConnectionLost, c.err)
	}
}

func (c *Conn) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

// serve runs the read loop until the connection fails or ctx ends.
func (c *Conn) serve(ctx context.Context) error {
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ctx, done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("connection read failed", "error", err)
			}
			c.close(err)
			return err
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.handle(data)
	}
}

func (c *Conn) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.Close()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Conn) handle(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("invalid frame", "error", err)
		return
	}

	switch env.Type {
	case protocol.TypeReply:
		var msg protocol.ReplyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("invalid reply frame", "error", err)
			return
		}
		c.deliver(msg.CallID, callResult{payload: msg.Result})
	case protocol.TypeFault:
		var msg protocol.FaultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("invalid fault frame", "error", err)
			return
		}
		c.deliver(msg.CallID, callResult{err: &protocol.Fault{Code: msg.Code, Message: msg.Message}})
	case protocol.TypeHeartbeat:
		c.log.Debug("heartbeat")
	default:
		c.log.Debug("ignoring frame", "type", env.Type)
	}
}

func (c *Conn) deliver(id string, r callResult) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("dropping reply for abandoned call", "call_id", id)
		return
	}
	ch <- r
}

func (c *Conn) close(err error) {
	c.once.Do(func() {
		if err == nil {
			err = errors.New("closed")
		}
		c.mu.Lock()
		c.err = err
		close(c.closed)
		c.mu.Unlock()
		c.ws.Close()
	})
}

// Close closes the connection. Calls in flight fail with ErrConnectionLost.
func (c *Conn) Close() error {
	c.close(nil)
	return nil
}
