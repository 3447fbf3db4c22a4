package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinkerbelle-io/tb-power/internal/protocol"
)

type stubCaller struct{ name string }

func (s *stubCaller) Call(context.Context, string, any) (json.RawMessage, error) {
	return json.RawMessage(`"` + s.name + `"`), nil
}

func TestDirectoryResolveImmediate(t *testing.T) {
	d := NewDirectory(time.Second)
	c := &stubCaller{name: "a"}
	d.Register("rack-a", c)

	got, err := d.Resolve(context.Background(), "rack-a")
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Equal(t, []string{"rack-a"}, d.Clusters())
}

func TestDirectoryResolveWaitsForRegistration(t *testing.T) {
	d := NewDirectory(2 * time.Second)
	c := &stubCaller{name: "late"}

	go func() {
		time.Sleep(50 * time.Millisecond)
		d.Register("other", &stubCaller{name: "other"})
		time.Sleep(50 * time.Millisecond)
		d.Register("rack-late", c)
	}()

	got, err := d.Resolve(context.Background(), "rack-late")
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestDirectoryResolveTimeout(t *testing.T) {
	d := NewDirectory(50 * time.Millisecond)
	_, err := d.Resolve(context.Background(), "missing")
	require.ErrorIs(t, err, ErrConnectionUnavailable)
}

func TestDirectoryResolveContext(t *testing.T) {
	d := NewDirectory(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Resolve(ctx, "missing")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDirectoryUnregisterOnlyCurrent(t *testing.T) {
	d := NewDirectory(time.Second)
	old := &stubCaller{name: "old"}
	cur := &stubCaller{name: "new"}
	d.Register("rack", old)
	d.Register("rack", cur)

	d.Unregister("rack", old)
	got, ok := d.Get("rack")
	require.True(t, ok)
	assert.Same(t, cur, got)

	d.Unregister("rack", cur)
	_, ok = d.Get("rack")
	assert.False(t, ok)
}

func TestDirectoryOnRegister(t *testing.T) {
	d := NewDirectory(time.Second)
	seen := make(chan string, 1)
	d.OnRegister(func(id string) { seen <- id })
	d.Register("rack-a", &stubCaller{})

	select {
	case id := <-seen:
		assert.Equal(t, "rack-a", id)
	case <-time.After(time.Second):
		t.Fatal("hook not called")
	}
}

// fakeRack dials srv, says hello and answers calls with respond.
func fakeRack(t *testing.T, url, clusterID string, respond func(protocol.CallMessage) any) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), http.Header{"Authorization": {"Bearer secret"}})
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	require.NoError(t, ws.WriteJSON(protocol.HelloMessage{Type: protocol.TypeHello, ClusterID: clusterID, Hostname: "rack-host"}))
	var welcome protocol.WelcomeMessage
	require.NoError(t, ws.ReadJSON(&welcome))
	require.Equal(t, protocol.TypeWelcome, welcome.Type)

	go func() {
		for {
			var call protocol.CallMessage
			if err := ws.ReadJSON(&call); err != nil {
				return
			}
			if out := respond(call); out != nil {
				if err := ws.WriteJSON(out); err != nil {
					return
				}
			}
		}
	}()
	return ws
}

func newTestServer(t *testing.T, d *Directory) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(d, ServerConfig{Token: "secret"}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnCallReplyAndFault(t *testing.T) {
	d := NewDirectory(2 * time.Second)
	srv := newTestServer(t, d)

	fakeRack(t, srv.URL, "rack-a", func(call protocol.CallMessage) any {
		if call.Command == protocol.CommandPowerQuery {
			return protocol.ReplyMessage{Type: protocol.TypeReply, CallID: call.CallID, Result: json.RawMessage(`{"state":"on"}`)}
		}
		return protocol.FaultMessage{Type: protocol.TypeFault, CallID: call.CallID, Code: protocol.FaultUnknownPowerType, Message: "nope"}
	})

	c, err := d.Resolve(context.Background(), "rack-a")
	require.NoError(t, err)

	res, err := c.Call(context.Background(), protocol.CommandPowerQuery, protocol.PowerArgs{SystemID: "m1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"on"}`, string(res))

	_, err = c.Call(context.Background(), protocol.CommandPowerOn, protocol.PowerArgs{SystemID: "m1"})
	f, ok := protocol.AsFault(err)
	require.True(t, ok, "expected fault, got %v", err)
	assert.Equal(t, protocol.FaultUnknownPowerType, f.Code)
}

func TestConnCallAbandonedDropsLateReply(t *testing.T) {
	d := NewDirectory(2 * time.Second)
	srv := newTestServer(t, d)

	var answered atomic.Int32
	fakeRack(t, srv.URL, "rack-slow", func(call protocol.CallMessage) any {
		if call.Command == protocol.CommandPowerOn {
			time.Sleep(200 * time.Millisecond)
			answered.Add(1)
		}
		return protocol.ReplyMessage{Type: protocol.TypeReply, CallID: call.CallID}
	})

	c, err := d.Resolve(context.Background(), "rack-slow")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, protocol.CommandPowerOn, protocol.PowerArgs{SystemID: "m1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The connection stays usable after the late reply is discarded.
	require.Eventually(t, func() bool { return answered.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = c.Call(context.Background(), protocol.CommandPowerQuery, protocol.PowerArgs{SystemID: "m1"})
	require.NoError(t, err)
}

func TestConnLostFailsPendingCalls(t *testing.T) {
	d := NewDirectory(2 * time.Second)
	srv := newTestServer(t, d)

	received := make(chan struct{}, 1)
	ws := fakeRack(t, srv.URL, "rack-drop", func(protocol.CallMessage) any {
		received <- struct{}{}
		return nil
	})

	c, err := d.Resolve(context.Background(), "rack-drop")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), protocol.CommandPowerOff, protocol.PowerArgs{SystemID: "m1"})
		errc <- err
	}()
	<-received
	ws.Close()

	err = <-errc
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrConnectionLost)

	require.Eventually(t, func() bool {
		_, ok := d.Get("rack-drop")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerRejectsBadToken(t *testing.T) {
	d := NewDirectory(time.Second)
	srv := newTestServer(t, d)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), http.Header{"Authorization": {"Bearer wrong"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerRejectsBadHello(t *testing.T) {
	d := NewDirectory(time.Second)
	srv := newTestServer(t, d)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), http.Header{"Authorization": {"Bearer secret"}})
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(protocol.HelloMessage{Type: protocol.TypeHello, ClusterID: "bad id;rm"}))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	assert.Empty(t, d.Clusters())
}
