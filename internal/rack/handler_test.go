package rack

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerbelle-io/tb-power/internal/audit"
	"github.com/tinkerbelle-io/tb-power/internal/catalog"
	"github.com/tinkerbelle-io/tb-power/internal/drivers"
	"github.com/tinkerbelle-io/tb-power/internal/protocol"
)

type stubDriver struct {
	err   error
	delay time.Duration
	state drivers.State

	mu    sync.Mutex
	calls []drivers.Params
}

func (d *stubDriver) Name() string        { return "stub" }
func (d *stubDriver) Description() string { return "Stub power driver" }
func (d *stubDriver) Fields() []catalog.Field {
	return []catalog.Field{
		catalog.MustField("power_address", "Address", catalog.Required()),
		catalog.MustField("power_driver", "Driver", catalog.WithKind(catalog.KindChoice),
			catalog.WithChoices(catalog.Choice{Value: "a", Label: "A"}, catalog.Choice{Value: "b", Label: "B"}),
			catalog.WithDefault("b")),
	}
}

func (d *stubDriver) do(ctx context.Context, p drivers.Params) error {
	d.mu.Lock()
	d.calls = append(d.calls, p)
	d.mu.Unlock()
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return d.err
}

func (d *stubDriver) PowerOn(ctx context.Context, p drivers.Params) error  { return d.do(ctx, p) }
func (d *stubDriver) PowerOff(ctx context.Context, p drivers.Params) error { return d.do(ctx, p) }
func (d *stubDriver) PowerQuery(ctx context.Context, p drivers.Params) (drivers.State, error) {
	if err := d.do(ctx, p); err != nil {
		return drivers.StateUnknown, err
	}
	return d.state, nil
}

func (d *stubDriver) lastCall() drivers.Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return nil
	}
	return d.calls[len(d.calls)-1]
}

type memRecorder struct {
	mu      sync.Mutex
	entries []audit.AuditEntry
}

func (m *memRecorder) Log(e audit.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memRecorder) snapshot() []audit.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.AuditEntry(nil), m.entries...)
}

func newTestHandler(t *testing.T, stub *stubDriver, timeout time.Duration) (*Handler, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	reg := drivers.NewRegistry(stub, drivers.NewWoLDriver(), drivers.NewManualDriver())
	h, err := NewHandler(reg, "rack-a", timeout, rec)
	require.NoError(t, err)
	return h, rec
}

func powerCall(t *testing.T, command, powerType string, params map[string]string) protocol.CallMessage {
	t.Helper()
	args, err := json.Marshal(protocol.PowerArgs{SystemID: "abc123", Hostname: "node-01", PowerType: powerType, Context: params})
	require.NoError(t, err)
	return protocol.CallMessage{Type: protocol.TypeCall, CallID: "call-1", Command: command, Args: args}
}

func requireFault(t *testing.T, err error, code string) *protocol.Fault {
	t.Helper()
	f, ok := protocol.AsFault(err)
	require.True(t, ok, "expected fault, got %v", err)
	assert.Equal(t, code, f.Code)
	return f
}

func TestHandleDescribePowerTypes(t *testing.T) {
	h, _ := newTestHandler(t, &stubDriver{}, 0)

	result, err := h.Handle(context.Background(), protocol.CallMessage{Command: protocol.CommandDescribePowerTypes})
	require.NoError(t, err)

	docs, ok := result.([]catalog.TypeDoc)
	require.True(t, ok)
	c, err := catalog.Build(docs)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "manual", "stub", "wol"}, c.Names())
}

func TestHandlePowerOnAppliesDefaults(t *testing.T) {
	stub := &stubDriver{}
	h, rec := newTestHandler(t, stub, 0)

	result, err := h.Handle(context.Background(), powerCall(t, protocol.CommandPowerOn, "stub", map[string]string{"power_address": "10.0.0.5", "extra": "kept"}))
	require.NoError(t, err)
	assert.Nil(t, result)

	p := stub.lastCall()
	assert.Equal(t, "10.0.0.5", p["power_address"])
	assert.Equal(t, "b", p["power_driver"])
	assert.Equal(t, "kept", p["extra"])

	entries := rec.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventCommand, entries[0].EventType)
	assert.Equal(t, "ok", entries[0].Result)
	assert.Equal(t, "abc123", entries[0].SystemID)
	assert.Equal(t, "call-1", entries[0].CallID)
}

func TestHandlePowerQuery(t *testing.T) {
	h, rec := newTestHandler(t, &stubDriver{state: drivers.StateOff}, 0)

	result, err := h.Handle(context.Background(), powerCall(t, protocol.CommandPowerQuery, "stub", map[string]string{"power_address": "10.0.0.5"}))
	require.NoError(t, err)
	assert.Equal(t, protocol.PowerQueryResult{State: "off"}, result)
	assert.Equal(t, "off", rec.snapshot()[0].Result)
}

func TestHandleFaults(t *testing.T) {
	tests := []struct {
		name      string
		stub      *stubDriver
		command   string
		powerType string
		params    map[string]string
		code      string
	}{
		{"unknown power type", &stubDriver{}, protocol.CommandPowerOn, "hmc", nil, protocol.FaultUnknownPowerType},
		{"no power control", &stubDriver{}, protocol.CommandPowerOn, "", nil, protocol.FaultUnknownPowerType},
		{"missing required param", &stubDriver{}, protocol.CommandPowerOn, "stub", nil, protocol.FaultInvalidArguments},
		{"invalid choice", &stubDriver{}, protocol.CommandPowerOn, "stub", map[string]string{"power_address": "x", "power_driver": "z"}, protocol.FaultInvalidArguments},
		{"not implemented", &stubDriver{}, protocol.CommandPowerOff, "wol", map[string]string{"mac_address": "aa:bb:cc:dd:ee:ff"}, protocol.FaultNotImplemented},
		{"driver failure", &stubDriver{err: errors.New("bmc unreachable")}, protocol.CommandPowerOn, "stub", map[string]string{"power_address": "x"}, protocol.FaultPowerActionFail},
		{"unknown command", &stubDriver{}, "Reboot", "stub", nil, protocol.FaultUnknownCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, tt.stub, 0)
			_, err := h.Handle(context.Background(), powerCall(t, tt.command, tt.powerType, tt.params))
			requireFault(t, err, tt.code)
		})
	}
}

func TestHandleInvalidArgs(t *testing.T) {
	h, _ := newTestHandler(t, &stubDriver{}, 0)

	_, err := h.Handle(context.Background(), protocol.CallMessage{Command: protocol.CommandPowerOn, Args: json.RawMessage(`"nope"`)})
	requireFault(t, err, protocol.FaultInvalidArguments)

	call := powerCall(t, protocol.CommandPowerOn, "stub", map[string]string{"power_address": "x"})
	call.Args = json.RawMessage(`{"systemId":"","powerType":"stub"}`)
	_, err = h.Handle(context.Background(), call)
	requireFault(t, err, protocol.FaultInvalidArguments)
}

func TestHandleDriverTimeout(t *testing.T) {
	h, rec := newTestHandler(t, &stubDriver{delay: time.Second}, 50*time.Millisecond)

	_, err := h.Handle(context.Background(), powerCall(t, protocol.CommandPowerOn, "stub", map[string]string{"power_address": "x"}))
	f := requireFault(t, err, protocol.FaultPowerActionFail)
	assert.Contains(t, f.Message, "timed out")
	assert.Equal(t, "fault", rec.snapshot()[0].Result)
}

func TestHandleSurvivesCallerCancellation(t *testing.T) {
	stub := &stubDriver{delay: 100 * time.Millisecond}
	h, _ := newTestHandler(t, stub, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Handle(ctx, powerCall(t, protocol.CommandPowerOn, "stub", map[string]string{"power_address": "x"}))
	assert.NoError(t, err)
}

func TestHandleGuardCooldown(t *testing.T) {
	stub := &stubDriver{state: drivers.StateOn}
	reg := drivers.NewRegistry(stub)
	h, err := NewHandler(reg, "rack-a", 0, nil, WithGuard(NewGuard(0, time.Hour)))
	require.NoError(t, err)

	params := map[string]string{"power_address": "10.0.0.5"}
	_, err = h.Handle(context.Background(), powerCall(t, protocol.CommandPowerOn, "stub", params))
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), powerCall(t, protocol.CommandPowerOff, "stub", params))
	f := requireFault(t, err, protocol.FaultPowerActionFail)
	assert.Contains(t, f.Message, "cooling down")

	// Queries are not limited.
	result, err := h.Handle(context.Background(), powerCall(t, protocol.CommandPowerQuery, "stub", params))
	require.NoError(t, err)
	assert.Equal(t, protocol.PowerQueryResult{State: "on"}, result)
}

func TestHandleGuardConcurrentPowerOn(t *testing.T) {
	stub := &stubDriver{delay: 100 * time.Millisecond}
	h, err := NewHandler(drivers.NewRegistry(stub), "rack-a", 0, nil, WithGuard(NewGuard(0, time.Hour)))
	require.NoError(t, err)

	call := powerCall(t, protocol.CommandPowerOn, "stub", map[string]string{"power_address": "10.0.0.5"})
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.Handle(context.Background(), call)
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			requireFault(t, err, protocol.FaultPowerActionFail)
			failed++
		}
	}
	assert.Equal(t, 2, failed)
	stub.mu.Lock()
	assert.Len(t, stub.calls, 1)
	stub.mu.Unlock()
}

func TestHandleGuardReleasesUnsupportedAction(t *testing.T) {
	stub := &stubDriver{err: drivers.ErrNotImplemented}
	h, err := NewHandler(drivers.NewRegistry(stub), "rack-a", 0, nil, WithGuard(NewGuard(0, time.Hour)))
	require.NoError(t, err)

	params := map[string]string{"power_address": "10.0.0.5"}
	_, err = h.Handle(context.Background(), powerCall(t, protocol.CommandPowerOff, "stub", params))
	requireFault(t, err, protocol.FaultNotImplemented)

	stub.err = nil
	_, err = h.Handle(context.Background(), powerCall(t, protocol.CommandPowerOn, "stub", params))
	require.NoError(t, err)
}
