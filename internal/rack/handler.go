package rack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinkerbelle-io/tb-power/internal/audit"
	"github.com/tinkerbelle-io/tb-power/internal/catalog"
	"github.com/tinkerbelle-io/tb-power/internal/drivers"
	"github.com/tinkerbelle-io/tb-power/internal/protocol"
)

// DefaultDriverTimeout bounds one driver action on the rack.
const DefaultDriverTimeout = 2 * time.Minute

// Handler executes calls from the region against the local power drivers.
type Handler struct {
	drivers       *drivers.Registry
	catalog       *catalog.Catalog
	clusterID     string
	driverTimeout time.Duration
	audit         audit.Recorder
	guard         *Guard
	log           *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithGuard rate-limits power on and off through g.
func WithGuard(g *Guard) HandlerOption {
	return func(h *Handler) { h.guard = g }
}

// NewHandler builds the local catalog from reg. rec may be nil.
func NewHandler(reg *drivers.Registry, clusterID string, driverTimeout time.Duration, rec audit.Recorder, opts ...HandlerOption) (*Handler, error) {
	c, err := reg.Catalog()
	if err != nil {
		return nil, err
	}
	if driverTimeout <= 0 {
		driverTimeout = DefaultDriverTimeout
	}
	if rec == nil {
		rec = audit.Discard
	}
	h := &Handler{
		drivers:       reg,
		catalog:       c,
		clusterID:     clusterID,
		driverTimeout: driverTimeout,
		audit:         rec,
		log:           slog.Default().With("component", "rack", "cluster", clusterID),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle runs one call and returns its result, or a *protocol.Fault.
// Power actions run detached from ctx cancellation so that an action already
// sent to hardware finishes even if the region stops waiting or the
// connection drops; only the driver timeout bounds it.
func (h *Handler) Handle(ctx context.Context, call protocol.CallMessage) (any, error) {
	if err := protocol.ValidateCommand(call.Command); err != nil {
		return nil, &protocol.Fault{Code: protocol.FaultUnknownCommand, Message: err.Error()}
	}

	if call.Command == protocol.CommandDescribePowerTypes {
		return h.drivers.Documents(), nil
	}

	var args protocol.PowerArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, &protocol.Fault{Code: protocol.FaultInvalidArguments, Message: fmt.Sprintf("decode arguments: %v", err)}
	}

	start := time.Now()
	result, err := h.power(context.WithoutCancel(ctx), call.Command, args)
	h.record(call, args, result, err, time.Since(start))
	return result, err
}

func (h *Handler) power(ctx context.Context, command string, args protocol.PowerArgs) (any, error) {
	if err := protocol.ValidatePowerArgs(&args); err != nil {
		return nil, &protocol.Fault{Code: protocol.FaultInvalidArguments, Message: err.Error()}
	}

	entry, ok := h.catalog.Entry(args.PowerType)
	d, hasDriver := h.drivers.Get(args.PowerType)
	if !ok || !hasDriver {
		return nil, &protocol.Fault{
			Code:    protocol.FaultUnknownPowerType,
			Message: fmt.Sprintf("power type %q is not supported by cluster %s", args.PowerType, h.clusterID),
		}
	}

	if err := catalog.CheckParameters(entry.Fields, args.Context); err != nil {
		return nil, &protocol.Fault{Code: protocol.FaultInvalidArguments, Message: err.Error()}
	}
	params := withDefaults(entry.Fields, args.Context)

	release := func() {}
	if command != protocol.CommandPowerQuery && h.guard != nil {
		r, err := h.guard.Reserve(args.SystemID)
		if err != nil {
			return nil, &protocol.Fault{Code: protocol.FaultPowerActionFail, Message: err.Error()}
		}
		release = r
	}

	ctx, cancel := context.WithTimeout(ctx, h.driverTimeout)
	defer cancel()

	log := h.log.With("command", command, "system_id", args.SystemID, "power_type", args.PowerType)
	log.Info("executing power command")

	var err error
	var result any
	switch command {
	case protocol.CommandPowerOn:
		err = d.PowerOn(ctx, params)
	case protocol.CommandPowerOff:
		err = d.PowerOff(ctx, params)
	case protocol.CommandPowerQuery:
		var state drivers.State
		state, err = d.PowerQuery(ctx, params)
		if err == nil {
			result = protocol.PowerQueryResult{State: string(state)}
		}
	}

	if errors.Is(err, drivers.ErrNotImplemented) {
		release()
	}
	if err != nil {
		log.Warn("power command failed", "error", err)
		return nil, driverFault(args.PowerType, command, err)
	}
	return result, nil
}

func driverFault(powerType, command string, err error) *protocol.Fault {
	if errors.Is(err, drivers.ErrNotImplemented) {
		return &protocol.Fault{
			Code:    protocol.FaultNotImplemented,
			Message: fmt.Sprintf("%s does not support %s", powerType, command),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &protocol.Fault{Code: protocol.FaultPowerActionFail, Message: fmt.Sprintf("%s timed out on the rack: %v", command, err)}
	}
	return &protocol.Fault{Code: protocol.FaultPowerActionFail, Message: err.Error()}
}

// withDefaults copies params and fills empty declared fields from their defaults.
func withDefaults(fields []catalog.Field, params map[string]string) drivers.Params {
	out := make(drivers.Params, len(params)+len(fields))
	for k, v := range params {
		out[k] = v
	}
	for _, f := range fields {
		if v := f.Value(params); v != "" {
			out[f.Name] = v
		}
	}
	return out
}

func (h *Handler) record(call protocol.CallMessage, args protocol.PowerArgs, result any, err error, elapsed time.Duration) {
	entry := audit.AuditEntry{
		EventType: audit.EventCommand,
		ClusterID: h.clusterID,
		CallID:    call.CallID,
		Origin:    call.Origin,
		Command:   call.Command,
		SystemID:  args.SystemID,
		PowerType: args.PowerType,
		Result:    "ok",
		Duration:  elapsed.Round(time.Millisecond).String(),
	}
	if q, ok := result.(protocol.PowerQueryResult); ok {
		entry.Result = q.State
	}
	if err != nil {
		entry.Result = "fault"
		entry.Reason = err.Error()
	}
	if aerr := h.audit.Log(entry); aerr != nil {
		h.log.Error("audit log write failed", "error", aerr)
	}
}

// reject records a call refused before it reached a driver.
func (h *Handler) reject(call protocol.CallMessage, reason string) {
	entry := audit.AuditEntry{
		EventType: audit.EventRejected,
		ClusterID: h.clusterID,
		CallID:    call.CallID,
		Origin:    call.Origin,
		Command:   call.Command,
		Reason:    reason,
	}
	if err := h.audit.Log(entry); err != nil {
		h.log.Error("audit log write failed", "error", err)
	}
}
