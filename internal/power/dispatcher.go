package power

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinkerbelle-io/tb-power/internal/protocol"
)

// Resolver finds the live connection of a cluster. transport.Directory
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, clusterID string) (protocol.Caller, error)
}

// Dispatcher sends power requests to rack controllers. It keeps no state
// between dispatches, so it is safe for concurrent use.
type Dispatcher struct {
	resolver Resolver
	deadline time.Duration
	log      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefaultDeadline replaces DefaultDeadline for requests without their own.
func WithDefaultDeadline(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.deadline = d
		}
	}
}

// NewDispatcher creates a dispatcher that resolves connections through r.
func NewDispatcher(r Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver: r,
		deadline: DefaultDeadline,
		log:      slog.Default().With("component", "power"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PowerOn asks the machine's rack to power it on.
func (d *Dispatcher) PowerOn(ctx context.Context, req Request) Outcome {
	req.Command = protocol.CommandPowerOn
	return d.Dispatch(ctx, req)
}

// PowerOff asks the machine's rack to power it off.
func (d *Dispatcher) PowerOff(ctx context.Context, req Request) Outcome {
	req.Command = protocol.CommandPowerOff
	return d.Dispatch(ctx, req)
}

// QueryPower asks the machine's rack for its power state.
func (d *Dispatcher) QueryPower(ctx context.Context, req Request) Outcome {
	req.Command = protocol.CommandPowerQuery
	return d.Dispatch(ctx, req)
}

// Dispatch resolves the rack connection for req.ClusterID, issues the command
// and waits for the reply, all within the request deadline. It returns
// exactly one Outcome and never retries. When the deadline passes while the
// rack is still working, the rack is not told to stop; its reply is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = d.deadline
	}

	start := time.Now()
	DispatchInFlight.Inc()
	defer DispatchInFlight.Dec()

	out := d.dispatch(ctx, req, deadline)

	elapsed := time.Since(start)
	DispatchTotal.WithLabelValues(req.Command, string(out.Status)).Inc()
	DispatchDuration.WithLabelValues(req.Command).Observe(elapsed.Seconds())

	attrs := []any{
		"command", req.Command,
		"system_id", req.SystemID,
		"hostname", req.Hostname,
		"cluster", req.ClusterID,
		"power_type", req.PowerType,
		"status", out.Status,
		"elapsed", elapsed.Round(time.Millisecond),
	}
	if out.Status == StatusSuccess {
		d.log.Info("power dispatch finished", attrs...)
	} else {
		d.log.Warn("power dispatch failed", append(attrs, "detail", out.Detail)...)
	}
	return out
}

func (d *Dispatcher) dispatch(parent context.Context, req Request, deadline time.Duration) Outcome {
	if err := protocol.ValidateCommand(req.Command); err != nil || req.Command == protocol.CommandDescribePowerTypes {
		return Outcome{Status: StatusUnsupported, Detail: fmt.Sprintf("not a power command: %q", req.Command)}
	}

	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()

	// Resolving
	caller, err := d.resolver.Resolve(ctx, req.ClusterID)
	if err != nil {
		if ctx.Err() != nil {
			return timeoutOutcome(parent, deadline, "resolving connection to cluster "+req.ClusterID)
		}
		return Outcome{Status: StatusConnectionUnavailable, Detail: err.Error()}
	}

	// Awaiting reply. The call runs on its own goroutine so a Caller that
	// ignores ctx cannot hold the dispatch past its deadline.
	type reply struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		payload, err := caller.Call(ctx, req.Command, req.args())
		done <- reply{payload, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil && !isFault(r.err) {
			return timeoutOutcome(parent, deadline, "waiting for "+req.Command+" reply")
		}
		return outcomeFor(req.Command, r.payload, r.err)
	case <-ctx.Done():
		return timeoutOutcome(parent, deadline, "waiting for "+req.Command+" reply")
	}
}

func isFault(err error) bool {
	_, ok := protocol.AsFault(err)
	return ok
}

// timeoutOutcome reports a dispatch that ran out of time. Cancellation by
// the caller is reported as a timeout too, with a detail saying so.
func timeoutOutcome(parent context.Context, deadline time.Duration, phase string) Outcome {
	if errors.Is(parent.Err(), context.Canceled) {
		return Outcome{Status: StatusTimeout, Detail: "dispatch cancelled by caller while " + phase}
	}
	return Outcome{Status: StatusTimeout, Detail: fmt.Sprintf("no result within %s while %s", deadline, phase)}
}

// outcomeFor translates a call result into the local taxonomy.
func outcomeFor(command string, payload json.RawMessage, err error) Outcome {
	if err == nil {
		out := Outcome{Status: StatusSuccess}
		if command == protocol.CommandPowerQuery {
			var res protocol.PowerQueryResult
			if len(payload) > 0 {
				if uerr := json.Unmarshal(payload, &res); uerr != nil {
					return Outcome{Status: StatusRemoteFailure, Detail: fmt.Sprintf("invalid %s reply: %v", command, uerr)}
				}
			}
			out.State = res.State
			if out.State == "" {
				out.State = protocol.StateUnknown
			}
		}
		return out
	}

	if f, ok := protocol.AsFault(err); ok {
		switch f.Code {
		case protocol.FaultUnknownPowerType:
			return Outcome{Status: StatusUnknownPowerType, Detail: f.Message}
		case protocol.FaultNotImplemented:
			return Outcome{Status: StatusUnsupported, Detail: f.Message}
		default:
			return Outcome{Status: StatusRemoteFailure, Detail: f.Error()}
		}
	}

	if errors.Is(err, protocol.ErrSendFailed) || errors.Is(err, protocol.ErrConnectionLost) {
		return Outcome{Status: StatusConnectionUnavailable, Detail: err.Error()}
	}
	return Outcome{Status: StatusRemoteFailure, Detail: err.Error()}
}
