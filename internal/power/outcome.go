// Package power dispatches power commands to the rack controller that owns
// a machine and reports a typed outcome for each request.
package power

import (
	"errors"
	"fmt"
	"time"

	"github.com/tinkerbelle-io/tb-power/internal/protocol"
)

// DefaultDeadline bounds a dispatch when the request does not set one.
const DefaultDeadline = 15 * time.Second

// Status classifies how a dispatch ended.
type Status string

const (
	StatusSuccess               Status = "success"
	StatusUnknownPowerType      Status = "unknown_power_type"
	StatusUnsupported           Status = "unsupported"
	StatusConnectionUnavailable Status = "connection_unavailable"
	StatusTimeout               Status = "timeout"
	StatusRemoteFailure         Status = "remote_failure"
)

// Sentinel errors returned by Outcome.Err.
var (
	ErrUnknownPowerType      = errors.New("unknown power type")
	ErrUnsupported           = errors.New("power action not supported")
	ErrConnectionUnavailable = errors.New("rack connection unavailable")
	ErrTimeout               = errors.New("power action timed out")
	ErrRemoteFailure         = errors.New("power action failed")
)

var statusErrors = map[Status]error{
	StatusUnknownPowerType:      ErrUnknownPowerType,
	StatusUnsupported:           ErrUnsupported,
	StatusConnectionUnavailable: ErrConnectionUnavailable,
	StatusTimeout:               ErrTimeout,
	StatusRemoteFailure:         ErrRemoteFailure,
}

// Request is one power command for one machine.
type Request struct {
	Command    string            `json:"command"`
	SystemID   string            `json:"system_id"`
	Hostname   string            `json:"hostname"`
	ClusterID  string            `json:"cluster_id"`
	PowerType  string            `json:"power_type"`
	Parameters map[string]string `json:"power_parameters"`
	// Deadline overrides DefaultDeadline when positive.
	Deadline time.Duration `json:"-"`
}

func (r Request) args() protocol.PowerArgs {
	return protocol.PowerArgs{
		SystemID:  r.SystemID,
		Hostname:  r.Hostname,
		PowerType: r.PowerType,
		Context:   r.Parameters,
	}
}

// Outcome is the single result of a dispatch. State is set for successful
// PowerQuery requests.
type Outcome struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
	State  string `json:"state,omitempty"`
}

// Err returns nil for StatusSuccess and otherwise an error wrapping the
// sentinel for the status.
func (o Outcome) Err() error {
	if o.Status == StatusSuccess {
		return nil
	}
	sentinel, ok := statusErrors[o.Status]
	if !ok {
		return fmt.Errorf("unexpected power outcome %q: %s", o.Status, o.Detail)
	}
	if o.Detail == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, o.Detail)
}
