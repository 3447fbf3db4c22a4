package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Message types
const (
	TypeHello     = "rack.hello"
	TypeWelcome   = "region.welcome"
	TypeCall      = "rpc.call"
	TypeReply     = "rpc.reply"
	TypeFault     = "rpc.fault"
	TypeHeartbeat = "rack.heartbeat"
)

// Commands served by rack controllers.
const (
	CommandPowerOn            = "PowerOn"
	CommandPowerOff           = "PowerOff"
	CommandPowerQuery         = "PowerQuery"
	CommandDescribePowerTypes = "DescribePowerTypes"
)

// Fault codes carried by rpc.fault frames.
const (
	FaultUnknownPowerType = "UnknownPowerType"
	FaultNotImplemented   = "NotImplementedError"
	FaultPowerActionFail  = "PowerActionFail"
	FaultUnauthorized     = "Unauthorized"
	FaultInvalidArguments = "InvalidArguments"
	FaultUnknownCommand   = "UnknownCommand"
	FaultInternal         = "InternalError"
)

// Envelope is used for initial JSON decode to determine message type
type Envelope struct {
	Type string `json:"type"`
}

type HelloMessage struct {
	Type      string `json:"type"`
	ClusterID string `json:"clusterId"`
	Hostname  string `json:"hostname"`
	Version   string `json:"version"`
}

type WelcomeMessage struct {
	Type      string `json:"type"`
	ClusterID string `json:"clusterId"`
}

// CallMessage asks the rack to run Command. Timestamp, Nonce, Origin and
// Signature are set when the region signs its calls.
type CallMessage struct {
	Type      string          `json:"type"`
	CallID    string          `json:"callId"`
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

type ReplyMessage struct {
	Type   string          `json:"type"`
	CallID string          `json:"callId"`
	Result json.RawMessage `json:"result,omitempty"`
}

type FaultMessage struct {
	Type    string `json:"type"`
	CallID  string `json:"callId"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HeartbeatMessage struct {
	Type      string `json:"type"`
	ClusterID string `json:"clusterId"`
	Timestamp int64  `json:"timestamp"`
}

// PowerArgs are the arguments of PowerOn, PowerOff and PowerQuery.
type PowerArgs struct {
	SystemID  string            `json:"systemId"`
	Hostname  string            `json:"hostname"`
	PowerType string            `json:"powerType"`
	Context   map[string]string `json:"context"`
}

// PowerQueryResult is the reply to PowerQuery.
type PowerQueryResult struct {
	State string `json:"state"`
}

// Power states reported by PowerQuery.
const (
	StateOn      = "on"
	StateOff     = "off"
	StateUnknown = "unknown"
	StateError   = "error"
)

// Fault is a remote error reported by the rack.
type Fault struct {
	Code    string
	Message string
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return f.Code
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// AsFault extracts a *Fault from err.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

var (
	// ErrSendFailed means the call never left this process.
	ErrSendFailed = errors.New("send failed")
	// ErrConnectionLost means the connection closed before a reply arrived.
	ErrConnectionLost = errors.New("connection lost")
)

// Caller issues one remote call and waits for its reply. Implementations
// return a *Fault for remote errors. When ctx ends first, Call returns
// ctx.Err() and any later reply is discarded.
type Caller interface {
	Call(ctx context.Context, command string, args any) (json.RawMessage, error)
}
