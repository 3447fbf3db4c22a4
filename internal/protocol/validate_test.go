package protocol

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestValidatePowerArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    *PowerArgs
		wantErr string // empty = no error
	}{
		{"nil args", nil, "missing power arguments"},
		{"valid ipmi", &PowerArgs{SystemID: "abc123", Hostname: "node-1", PowerType: "ipmi"}, ""},
		{"empty power type", &PowerArgs{SystemID: "abc123", Hostname: "node-1"}, ""},
		{"empty hostname is ok", &PowerArgs{SystemID: "abc123", PowerType: "wol"}, ""},
		{"fqdn hostname", &PowerArgs{SystemID: "abc123", Hostname: "node-1.rack.example.com"}, ""},

		{"missing system id", &PowerArgs{Hostname: "node-1"}, "system id is required"},

		// Injection: bad names
		{"system injection", &PowerArgs{SystemID: "x;curl evil.com"}, "invalid system name"},
		{"host with spaces", &PowerArgs{SystemID: "a", Hostname: "my host"}, "invalid host name"},
		{"host too long", &PowerArgs{SystemID: "a", Hostname: strings.Repeat("a", 254)}, "name too long"},
		{"host starts with hyphen", &PowerArgs{SystemID: "a", Hostname: "-evil"}, "invalid host name"},
		{"power type injection", &PowerArgs{SystemID: "a", PowerType: "ipmi$(whoami)"}, "invalid power type name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePowerArgs(tt.args)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	for _, cmd := range []string{CommandPowerOn, CommandPowerOff, CommandPowerQuery, CommandDescribePowerTypes} {
		if err := ValidateCommand(cmd); err != nil {
			t.Errorf("ValidateCommand(%q) = %v", cmd, err)
		}
	}
	for _, cmd := range []string{"", "PowerCycle", "poweron", "Exec"} {
		if err := ValidateCommand(cmd); err == nil {
			t.Errorf("ValidateCommand(%q) should fail", cmd)
		}
	}
}

func TestValidateClusterID(t *testing.T) {
	if err := ValidateClusterID("rack-01"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateClusterID(""); err == nil {
		t.Error("empty cluster id should fail")
	}
	if err := ValidateClusterID("rack 01"); err == nil {
		t.Error("cluster id with space should fail")
	}
}

func TestAsFault(t *testing.T) {
	err := fmt.Errorf("call: %w", &Fault{Code: FaultUnknownPowerType, Message: "no such type"})
	f, ok := AsFault(err)
	if !ok {
		t.Fatal("AsFault should find the wrapped fault")
	}
	if f.Code != FaultUnknownPowerType {
		t.Errorf("Code = %q", f.Code)
	}
	if got := f.Error(); got != "UnknownPowerType: no such type" {
		t.Errorf("Error() = %q", got)
	}
	if _, ok := AsFault(errors.New("plain")); ok {
		t.Error("plain error is not a fault")
	}
}
