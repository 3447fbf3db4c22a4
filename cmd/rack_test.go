package cmd

import "testing"

func TestValidateRegionURL(t *testing.T) {
	tests := []struct {
		name          string
		url           string
		allowInsecure bool
		wantErr       bool
	}{
		{"wss:// always allowed", "wss://region.example.com/rpc", false, false},
		{"wss:// with allow-insecure", "wss://region.example.com/rpc", true, false},
		{"ws:// rejected without flag", "ws://localhost:5240/rpc", false, true},
		{"ws:// allowed with flag", "ws://localhost:5240/rpc", true, false},
		{"http:// rejected", "http://region.example.com/rpc", false, true},
		{"https:// rejected", "https://region.example.com/rpc", false, true},
		{"random string rejected", "not-a-url", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRegionURL(tt.url, tt.allowInsecure)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRegionURL(%q, %v) error = %v, wantErr %v", tt.url, tt.allowInsecure, err, tt.wantErr)
			}
		})
	}
}
