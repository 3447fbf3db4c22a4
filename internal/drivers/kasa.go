package drivers

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tinkerbelle-io/tb-power/internal/catalog"
)

const (
	kasaPort        = "9999"
	kasaDialTimeout = 3 * time.Second
	kasaIOTimeout   = 5 * time.Second
	kasaMaxReply    = 64 << 10
)

// KasaDriver switches TP-Link Kasa smart plugs over their local TCP protocol.
type KasaDriver struct{}

func NewKasaDriver() *KasaDriver { return &KasaDriver{} }

func (d *KasaDriver) Name() string        { return "kasa" }
func (d *KasaDriver) Description() string { return "TP-Link Kasa smart plug" }

func (d *KasaDriver) Fields() []catalog.Field {
	return []catalog.Field{
		catalog.MustField("power_address", "Plug address", catalog.Required()),
		catalog.MustField("outlet_id", "Outlet ID (power strips only)"),
	}
}

func (d *KasaDriver) PowerOn(ctx context.Context, p Params) error {
	return d.setRelay(ctx, p, 1)
}

func (d *KasaDriver) PowerOff(ctx context.Context, p Params) error {
	return d.setRelay(ctx, p, 0)
}

func (d *KasaDriver) PowerQuery(ctx context.Context, p Params) (State, error) {
	host, err := requireParam(p, "power_address")
	if err != nil {
		return StateUnknown, err
	}
	reply, err := kasaQuery(ctx, host, `{"system":{"get_sysinfo":{}}}`)
	if err != nil {
		return StateUnknown, fmt.Errorf("kasa get_sysinfo: %w", err)
	}

	var info struct {
		System struct {
			SysInfo struct {
				RelayState *int `json:"relay_state"`
				Children   []struct {
					ID    string `json:"id"`
					State int    `json:"state"`
				} `json:"children"`
			} `json:"get_sysinfo"`
		} `json:"system"`
	}
	if err := json.Unmarshal([]byte(reply), &info); err != nil {
		return StateUnknown, fmt.Errorf("kasa get_sysinfo: decode reply: %w", err)
	}

	si := info.System.SysInfo
	if outlet := p["outlet_id"]; outlet != "" {
		for _, c := range si.Children {
			if c.ID == outlet {
				return relayState(c.State), nil
			}
		}
		return StateUnknown, fmt.Errorf("kasa outlet %q not found", outlet)
	}
	if si.RelayState == nil {
		return StateUnknown, nil
	}
	return relayState(*si.RelayState), nil
}

func relayState(v int) State {
	if v == 1 {
		return StateOn
	}
	return StateOff
}

func (d *KasaDriver) setRelay(ctx context.Context, p Params, state int) error {
	host, err := requireParam(p, "power_address")
	if err != nil {
		return err
	}

	req := map[string]any{
		"system": map[string]any{"set_relay_state": map[string]int{"state": state}},
	}
	if outlet := p["outlet_id"]; outlet != "" {
		req["context"] = map[string][]string{"child_ids": {outlet}}
	}
	query, err := json.Marshal(req)
	if err != nil {
		return err
	}

	reply, err := kasaQuery(ctx, host, string(query))
	if err != nil {
		return fmt.Errorf("kasa set_relay_state: %w", err)
	}

	var res struct {
		System struct {
			SetRelayState struct {
				ErrCode int    `json:"err_code"`
				ErrMsg  string `json:"err_msg"`
			} `json:"set_relay_state"`
		} `json:"system"`
	}
	if err := json.Unmarshal([]byte(reply), &res); err != nil {
		return fmt.Errorf("kasa set_relay_state: decode reply: %w", err)
	}
	if rs := res.System.SetRelayState; rs.ErrCode != 0 {
		return fmt.Errorf("kasa set_relay_state: err_code %d: %s", rs.ErrCode, rs.ErrMsg)
	}
	return nil
}

// kasaEncrypt encrypts a TP-Link Kasa protocol message.
func kasaEncrypt(plaintext string) []byte {
	n := len(plaintext)
	buf := make([]byte, 4+n)
	binary.BigEndian.PutUint32(buf, uint32(n))

	key := byte(171)
	for i := 0; i < n; i++ {
		buf[4+i] = plaintext[i] ^ key
		key = buf[4+i]
	}
	return buf
}

// kasaDecrypt decrypts a TP-Link Kasa protocol response.
func kasaDecrypt(ciphertext []byte) string {
	if len(ciphertext) < 4 {
		return ""
	}
	payload := ciphertext[4:]
	result := make([]byte, len(payload))
	key := byte(171)
	for i, b := range payload {
		result[i] = b ^ key
		key = b
	}
	return string(result)
}

// kasaQuery sends a raw query to a Kasa device. host may carry a port.
func kasaQuery(ctx context.Context, host, query string) (string, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, kasaPort)
	}

	d := net.Dialer{Timeout: kasaDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	deadline := time.Now().Add(kasaIOTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(kasaEncrypt(query)); err != nil {
		return "", err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", fmt.Errorf("read reply header: %w", err)
	}
	n := binary.BigEndian.Uint32(header)
	if n > kasaMaxReply {
		return "", fmt.Errorf("reply too large (%d bytes)", n)
	}
	buf := make([]byte, 4+n)
	copy(buf, header)
	if _, err := io.ReadFull(conn, buf[4:]); err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return kasaDecrypt(buf), nil
}
