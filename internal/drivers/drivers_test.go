package drivers

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tinkerbelle-io/tb-power/internal/ssh"
)

func TestBuildMagicPacket(t *testing.T) {
	packet, err := BuildMagicPacket("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(packet) != 102 {
		t.Fatalf("expected 102 bytes, got %d", len(packet))
	}

	// First 6 bytes should be 0xFF
	for i := 0; i < 6; i++ {
		if packet[i] != 0xFF {
			t.Errorf("byte %d: expected 0xFF, got 0x%02X", i, packet[i])
		}
	}

	// MAC should be repeated 16 times
	mac, _ := net.ParseMAC("AA:BB:CC:DD:EE:FF")
	for i := 0; i < 16; i++ {
		offset := 6 + i*6
		for j := 0; j < 6; j++ {
			if packet[offset+j] != mac[j] {
				t.Errorf("repetition %d, byte %d: expected 0x%02X, got 0x%02X",
					i, j, mac[j], packet[offset+j])
			}
		}
	}
}

func TestBuildMagicPacketDashSeparator(t *testing.T) {
	packet, err := BuildMagicPacket("AA-BB-CC-DD-EE-FF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packet) != 102 {
		t.Fatalf("expected 102 bytes, got %d", len(packet))
	}
}

func TestBuildMagicPacketInvalid(t *testing.T) {
	_, err := BuildMagicPacket("not-a-mac")
	if err == nil {
		t.Fatal("expected error for invalid MAC")
	}
}

func TestWoLPowerOnSendsPacket(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	d := NewWoLDriver()
	err = d.PowerOn(context.Background(), Params{
		"mac_address":       "52-54-00-12-34-56",
		"broadcast_address": pc.LocalAddr().String(),
	})
	if err != nil {
		t.Fatalf("PowerOn: %v", err)
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 200)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	if n != 102 {
		t.Fatalf("expected 102 bytes, got %d", n)
	}
}

func TestWoLPowerOffNotImplemented(t *testing.T) {
	d := NewWoLDriver()
	if err := d.PowerOff(context.Background(), Params{"mac_address": "52:54:00:12:34:56"}); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("PowerOff error = %v, want ErrNotImplemented", err)
	}
	if _, err := d.PowerQuery(context.Background(), Params{}); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("PowerQuery error = %v, want ErrNotImplemented", err)
	}
}

func TestKasaEncryptDecrypt(t *testing.T) {
	original := `{"system":{"get_sysinfo":{}}}`
	encrypted := kasaEncrypt(original)
	decrypted := kasaDecrypt(encrypted)

	if decrypted != original {
		t.Errorf("round-trip failed: got %q, want %q", decrypted, original)
	}
}

func TestKasaEncryptLength(t *testing.T) {
	msg := `{"system":{"get_sysinfo":{}}}`
	encrypted := kasaEncrypt(msg)

	// 4 bytes header + message length
	if len(encrypted) != 4+len(msg) {
		t.Errorf("expected %d bytes, got %d", 4+len(msg), len(encrypted))
	}
}

// fakePlug serves the Kasa protocol on a local port. relay is the plug
// state; requests are recorded in got.
func fakePlug(t *testing.T, relay *int) (addr string, got chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	got = make(chan string, 10)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			header := make([]byte, 4)
			if _, err := io.ReadFull(conn, header); err != nil {
				conn.Close()
				continue
			}
			body := make([]byte, binary.BigEndian.Uint32(header))
			io.ReadFull(conn, body)
			req := kasaDecrypt(append(header, body...))
			got <- req

			var reply string
			switch {
			case strings.Contains(req, "set_relay_state"):
				if strings.Contains(req, `"state":1`) {
					*relay = 1
				} else {
					*relay = 0
				}
				reply = `{"system":{"set_relay_state":{"err_code":0}}}`
			default:
				reply = `{"system":{"get_sysinfo":{"alias":"rack-plug","relay_state":` + string(rune('0'+*relay)) + `}}}`
			}
			conn.Write(kasaEncrypt(reply))
			conn.Close()
		}
	}()
	return ln.Addr().String(), got
}

func TestKasaPowerCycle(t *testing.T) {
	relay := 0
	addr, got := fakePlug(t, &relay)
	d := NewKasaDriver()
	ctx := context.Background()
	p := Params{"power_address": addr}

	state, err := d.PowerQuery(ctx, p)
	if err != nil {
		t.Fatalf("PowerQuery: %v", err)
	}
	if state != StateOff {
		t.Errorf("state = %s, want off", state)
	}
	<-got

	if err := d.PowerOn(ctx, p); err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	if req := <-got; !strings.Contains(req, `"set_relay_state":{"state":1}`) {
		t.Errorf("unexpected request %s", req)
	}

	state, err = d.PowerQuery(ctx, p)
	if err != nil {
		t.Fatalf("PowerQuery: %v", err)
	}
	if state != StateOn {
		t.Errorf("state = %s, want on", state)
	}
}

func TestKasaMissingAddress(t *testing.T) {
	if err := NewKasaDriver().PowerOn(context.Background(), Params{}); err == nil {
		t.Fatal("expected error for missing power_address")
	}
}

type recordedCommand struct {
	env  []string
	name string
	args []string
}

func TestIPMIChassisCommands(t *testing.T) {
	var calls []recordedCommand
	d := &IPMIDriver{run: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
		calls = append(calls, recordedCommand{env, name, args})
		return []byte("Chassis Power is on\n"), nil
	}}

	p := Params{"power_address": "10.0.0.5", "power_user": "admin", "power_pass": "s3cret"}
	if err := d.PowerOn(context.Background(), p); err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	state, err := d.PowerQuery(context.Background(), p)
	if err != nil {
		t.Fatalf("PowerQuery: %v", err)
	}
	if state != StateOn {
		t.Errorf("state = %s, want on", state)
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	on := strings.Join(calls[0].args, " ")
	if on != "-I lanplus -H 10.0.0.5 -U admin -E chassis power on" {
		t.Errorf("unexpected args %q", on)
	}
	if strings.Contains(on, "s3cret") {
		t.Error("password must not appear in arguments")
	}
	if len(calls[0].env) != 1 || calls[0].env[0] != "IPMI_PASSWORD=s3cret" {
		t.Errorf("unexpected env %v", calls[0].env)
	}
}

func TestIPMIDriverChoice(t *testing.T) {
	var args []string
	d := &IPMIDriver{run: func(ctx context.Context, env []string, name string, a ...string) ([]byte, error) {
		args = a
		return nil, nil
	}}
	if err := d.PowerOff(context.Background(), Params{"power_address": "10.0.0.5", "power_driver": "LAN"}); err != nil {
		t.Fatal(err)
	}
	if args[1] != "lan" {
		t.Errorf("interface = %q, want lan", args[1])
	}
	if err := d.PowerOff(context.Background(), Params{"power_address": "10.0.0.5", "power_driver": "SERIAL"}); err == nil {
		t.Error("expected error for unknown power driver")
	}
}

func TestParseIPMIStatus(t *testing.T) {
	tests := []struct {
		out  string
		want State
	}{
		{"Chassis Power is on", StateOn},
		{"Chassis Power is off", StateOff},
		{"Error: Unable to establish IPMI v2 / RMCP+ session", StateUnknown},
	}
	for _, tt := range tests {
		if got := parseIPMIStatus(tt.out); got != tt.want {
			t.Errorf("parseIPMIStatus(%q) = %s, want %s", tt.out, got, tt.want)
		}
	}
}

type fakeRemote struct {
	outputs map[string]string
	ran     []string
}

func (f *fakeRemote) Run(ctx context.Context, cmd string) ([]byte, error) {
	f.ran = append(f.ran, cmd)
	return []byte(f.outputs[cmd]), nil
}

func (f *fakeRemote) Close() error { return nil }

func TestVirshPowerOn(t *testing.T) {
	remote := &fakeRemote{outputs: map[string]string{
		"virsh --connect qemu:///system domstate vm-01": "shut off\n",
	}}
	var dialed ssh.Target
	d := &VirshDriver{dial: func(ctx context.Context, target ssh.Target, opts ssh.Options) (remoteRunner, error) {
		dialed = target
		return remote, nil
	}}

	err := d.PowerOn(context.Background(), Params{"power_address": "root@kvm1:2222", "power_id": "vm-01"})
	if err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	if dialed.Host != "kvm1" || dialed.Port != "2222" {
		t.Errorf("dialed %v", dialed)
	}
	want := []string{
		"virsh --connect qemu:///system domstate vm-01",
		"virsh --connect qemu:///system start vm-01",
	}
	if strings.Join(remote.ran, "|") != strings.Join(want, "|") {
		t.Errorf("ran %v, want %v", remote.ran, want)
	}
}

func TestVirshRejectsUnsafeDomain(t *testing.T) {
	d := &VirshDriver{dial: func(ctx context.Context, target ssh.Target, opts ssh.Options) (remoteRunner, error) {
		t.Fatal("must not dial for an unsafe command")
		return nil, nil
	}}
	_, err := d.PowerQuery(context.Background(), Params{"power_address": "root@kvm1", "power_id": "vm;reboot"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseDomState(t *testing.T) {
	for out, want := range map[string]State{
		"running":    StateOn,
		"paused":     StateOn,
		"shut off\n": StateOff,
		"crashed":    StateOff,
		"nostate":    StateUnknown,
	} {
		if got := parseDomState(out); got != want {
			t.Errorf("parseDomState(%q) = %s, want %s", out, got, want)
		}
	}
}

func TestRegistryCatalog(t *testing.T) {
	reg := NewRegistry(Defaults()...)
	c, err := reg.Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}

	want := []string{"", "ipmi", "kasa", "kubevirt", "manual", "virsh", "wol"}
	if got := c.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("names = %v, want %v", got, want)
	}

	e, ok := c.Entry("wol")
	if !ok {
		t.Fatal("wol entry missing")
	}
	if e.Fields[0].Name != "mac_address" || !e.Fields[0].Required {
		t.Errorf("unexpected wol fields %+v", e.Fields)
	}

	if _, ok := reg.Get("ipmi"); !ok {
		t.Error("ipmi driver missing")
	}
	if _, ok := reg.Get("nope"); ok {
		t.Error("unexpected driver")
	}
}

func TestManualDriver(t *testing.T) {
	d := NewManualDriver()
	if err := d.PowerOn(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	state, err := d.PowerQuery(context.Background(), nil)
	if err != nil || state != StateUnknown {
		t.Errorf("PowerQuery = %s, %v", state, err)
	}
}
