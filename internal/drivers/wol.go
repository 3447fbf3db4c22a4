package drivers

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/tinkerbelle-io/tb-power/internal/catalog"
)

const defaultWoLBroadcast = "255.255.255.255:9"

// WoLDriver sends Wake-on-LAN magic packets. It can only power machines on.
type WoLDriver struct{}

func NewWoLDriver() *WoLDriver { return &WoLDriver{} }

func (d *WoLDriver) Name() string        { return "wol" }
func (d *WoLDriver) Description() string { return "Wake-on-LAN" }

func (d *WoLDriver) Fields() []catalog.Field {
	return []catalog.Field{
		catalog.MustField("mac_address", "MAC Address",
			catalog.WithKind(catalog.KindMACAddress), catalog.Required()),
		catalog.MustField("broadcast_address", "Broadcast address",
			catalog.WithDefault(defaultWoLBroadcast)),
	}
}

// PowerOn sends a magic packet to the machine's MAC address.
func (d *WoLDriver) PowerOn(ctx context.Context, p Params) error {
	mac, err := requireParam(p, "mac_address")
	if err != nil {
		return err
	}
	return SendMagicPacket(ctx, mac, valueOr(p, "broadcast_address", defaultWoLBroadcast))
}

func (d *WoLDriver) PowerOff(ctx context.Context, p Params) error {
	return fmt.Errorf("wol power off: %w", ErrNotImplemented)
}

// PowerQuery is not possible with WoL.
func (d *WoLDriver) PowerQuery(ctx context.Context, p Params) (State, error) {
	return StateUnknown, fmt.Errorf("wol power query: %w", ErrNotImplemented)
}

// BuildMagicPacket creates a WoL magic packet for the given MAC address.
func BuildMagicPacket(mac string) ([]byte, error) {
	hwAddr, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("invalid MAC address %q: %w", mac, err)
	}

	// Magic packet: 6 bytes of 0xFF followed by MAC address repeated 16 times
	packet := make([]byte, 102)
	for i := 0; i < 6; i++ {
		packet[i] = 0xFF
	}
	for i := 0; i < 16; i++ {
		copy(packet[6+i*6:], hwAddr)
	}
	return packet, nil
}

// SendMagicPacket sends a WoL magic packet for mac to addr (host:port).
func SendMagicPacket(ctx context.Context, mac, addr string) error {
	// Normalize MAC separators
	mac = strings.ReplaceAll(mac, "-", ":")

	packet, err := BuildMagicPacket(mac)
	if err != nil {
		return err
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "9")
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("dial udp: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("send magic packet: %w", err)
	}
	return nil
}
