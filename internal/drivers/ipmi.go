package drivers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/tinkerbelle-io/tb-power/internal/catalog"
)

// commandRunner runs a local program with extra environment variables.
type commandRunner func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

const (
	ipmiDriverLAN   = "LAN"
	ipmiDriverLAN20 = "LAN_2_0"
)

var ipmiInterfaces = map[string]string{
	ipmiDriverLAN:   "lan",
	ipmiDriverLAN20: "lanplus",
}

// IPMIDriver controls power via ipmitool against a BMC.
type IPMIDriver struct {
	run commandRunner
}

func NewIPMIDriver() *IPMIDriver { return &IPMIDriver{run: execRunner} }

func (d *IPMIDriver) Name() string        { return "ipmi" }
func (d *IPMIDriver) Description() string { return "IPMI" }

func (d *IPMIDriver) Fields() []catalog.Field {
	return []catalog.Field{
		catalog.MustField("power_driver", "Power driver",
			catalog.WithKind(catalog.KindChoice),
			catalog.WithChoices(
				catalog.Choice{Value: ipmiDriverLAN, Label: "LAN [IPMI 1.5]"},
				catalog.Choice{Value: ipmiDriverLAN20, Label: "LAN_2_0 [IPMI 2.0]"},
			),
			catalog.WithDefault(ipmiDriverLAN20)),
		catalog.MustField("power_address", "IP address", catalog.Required()),
		catalog.MustField("power_user", "Power user"),
		catalog.MustField("power_pass", "Power password", catalog.WithKind(catalog.KindPassword)),
	}
}

func (d *IPMIDriver) PowerOn(ctx context.Context, p Params) error {
	_, err := d.chassis(ctx, p, "on")
	return err
}

func (d *IPMIDriver) PowerOff(ctx context.Context, p Params) error {
	_, err := d.chassis(ctx, p, "off")
	return err
}

func (d *IPMIDriver) PowerQuery(ctx context.Context, p Params) (State, error) {
	out, err := d.chassis(ctx, p, "status")
	if err != nil {
		return StateUnknown, err
	}
	return parseIPMIStatus(out), nil
}

// chassis runs "ipmitool ... chassis power <action>". The password is passed
// through IPMI_PASSWORD so it never appears in the process list.
func (d *IPMIDriver) chassis(ctx context.Context, p Params, action string) (string, error) {
	addr, err := requireParam(p, "power_address")
	if err != nil {
		return "", err
	}
	iface, ok := ipmiInterfaces[valueOr(p, "power_driver", ipmiDriverLAN20)]
	if !ok {
		return "", fmt.Errorf("unsupported IPMI power driver %q", p["power_driver"])
	}

	args := []string{"-I", iface, "-H", addr}
	if user := p["power_user"]; user != "" {
		args = append(args, "-U", user)
	}
	var env []string
	if pass := p["power_pass"]; pass != "" {
		args = append(args, "-E")
		env = append(env, "IPMI_PASSWORD="+pass)
	}
	args = append(args, "chassis", "power", action)

	out, err := d.run(ctx, env, "ipmitool", args...)
	if err != nil {
		return "", fmt.Errorf("ipmitool power %s: %w (%s)", action, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// parseIPMIStatus reads "Chassis Power is on" style output.
func parseIPMIStatus(out string) State {
	switch {
	case strings.HasSuffix(strings.ToLower(out), "is on"):
		return StateOn
	case strings.HasSuffix(strings.ToLower(out), "is off"):
		return StateOff
	default:
		return StateUnknown
	}
}
