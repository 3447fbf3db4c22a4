package drivers

import (
	"context"
	"fmt"
	"strings"

	"github.com/tinkerbelle-io/tb-power/internal/catalog"
	"github.com/tinkerbelle-io/tb-power/internal/ssh"
)

const defaultLibvirtURI = "qemu:///system"

// remoteRunner runs one allowlisted command on a hypervisor host.
type remoteRunner interface {
	Run(ctx context.Context, cmd string) ([]byte, error)
	Close() error
}

type remoteDialer func(ctx context.Context, target ssh.Target, opts ssh.Options) (remoteRunner, error)

func sshDialer(ctx context.Context, target ssh.Target, opts ssh.Options) (remoteRunner, error) {
	return ssh.Dial(ctx, target, opts)
}

// VirshDriver controls libvirt domains by running virsh on the hypervisor over SSH.
type VirshDriver struct {
	dial remoteDialer
}

func NewVirshDriver() *VirshDriver { return &VirshDriver{dial: sshDialer} }

func (d *VirshDriver) Name() string        { return "virsh" }
func (d *VirshDriver) Description() string { return "Virsh (virtual systems)" }

func (d *VirshDriver) Fields() []catalog.Field {
	return []catalog.Field{
		catalog.MustField("power_address", "Hypervisor SSH target (user@host[:port])", catalog.Required()),
		catalog.MustField("power_id", "Domain name", catalog.Required()),
		catalog.MustField("power_pass", "SSH password (optional)", catalog.WithKind(catalog.KindPassword)),
		catalog.MustField("libvirt_uri", "Libvirt URI", catalog.WithDefault(defaultLibvirtURI)),
	}
}

func (d *VirshDriver) PowerOn(ctx context.Context, p Params) error {
	state, err := d.PowerQuery(ctx, p)
	if err != nil {
		return err
	}
	if state == StateOn {
		return nil
	}
	_, err = d.virsh(ctx, p, "start")
	return err
}

func (d *VirshDriver) PowerOff(ctx context.Context, p Params) error {
	state, err := d.PowerQuery(ctx, p)
	if err != nil {
		return err
	}
	if state == StateOff {
		return nil
	}
	_, err = d.virsh(ctx, p, "destroy")
	return err
}

func (d *VirshDriver) PowerQuery(ctx context.Context, p Params) (State, error) {
	out, err := d.virsh(ctx, p, "domstate")
	if err != nil {
		return StateUnknown, err
	}
	return parseDomState(out), nil
}

func (d *VirshDriver) virsh(ctx context.Context, p Params, subcommand string) (string, error) {
	addr, err := requireParam(p, "power_address")
	if err != nil {
		return "", err
	}
	domain, err := requireParam(p, "power_id")
	if err != nil {
		return "", err
	}
	target, err := ssh.ParseTarget(addr)
	if err != nil {
		return "", err
	}

	cmd := ssh.VirshCommand(valueOr(p, "libvirt_uri", defaultLibvirtURI), subcommand, domain)
	if !ssh.IsCommandAllowed(cmd) {
		return "", fmt.Errorf("virsh: refusing command %q", cmd)
	}

	r, err := d.dial(ctx, target, ssh.Options{Password: p["power_pass"]})
	if err != nil {
		return "", err
	}
	defer r.Close()

	out, err := r.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("virsh %s %s: %w", subcommand, domain, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// parseDomState maps "virsh domstate" output to a power state.
func parseDomState(out string) State {
	switch strings.TrimSpace(out) {
	case "running", "paused", "in shutdown", "pmsuspended":
		return StateOn
	case "shut off", "crashed":
		return StateOff
	default:
		return StateUnknown
	}
}
