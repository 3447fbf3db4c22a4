// Package ssh runs libvirt power commands on hypervisor hosts over SSH.
package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const dialTimeout = 10 * time.Second

// Runner executes allowlisted commands on one remote host.
// It reuses a single SSH connection for multiple commands.
type Runner struct {
	client *ssh.Client
	mu     sync.Mutex
}

// Target represents an SSH target parsed from user@host[:port] format.
type Target struct {
	User string
	Host string
	Port string
}

// Options tune authentication for Dial.
type Options struct {
	// Password is tried after any keys from the agent or ~/.ssh.
	Password string
	// KnownHostsFile overrides ~/.ssh/known_hosts.
	KnownHostsFile string
}

// ParseTarget parses a string like "user@host" or "user@host:2222".
func ParseTarget(s string) (Target, error) {
	t := Target{Port: "22"}

	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return t, fmt.Errorf("invalid SSH target %q (expected user@host[:port])", s)
	}

	t.User = parts[0]
	hostPort := parts[1]

	if h, p, err := net.SplitHostPort(hostPort); err == nil {
		t.Host = h
		t.Port = p
	} else {
		t.Host = hostPort
	}

	return t, nil
}

// Addr returns the host:port for dialing.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, t.Port)
}

func (t Target) String() string {
	if t.Port == "22" {
		return t.User + "@" + t.Host
	}
	return fmt.Sprintf("%s@%s:%s", t.User, t.Host, t.Port)
}

// Dial establishes an SSH connection and returns a Runner.
func Dial(ctx context.Context, target Target, opts Options) (*Runner, error) {
	config, err := buildSSHConfig(target.User, opts)
	if err != nil {
		return nil, fmt.Errorf("ssh config: %w", err)
	}
	config.Timeout = dialTimeout

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", target.Addr(), err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, target.Addr(), config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", target.Addr(), err)
	}

	return &Runner{client: ssh.NewClient(c, chans, reqs)}, nil
}

// Run executes a command on the remote host.
// Commands are validated against the allowlist before execution.
func (r *Runner) Run(ctx context.Context, cmd string) ([]byte, error) {
	if !IsCommandAllowed(cmd) {
		return nil, fmt.Errorf("command not allowed: %q", cmd)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	// Support context cancellation
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGTERM)
			session.Close()
		case <-done:
		}
	}()

	out, err := session.CombinedOutput(cmd)
	close(done)

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if err != nil {
		return out, fmt.Errorf("command %q failed: %w (output: %s)", cmd, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Close closes the SSH connection.
func (r *Runner) Close() error {
	return r.client.Close()
}

// buildSSHConfig creates an SSH client config with key auth and an optional password.
func buildSSHConfig(user string, opts Options) (*ssh.ClientConfig, error) {
	var signers []ssh.Signer

	// Try SSH agent first
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			agentSigners, err := agent.NewClient(conn).Signers()
			if err == nil {
				signers = append(signers, agentSigners...)
			}
		}
	}

	home, _ := os.UserHomeDir()
	for _, keyFile := range []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_rsa"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
	} {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}

	var auth []ssh.AuthMethod
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}
	if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no SSH credentials available (no agent, no key files, no password)")
	}

	knownHostsFile := opts.KnownHostsFile
	if knownHostsFile == "" {
		knownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	var hostKeyCallback ssh.HostKeyCallback
	if cb, err := knownhosts.New(knownHostsFile); err == nil {
		hostKeyCallback = cb
	} else {
		// Fall back to insecure if known_hosts can't be loaded
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}, nil
}
