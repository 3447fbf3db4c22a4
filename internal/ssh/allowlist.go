package ssh

import (
	"regexp"
	"strings"
)

// allowedVirshCommands are the virsh subcommands power control needs.
var allowedVirshCommands = map[string]bool{
	"start":    true,
	"destroy":  true,
	"shutdown": true,
	"domstate": true,
	"dominfo":  true,
}

// domainRe matches libvirt domain names.
var domainRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// uriRe matches libvirt connection URIs such as qemu:///system.
var uriRe = regexp.MustCompile(`^[a-z0-9+]+://[a-zA-Z0-9@._:/-]*$`)

// shellMeta rejects anything a remote shell would interpret.
var shellMeta = regexp.MustCompile("[|&;<>`$()\\\\\"'*?{}\\[\\]~\n]")

// IsCommandAllowed checks if a command is safe to execute remotely.
// It must have the form
//
//	virsh [--connect URI] SUBCOMMAND DOMAIN
//
// with an allowlisted subcommand and a plain domain name.
func IsCommandAllowed(cmd string) bool {
	trimmed := strings.TrimSpace(cmd)

	// Check blocked characters first (defense in depth)
	if shellMeta.MatchString(trimmed) {
		return false
	}

	fields := strings.Fields(trimmed)
	if len(fields) < 3 || fields[0] != "virsh" {
		return false
	}
	fields = fields[1:]

	if fields[0] == "--connect" || fields[0] == "-c" {
		if len(fields) < 2 || !uriRe.MatchString(fields[1]) {
			return false
		}
		fields = fields[2:]
	}

	if len(fields) != 2 {
		return false
	}
	return allowedVirshCommands[fields[0]] && domainRe.MatchString(fields[1]) && len(fields[1]) <= 253
}

// VirshCommand builds an allowlisted virsh command line.
func VirshCommand(uri, subcommand, domain string) string {
	if uri == "" {
		return "virsh " + subcommand + " " + domain
	}
	return "virsh --connect " + uri + " " + subcommand + " " + domain
}
