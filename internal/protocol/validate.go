package protocol

import (
	"fmt"
	"regexp"
)

// Allowed commands.
var allowedCommands = map[string]bool{
	CommandPowerOn: true, CommandPowerOff: true, CommandPowerQuery: true, CommandDescribePowerTypes: true,
}

// nameRe matches valid cluster ids, system ids, hostnames and power type names.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

const maxNameLen = 253

// ValidateCommand checks that command is one the rack serves.
func ValidateCommand(command string) error {
	if !allowedCommands[command] {
		return fmt.Errorf("invalid command: %q", command)
	}
	return nil
}

// ValidateClusterID checks a cluster id announced in rack.hello.
func ValidateClusterID(id string) error {
	if id == "" {
		return fmt.Errorf("cluster id is required")
	}
	return validateName("cluster", id)
}

// ValidatePowerArgs checks that identifying fields contain safe, expected
// values. Power parameters in Context are validated against the driver's
// fields by the rack, not here. An empty power type is allowed.
func ValidatePowerArgs(a *PowerArgs) error {
	if a == nil {
		return fmt.Errorf("missing power arguments")
	}
	if a.SystemID == "" {
		return fmt.Errorf("system id is required")
	}

	for field, val := range map[string]string{
		"system":     a.SystemID,
		"host":       a.Hostname,
		"power type": a.PowerType,
	} {
		if val == "" {
			continue
		}
		if err := validateName(field, val); err != nil {
			return err
		}
	}

	return nil
}

func validateName(field, val string) error {
	if len(val) > maxNameLen {
		return fmt.Errorf("%s name too long (%d chars, max %d)", field, len(val), maxNameLen)
	}
	if !nameRe.MatchString(val) {
		return fmt.Errorf("invalid %s name: %q", field, val)
	}
	return nil
}
