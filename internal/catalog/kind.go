package catalog

import (
	"fmt"
	"net"
)

// Kind identifies how a power parameter is entered and checked.
type Kind string

const (
	KindString     Kind = "string"
	KindChoice     Kind = "choice"
	KindMACAddress Kind = "mac_address"
	KindPassword   Kind = "password"
)

// Kinds lists every recognized kind, in schema order.
var Kinds = []Kind{KindString, KindChoice, KindMACAddress, KindPassword}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown field kind %q", s)
}

// Secret reports whether values of this kind must be masked in output.
func (k Kind) Secret() bool {
	return k == KindPassword
}

// check validates value against the rules of kind k for field f.
// Empty values are handled by the caller (required / default logic).
func (k Kind) check(f Field, value string) error {
	switch k {
	case KindString, KindPassword:
		return nil
	case KindMACAddress:
		if _, err := net.ParseMAC(value); err != nil {
			return fmt.Errorf("%q is not a valid MAC address", value)
		}
		return nil
	case KindChoice:
		if !f.hasChoice(value) {
			return fmt.Errorf("%q is not one of the available choices", value)
		}
		return nil
	default:
		return fmt.Errorf("unknown field kind %q", k)
	}
}
