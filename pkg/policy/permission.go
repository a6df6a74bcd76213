// Package policy decides whether an operation requested by a tool may run.
package policy

import (
	"fmt"
	"strings"
)

// Permission is the outcome of evaluating an operation. The zero value is unset.
// Defined permissions are ordered by strictness: Allow < Confirm < Deny.
type Permission int

const (
	// Allow lets the operation proceed immediately.
	Allow Permission = iota + 1
	// Confirm asks a human before proceeding.
	Confirm
	// Deny refuses the operation without running it.
	Deny
)

// String returns the lower-case name of the permission.
func (p Permission) String() string {
	switch p {
	case Allow:
		return "allow"
	case Confirm:
		return "confirm"
	case Deny:
		return "deny"
	default:
		return "unset"
	}
}

// Valid reports whether p is one of the defined permissions.
func (p Permission) Valid() bool {
	return p >= Allow && p <= Deny
}

// Stricter returns whichever of a and b is stricter.
func Stricter(a, b Permission) Permission {
	if a > b {
		return a
	}
	return b
}

// ParsePermission parses "allow", "confirm" or "deny" (case-insensitive).
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, nil
	case "confirm", "ask":
		return Confirm, nil
	case "deny":
		return Deny, nil
	default:
		return 0, fmt.Errorf("unknown permission %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Permission) UnmarshalText(text []byte) error {
	parsed, err := ParsePermission(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
