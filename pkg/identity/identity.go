// Package identity implements the tagged identity variant used by the
// encryption envelope (C3) and permission predicate (C11): self, app, time,
// role, and cond. Identities serialise to the fixed textual format in spec §6
// and are the unit both components pattern-match on.
package identity

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes the five identity variants.
type Kind int

const (
	Self Kind = iota
	App
	Time
	Role
	Cond
)

func (k Kind) String() string {
	switch k {
	case Self:
		return "self"
	case App:
		return "app"
	case Time:
		return "time"
	case Role:
		return "role"
	case Cond:
		return "cond"
	default:
		return "unknown"
	}
}

// Identity is a structured identity string as defined in spec §4.3/§6.
// Exactly the fields relevant to Kind are meaningful; the zero value is not a
// valid identity.
type Identity struct {
	Kind Kind

	// Address is the user_address present in every variant.
	Address string

	// Target is the requesting_app_address, used only by App.
	Target string

	// UnlockMS is the unlock_ms epoch-millis value, used only by Time.
	UnlockMS int64

	// RoleID identifies the gating role, used only by Role.
	RoleID string

	// ConditionHash is the full condition hash; only its first 16 hex chars
	// are serialised, used only by Cond.
	ConditionHash string
}

// NewSelf builds a self(user_address) identity: owner-only.
func NewSelf(addr string) Identity {
	return Identity{Kind: Self, Address: addr}
}

// NewApp builds an app(user_address, requesting_app_address) identity.
func NewApp(addr, target string) Identity {
	return Identity{Kind: App, Address: addr, Target: target}
}

// NewTime builds a time(user_address, unlock_ms) identity.
func NewTime(addr string, unlockMS int64) Identity {
	return Identity{Kind: Time, Address: addr, UnlockMS: unlockMS}
}

// NewRole builds a role(user_address, role_id) identity.
func NewRole(addr, roleID string) Identity {
	return Identity{Kind: Role, Address: addr, RoleID: roleID}
}

// NewCond builds a cond(user_address, condition_hash) identity.
func NewCond(addr, conditionHash string) Identity {
	return Identity{Kind: Cond, Address: addr, ConditionHash: conditionHash}
}

// String renders the identity in the fixed textual format from spec §6.
func (id Identity) String() string {
	switch id.Kind {
	case Self:
		return fmt.Sprintf("self:%s", id.Address)
	case App:
		return fmt.Sprintf("app:%s:%s", id.Address, id.Target)
	case Time:
		return fmt.Sprintf("time:%s:%d", id.Address, id.UnlockMS)
	case Role:
		return fmt.Sprintf("role:%s:%s", id.Address, id.RoleID)
	case Cond:
		h := id.ConditionHash
		if len(h) > 16 {
			h = h[:16]
		}
		return fmt.Sprintf("cond:%s:%s", id.Address, h)
	default:
		return ""
	}
}

// Parse decodes the fixed textual format back into an [Identity].
func Parse(s string) (Identity, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return Identity{}, fmt.Errorf("identity: malformed string %q", s)
	}
	addr := parts[1]

	switch parts[0] {
	case "self":
		return NewSelf(addr), nil
	case "app":
		if len(parts) != 3 {
			return Identity{}, fmt.Errorf("identity: app requires address and target: %q", s)
		}
		return NewApp(addr, parts[2]), nil
	case "time":
		if len(parts) != 3 {
			return Identity{}, fmt.Errorf("identity: time requires address and unlock_ms: %q", s)
		}
		ms, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("identity: invalid unlock_ms in %q: %w", s, err)
		}
		return NewTime(addr, ms), nil
	case "role":
		if len(parts) != 3 {
			return Identity{}, fmt.Errorf("identity: role requires address and role_id: %q", s)
		}
		return NewRole(addr, parts[2]), nil
	case "cond":
		if len(parts) != 3 {
			return Identity{}, fmt.Errorf("identity: cond requires address and condition_hash: %q", s)
		}
		return NewCond(addr, parts[2]), nil
	default:
		return Identity{}, fmt.Errorf("identity: unknown variant %q in %q", parts[0], s)
	}
}
