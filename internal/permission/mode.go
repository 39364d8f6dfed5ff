// Package permission implements the three-level permission policy applied to
// agent tool calls: safe (read-only), ask (prompt for risky operations) and
// allow-all (everything except blacklisted tools).
package permission

// Mode is a permission policy level.
type Mode string

const (
	// ModeSafe blocks all mutating operations without prompting.
	ModeSafe Mode = "safe"
	// ModeAsk prompts for risky operations and auto-allows read-only ones.
	ModeAsk Mode = "ask"
	// ModeAllowAll allows everything except explicitly blacklisted tools.
	ModeAllowAll Mode = "allow-all"
)

// Valid reports whether m is one of the three known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeSafe, ModeAsk, ModeAllowAll:
		return true
	}
	return false
}

// Next returns the mode following m in the fixed cycle order
// ask -> allow-all -> safe -> ask. The order is deliberate: the cycle
// escalates once before dropping back to the most restrictive level.
func (m Mode) Next() Mode {
	switch m {
	case ModeAsk:
		return ModeAllowAll
	case ModeAllowAll:
		return ModeSafe
	case ModeSafe:
		return ModeAsk
	default:
		return ModeAsk
	}
}

// ParseMode converts a stored string into a Mode, defaulting to ask.
func ParseMode(s string) Mode {
	m := Mode(s)
	if !m.Valid() {
		return ModeAsk
	}
	return m
}
