package policy

// Block reasons returned to the host. Stable identifiers — hosts match on
// them to shape error messages.
const (
	ReasonKillSwitch     = "kill_switch_activated"
	ReasonDenied         = "denied"
	ReasonNotInAllowList = "not_in_allow_list"
	ReasonDisconnected   = "disconnected_fail_safe"
	ReasonUnauthed       = "unauthenticated"
	ReasonNoPolicy       = "no_policy"
)

// Verdict is the outcome of a single tool-call decision.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Allow returns an allowing verdict.
func Allow() Verdict {
	return Verdict{Allowed: true}
}

// Block returns a blocking verdict with a stable reason identifier.
func Block(reason, message string) Verdict {
	return Verdict{Allowed: false, Reason: reason, Message: message}
}

// Decide evaluates a tool call against a snapshot. Pure function: no I/O,
// no side effects, safe for concurrent use on an immutable snapshot.
//
// Precedence (must not be reordered):
//  1. Kill switch active — blocks everything.
//  2. Any expanded name in the deny list — deny wins on every tie.
//  3. Non-empty allow list missing any expanded name.
//  4. Allow.
//
// The tool name is expanded through the alias table first, so a group name
// is blocked if any tool it denotes would be blocked.
func Decide(s *Snapshot, aliases AliasTable, tool string) Verdict {
	if s.KillSwitch.Active {
		return Block(ReasonKillSwitch, s.KillSwitch.Message)
	}

	names := aliases.Expand(tool)

	for _, name := range names {
		if contains(s.Rules.Deny, name) {
			return Block(ReasonDenied, "")
		}
	}

	if len(s.Rules.Allow) > 0 {
		for _, name := range names {
			if !contains(s.Rules.Allow, name) {
				return Block(ReasonNotInAllowList, "")
			}
		}
	}

	return Allow()
}
