package policy

// AuditLevel controls which event fields the sidecar records.
type AuditLevel string

const (
	AuditFull     AuditLevel = "full"
	AuditMetadata AuditLevel = "metadata"
	AuditOff      AuditLevel = "off"
)

// Valid reports whether the level is one of the known values.
func (l AuditLevel) Valid() bool {
	switch l {
	case AuditFull, AuditMetadata, AuditOff:
		return true
	}
	return false
}

// ToolRules holds the allow/deny lists for tool names.
// An empty allow list means "everything not denied".
type ToolRules struct {
	Allow   []string `json:"allow"`
	Deny    []string `json:"deny"`
	Profile string   `json:"profile,omitempty"`
}

// SkillGrant identifies an organization-approved skill.
type SkillGrant struct {
	Name  string `json:"name"`
	Key   string `json:"key"`
	Scope string `json:"scope,omitempty"`
}

// KillSwitch is the organization-wide emergency block flag.
type KillSwitch struct {
	Active  bool   `json:"active"`
	Message string `json:"message,omitempty"`
}

// Snapshot is an immutable view of the effective policy at a given version.
// Never mutated in place — the runtime swaps the whole value atomically.
type Snapshot struct {
	Version        int64        `json:"version"`
	Rules          ToolRules    `json:"tool_rules"`
	SkillsApproved []SkillGrant `json:"skills_approved,omitempty"`
	KillSwitch     KillSwitch   `json:"kill_switch"`
	AuditLevel     AuditLevel   `json:"audit_level"`
}

// Normalize fills defaults for fields a remote payload may omit.
func (s *Snapshot) Normalize() {
	if !s.AuditLevel.Valid() {
		s.AuditLevel = AuditFull
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
