package policy

import "testing"

func snap(allow, deny []string) *Snapshot {
	return &Snapshot{
		Version:    7,
		Rules:      ToolRules{Allow: allow, Deny: deny},
		AuditLevel: AuditFull,
	}
}

func TestKillSwitchBlocksEverything(t *testing.T) {
	s := snap([]string{"exec"}, nil)
	s.KillSwitch = KillSwitch{Active: true, Message: "incident response"}

	for _, tool := range []string{"exec", "read", "anything"} {
		v := Decide(s, nil, tool)
		if v.Allowed {
			t.Errorf("kill switch active: expected Block for %q, got Allow", tool)
		}
		if v.Reason != ReasonKillSwitch {
			t.Errorf("expected reason %s, got %s", ReasonKillSwitch, v.Reason)
		}
		if v.Message != "incident response" {
			t.Errorf("expected kill switch message passed through, got %q", v.Message)
		}
	}
}

func TestDenyWinsOverAllow(t *testing.T) {
	s := snap([]string{"exec"}, []string{"exec"})

	v := Decide(s, nil, "exec")
	if v.Allowed {
		t.Fatal("expected Block when tool is in both allow and deny")
	}
	if v.Reason != ReasonDenied {
		t.Errorf("expected reason %s, got %s", ReasonDenied, v.Reason)
	}
}

func TestDefaultAllowWithEmptyAllowList(t *testing.T) {
	s := snap(nil, []string{"exec"})

	if v := Decide(s, nil, "read"); !v.Allowed {
		t.Errorf("empty allow list, tool not denied: expected Allow, got Block(%s)", v.Reason)
	}
}

func TestAllowListExcludesUnlisted(t *testing.T) {
	s := snap([]string{"read", "search"}, nil)

	if v := Decide(s, nil, "read"); !v.Allowed {
		t.Errorf("expected Allow for listed tool, got Block(%s)", v.Reason)
	}
	v := Decide(s, nil, "exec")
	if v.Allowed {
		t.Fatal("expected Block for unlisted tool with non-empty allow list")
	}
	if v.Reason != ReasonNotInAllowList {
		t.Errorf("expected reason %s, got %s", ReasonNotInAllowList, v.Reason)
	}
}

func TestDenyExecScenario(t *testing.T) {
	s := snap(nil, []string{"exec"})

	v := Decide(s, nil, "exec")
	if v.Allowed || v.Reason != ReasonDenied {
		t.Errorf(`decide("exec") = %+v, expected Block(denied)`, v)
	}
	if v := Decide(s, nil, "read"); !v.Allowed {
		t.Errorf(`decide("read") = %+v, expected Allow`, v)
	}
}

func TestAliasExpansionDenyWins(t *testing.T) {
	aliases := AliasTable{
		"shell_tools": {"exec", "spawn"},
	}
	// "spawn" is denied; the group name must be blocked even though
	// "exec" is individually allowed.
	s := snap([]string{"exec", "spawn"}, []string{"spawn"})

	v := Decide(s, aliases, "shell_tools")
	if v.Allowed {
		t.Fatal("expected Block: one expanded member is denied")
	}
	if v.Reason != ReasonDenied {
		t.Errorf("expected reason %s, got %s", ReasonDenied, v.Reason)
	}
}

func TestAliasExpansionAllRequiredInAllowList(t *testing.T) {
	aliases := AliasTable{
		"file_tools": {"file_read", "file_write"},
	}
	s := snap([]string{"file_read"}, nil)

	v := Decide(s, aliases, "file_tools")
	if v.Allowed {
		t.Fatal("expected Block: expanded member missing from allow list")
	}
	if v.Reason != ReasonNotInAllowList {
		t.Errorf("expected reason %s, got %s", ReasonNotInAllowList, v.Reason)
	}

	s = snap([]string{"file_read", "file_write"}, nil)
	if v := Decide(s, aliases, "file_tools"); !v.Allowed {
		t.Errorf("expected Allow when all expanded members listed, got Block(%s)", v.Reason)
	}
}

func TestUnknownNameExpandsToItself(t *testing.T) {
	aliases := AliasTable{"group": {"a", "b"}}

	got := aliases.Expand("solo")
	if len(got) != 1 || got[0] != "solo" {
		t.Errorf("expected self-expansion, got %v", got)
	}
}

func TestNilAliasTable(t *testing.T) {
	var aliases AliasTable

	got := aliases.Expand("read")
	if len(got) != 1 || got[0] != "read" {
		t.Errorf("nil table should self-expand, got %v", got)
	}
}
