package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardenlabs/warden/internal/policy"
)

func testSnapshot() *policy.Snapshot {
	return &policy.Snapshot{
		Version:    42,
		Rules:      policy.ToolRules{Deny: []string{"exec"}},
		AuditLevel: policy.AuditFull,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "policy.json"))

	if err := s.Save(testSnapshot(), time.Now()); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, ok := s.Load(time.Hour)
	if !ok {
		t.Fatal("expected cache hit for fresh record")
	}
	if rec.Snapshot.Version != 42 {
		t.Errorf("expected version 42, got %d", rec.Snapshot.Version)
	}
	if len(rec.Snapshot.Rules.Deny) != 1 || rec.Snapshot.Rules.Deny[0] != "exec" {
		t.Errorf("deny list not preserved: %v", rec.Snapshot.Rules.Deny)
	}
}

func TestTTLBoundary(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "policy.json"))
	ttl := time.Minute

	// Just inside the TTL.
	if err := s.Save(testSnapshot(), time.Now().Add(-(ttl - time.Millisecond))); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := s.Load(ttl); !ok {
		t.Error("expected hit at age = ttl - 1ms")
	}

	// Just past the TTL.
	if err := s.Save(testSnapshot(), time.Now().Add(-(ttl + time.Millisecond))); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := s.Load(ttl); ok {
		t.Error("expected miss at age = ttl + 1ms")
	}
}

func TestLoadStaleIgnoresTTL(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "policy.json"))

	if err := s.Save(testSnapshot(), time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, ok := s.Load(time.Minute); ok {
		t.Fatal("expected TTL miss for day-old record")
	}
	rec, ok := s.LoadStale()
	if !ok {
		t.Fatal("expected stale load to succeed")
	}
	if rec.Snapshot.Version != 42 {
		t.Errorf("stale record version = %d, want 42", rec.Snapshot.Version)
	}
}

func TestCorruptFileIsMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	s := New(path)
	if _, ok := s.Load(time.Hour); ok {
		t.Error("corrupt file should be a miss")
	}
	if _, ok := s.LoadStale(); ok {
		t.Error("corrupt file should be a stale miss too")
	}
}

func TestMissingFileIsMiss(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope", "policy.json"))
	if _, ok := s.Load(time.Hour); ok {
		t.Error("missing file should be a miss")
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "policy.json"))

	if err := s.Save(testSnapshot(), time.Now()); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSaveOverwritesPrevious(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "policy.json"))

	first := testSnapshot()
	if err := s.Save(first, time.Now()); err != nil {
		t.Fatal(err)
	}

	second := testSnapshot()
	second.Version = 43
	if err := s.Save(second, time.Now()); err != nil {
		t.Fatal(err)
	}

	rec, ok := s.Load(time.Hour)
	if !ok {
		t.Fatal("expected hit")
	}
	if rec.Snapshot.Version != 43 {
		t.Errorf("expected newest version 43, got %d", rec.Snapshot.Version)
	}
}
