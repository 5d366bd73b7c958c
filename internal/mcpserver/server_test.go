package mcpserver

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/cache"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/controlplane"
	"github.com/wardenlabs/warden/internal/policy"
	"github.com/wardenlabs/warden/internal/runtime"
)

type staticPolicies struct{ snap policy.Snapshot }

func (s staticPolicies) FetchPolicy(ctx context.Context) (*policy.Snapshot, error) {
	cp := s.snap
	return &cp, nil
}

type nullStatus struct{}

func (nullStatus) Status(ctx context.Context, knownVersion int64) (controlplane.StatusResponse, error) {
	return controlplane.StatusResponse{}, errors.New("not used")
}

type nullSink struct{}

func (nullSink) SendEvents(ctx context.Context, events []audit.Event) (int, error) {
	return len(events), nil
}

func newTestServer(t *testing.T, snap policy.Snapshot) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Path = filepath.Join(t.TempDir(), "policy.json")
	cfg.Push.Enabled = false
	cfg.Heartbeat.Interval = time.Hour
	cfg.Audit.FlushInterval = time.Hour

	orch := runtime.New(runtime.Options{
		Config:   cfg,
		Policies: staticPolicies{snap: snap},
		Status:   nullStatus{},
		Sink:     nullSink{},
		Cache:    cache.New(cfg.Cache.Path),
	})
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	return New(orch, "test", nil)
}

func TestCheckAllowed(t *testing.T) {
	s := newTestServer(t, policy.Snapshot{Version: 1})

	_, out, err := s.handleCheck(context.Background(), &mcpsdk.CallToolRequest{}, CheckInput{
		Tool: "read_file",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Allowed {
		t.Fatalf("expected allowed, got %+v", out)
	}
}

func TestCheckBlocked(t *testing.T) {
	s := newTestServer(t, policy.Snapshot{
		Version: 1,
		Rules:   policy.ToolRules{Deny: []string{"exec"}},
	})

	_, out, err := s.handleCheck(context.Background(), &mcpsdk.CallToolRequest{}, CheckInput{
		Tool: "exec",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Allowed || out.Reason != policy.ReasonDenied {
		t.Fatalf("expected denied, got %+v", out)
	}
}

func TestReportAndStatus(t *testing.T) {
	s := newTestServer(t, policy.Snapshot{Version: 4})

	_, rep, err := s.handleReport(context.Background(), &mcpsdk.CallToolRequest{}, ReportInput{
		Tool:    "read_file",
		Outcome: "success",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rep.Recorded {
		t.Fatal("expected report to be recorded")
	}

	_, status, err := s.handleStatus(context.Background(), &mcpsdk.CallToolRequest{}, StatusInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.PolicyVersion != 4 {
		t.Fatalf("status version = %d, want 4", status.PolicyVersion)
	}
}
