package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/policy"
)

func testSession() Session {
	return Session{AccessToken: "tok", OrgID: "org-1", UserID: "user-1"}
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.SetSession(testSession())
	return c, srv
}

func TestFetchPolicy(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orgs/org-1/effective-policy" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		if got := r.URL.Query().Get("user"); got != "user-1" {
			t.Errorf("user param = %q", got)
		}
		json.NewEncoder(w).Encode(policy.Snapshot{
			Version: 9,
			Rules:   policy.ToolRules{Deny: []string{"exec"}},
		})
	}))

	snap, err := c.FetchPolicy(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Version != 9 {
		t.Errorf("version = %d, want 9", snap.Version)
	}
	if snap.AuditLevel != policy.AuditFull {
		t.Errorf("audit level not defaulted: %q", snap.AuditLevel)
	}
}

func TestUnauthorizedMapsToErrUnauthenticated(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	if _, err := c.Status(context.Background(), 0); err != ErrUnauthenticated {
		t.Errorf("status err = %v, want ErrUnauthenticated", err)
	}
	if _, err := c.SendEvents(context.Background(), nil); err != ErrUnauthenticated {
		t.Errorf("send err = %v, want ErrUnauthenticated", err)
	}
}

func TestMissingSessionFailsFast(t *testing.T) {
	called := false
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	c.SetSession(Session{})

	if _, err := c.FetchPolicy(context.Background()); err != ErrUnauthenticated {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
	if called {
		t.Error("no request should leave without a session")
	}
}

func TestStatusCarriesKnownVersion(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("known_version"); got != "12" {
			t.Errorf("known_version = %q, want 12", got)
		}
		json.NewEncoder(w).Encode(StatusResponse{
			PolicyVersion: 13,
			RefreshNeeded: true,
		})
	}))

	resp, err := c.Status(context.Background(), 12)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.PolicyVersion != 13 || !resp.RefreshNeeded {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSendEvents(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []audit.Event `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode batch: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]int{"ingested": len(body.Events)})
	}))

	events := []audit.Event{
		audit.NewEvent(audit.TypeToolOutcome, "ok"),
		audit.NewEvent(audit.TypeToolOutcome, "blocked"),
	}
	n, err := c.SendEvents(context.Background(), events)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 2 {
		t.Errorf("ingested = %d, want 2", n)
	}
}

func TestOpenStream(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: connected\ndata: {}\n\n"))
	}))

	body, err := c.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer body.Close()

	line, err := bufio.NewReader(body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "event: connected\n" {
		t.Errorf("first line = %q", line)
	}
}

func TestSessionExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	s := NewSession(signed, "", "org-1", "user-1")
	if s.ExpiresAt.Unix() != exp.Unix() {
		t.Errorf("expiry = %v, want %v", s.ExpiresAt, exp)
	}
	if !s.Valid(time.Now()) {
		t.Error("session with future expiry should be valid")
	}
	if s.Valid(exp.Add(time.Minute)) {
		t.Error("session past expiry should be invalid")
	}
}

func TestSessionWithoutExpiry(t *testing.T) {
	s := NewSession("opaque-token", "", "org-1", "user-1")
	if !s.ExpiresAt.IsZero() {
		t.Errorf("opaque token should carry no expiry, got %v", s.ExpiresAt)
	}
	if !s.Valid(time.Now()) {
		t.Error("opaque token should be treated as valid")
	}

	if (Session{}).Valid(time.Now()) {
		t.Error("empty session must be invalid")
	}
}
