// Package controlplane is the HTTP client for the remote control plane:
// effective-policy fetch, heartbeat status, the SSE event stream, and audit
// ingest. Every call authenticates with the current session token.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/policy"
)

// ErrUnauthenticated is returned when the session is missing, expired, or
// rejected by the control plane. Callers surface it as the Unauthenticated
// connection state.
var ErrUnauthenticated = errors.New("controlplane: unauthenticated")

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// StatusResponse is the heartbeat endpoint's payload.
type StatusResponse struct {
	PolicyVersion     int64  `json:"policy_version"`
	KillSwitch        bool   `json:"kill_switch"`
	KillSwitchMessage string `json:"kill_switch_message,omitempty"`
	RefreshNeeded     bool   `json:"refresh_needed"`
}

// Client talks to the control plane. Safe for concurrent use; the session
// is replaced wholesale under the mutex, never mutated.
type Client struct {
	base    *url.URL
	http    *http.Client
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker

	mu      sync.RWMutex
	session Session
}

// New creates a Client. The policy-fetch path runs behind a circuit breaker
// so a dead control plane fails fast instead of stacking up timeouts.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("controlplane: invalid base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "policy-fetch",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})

	return &Client{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Named("controlplane"),
		breaker: breaker,
	}, nil
}

// SetSession installs a new session (initial auth or refresh).
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// Session returns the current session.
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// FetchPolicy retrieves the effective policy snapshot. Bounded retry inside
// a circuit breaker; never called from the enforcement hot path.
func (c *Client) FetchPolicy(ctx context.Context) (*policy.Snapshot, error) {
	sess := c.Session()
	if !sess.Valid(time.Now()) {
		return nil, ErrUnauthenticated
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var snap *policy.Snapshot
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
		)
		retryErr := r.Do(func() error {
			var fetchErr error
			snap, fetchErr = c.fetchPolicyOnce(ctx, sess)
			return fetchErr
		})
		return snap, retryErr
	})
	if err != nil {
		return nil, err
	}
	return result.(*policy.Snapshot), nil
}

func (c *Client) fetchPolicyOnce(ctx context.Context, sess Session) (*policy.Snapshot, error) {
	u := c.endpoint(sess.OrgID, "effective-policy")
	q := u.Query()
	q.Set("user", sess.UserID)
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u, sess)
	if err != nil {
		return nil, err
	}

	var snap policy.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("controlplane: parse policy: %w", err)
	}
	snap.Normalize()
	return &snap, nil
}

// Status performs one heartbeat call, reporting the locally known policy
// version so the control plane can flag drift.
func (c *Client) Status(ctx context.Context, knownVersion int64) (StatusResponse, error) {
	sess := c.Session()
	if !sess.Valid(time.Now()) {
		return StatusResponse{}, ErrUnauthenticated
	}

	u := c.endpoint(sess.OrgID, "status")
	q := u.Query()
	q.Set("user", sess.UserID)
	if knownVersion > 0 {
		q.Set("known_version", strconv.FormatInt(knownVersion, 10))
	}
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u, sess)
	if err != nil {
		return StatusResponse{}, err
	}

	var resp StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return StatusResponse{}, fmt.Errorf("controlplane: parse status: %w", err)
	}
	return resp, nil
}

// SendEvents posts a batch of audit events. At-least-once: the caller
// requeues on error.
func (c *Client) SendEvents(ctx context.Context, events []audit.Event) (int, error) {
	sess := c.Session()
	if !sess.Valid(time.Now()) {
		return 0, ErrUnauthenticated
	}

	payload, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return 0, fmt.Errorf("controlplane: marshal events: %w", err)
	}

	u := c.endpoint(sess.OrgID, "audit-events")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return 0, ErrUnauthenticated
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("controlplane: audit ingest: HTTP %d", resp.StatusCode)
	}

	var out struct {
		Ingested int `json:"ingested"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("controlplane: parse ingest response: %w", err)
	}
	return out.Ingested, nil
}

// OpenStream connects to the SSE event stream. The returned body stays open
// until the server closes it or ctx is cancelled; the push client owns the
// read loop and reconnects.
func (c *Client) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	sess := c.Session()
	if !sess.Valid(time.Now()) {
		return nil, ErrUnauthenticated
	}

	u := c.endpoint(sess.OrgID, "events")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)

	// No client-level timeout: this connection is meant to live forever.
	transport := c.http.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	resp, err := transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("controlplane: stream connect: HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) endpoint(orgID string, parts ...string) *url.URL {
	u := *c.base
	u.Path, _ = url.JoinPath(u.Path, append([]string{"api", "v1", "orgs", orgID}, parts...)...)
	return &u
}

func (c *Client) get(ctx context.Context, u *url.URL, sess Session) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("controlplane: %s: HTTP %d", u.Path, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}
