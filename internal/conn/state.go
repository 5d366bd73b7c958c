// Package conn aggregates heartbeat outcomes into a small connection state
// machine. The state decides whether enforcement fails open or closed when
// the control plane is unreachable.
package conn

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the sidecar's view of its link to the control plane.
type State string

const (
	// Unauthenticated means no valid session exists. Terminal until the
	// host re-authenticates; no policy can be trusted or fetched.
	Unauthenticated State = "unauthenticated"
	// Connected means the last heartbeat succeeded.
	Connected State = "connected"
	// Degraded means some heartbeats failed but the threshold has not
	// been reached. Enforcement continues on the current snapshot.
	Degraded State = "degraded"
	// Disconnected means consecutive failures reached the threshold.
	// The configured offline mode decides fail-open vs fail-closed.
	Disconnected State = "disconnected"
)

// Status is a point-in-time copy of the tracker's fields.
type Status struct {
	State                 State
	ConsecutiveFailures   int
	LastHeartbeat         time.Time
	CachedPolicyFetchedAt time.Time
}

// Tracker owns the connection state. Heartbeat outcomes and explicit
// unauthenticated marking are the only transitions.
type Tracker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	lastBeat  time.Time
	fetchedAt time.Time

	logger       *zap.Logger
	onTransition func(from, to State)
}

// NewTracker creates a Tracker that trips to Disconnected after threshold
// consecutive failures. onTransition, if non-nil, is invoked outside the
// lock for every state change.
func NewTracker(threshold int, logger *zap.Logger, onTransition func(from, to State)) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		state:        Connected,
		threshold:    threshold,
		logger:       logger.Named("conn"),
		onTransition: onTransition,
	}
}

// RecordSuccess transitions to Connected and resets the failure count.
// A single success reverts even a long-disconnected tracker.
func (t *Tracker) RecordSuccess(at time.Time) {
	t.mu.Lock()
	t.failures = 0
	t.lastBeat = at
	from := t.state
	t.state = Connected
	t.mu.Unlock()

	t.notify(from, Connected)
}

// RecordFailure increments the failure count and degrades the state.
// Ignored while Unauthenticated — no amount of network failure changes the
// fact that there is no identity.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	if t.state == Unauthenticated {
		t.mu.Unlock()
		return
	}
	t.failures++
	from := t.state
	if t.failures >= t.threshold {
		t.state = Disconnected
	} else {
		t.state = Degraded
	}
	to := t.state
	t.mu.Unlock()

	t.notify(from, to)
}

// MarkUnauthenticated records that the session token was rejected or has
// expired. Terminal until MarkAuthenticated.
func (t *Tracker) MarkUnauthenticated() {
	t.mu.Lock()
	from := t.state
	t.state = Unauthenticated
	t.mu.Unlock()

	t.notify(from, Unauthenticated)
}

// MarkAuthenticated re-arms the tracker after external re-authentication.
// The next heartbeat outcome decides the real state; until then the tracker
// reports Degraded rather than claiming a connection it has not verified.
func (t *Tracker) MarkAuthenticated() {
	t.mu.Lock()
	if t.state != Unauthenticated {
		t.mu.Unlock()
		return
	}
	t.failures = 0
	t.state = Degraded
	t.mu.Unlock()

	t.notify(Unauthenticated, Degraded)
}

// SetCachedPolicyFetchedAt records when the current snapshot was fetched,
// for the diagnostics summary.
func (t *Tracker) SetCachedPolicyFetchedAt(at time.Time) {
	t.mu.Lock()
	t.fetchedAt = at
	t.mu.Unlock()
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot returns a copy of all tracked fields.
func (t *Tracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		State:                 t.state,
		ConsecutiveFailures:   t.failures,
		LastHeartbeat:         t.lastBeat,
		CachedPolicyFetchedAt: t.fetchedAt,
	}
}

func (t *Tracker) notify(from, to State) {
	if from == to {
		return
	}
	t.logger.Info("connection state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if t.onTransition != nil {
		t.onTransition(from, to)
	}
}
