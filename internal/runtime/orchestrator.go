// Package runtime composes the policy snapshot, connection tracker,
// heartbeat, push stream, and audit buffer into one governed lifecycle. The
// enforcement path reads an atomic snapshot pointer and never touches the
// network.
package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/cache"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/conn"
	"github.com/wardenlabs/warden/internal/controlplane"
	"github.com/wardenlabs/warden/internal/heartbeat"
	"github.com/wardenlabs/warden/internal/metrics"
	"github.com/wardenlabs/warden/internal/policy"
	"github.com/wardenlabs/warden/internal/push"
)

// PolicySource fetches the effective policy snapshot.
type PolicySource interface {
	FetchPolicy(ctx context.Context) (*policy.Snapshot, error)
}

// Options wires the orchestrator's collaborators. The control-plane client
// satisfies Policies, Status, and Sink; tests substitute fakes.
type Options struct {
	Config   *config.Config
	Policies PolicySource
	Status   heartbeat.StatusClient
	Stream   push.ConnectFunc
	Sink     audit.Sink
	Mirror   *audit.Mirror
	Cache    *cache.Store
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// killState is the push/heartbeat-delivered kill switch overlay. It takes
// effect immediately, ahead of the next snapshot fetch.
type killState struct {
	Active  bool
	Message string
}

// Summary is the diagnostics view of the whole sidecar.
type Summary struct {
	State               conn.State `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastHeartbeat       time.Time  `json:"last_heartbeat,omitzero"`
	PolicyVersion       int64      `json:"policy_version"`
	PolicyFetchedAt     time.Time  `json:"policy_fetched_at,omitzero"`
	KillSwitch          bool       `json:"kill_switch"`
	KillSwitchMessage   string     `json:"kill_switch_message,omitempty"`
	OfflineMode         string     `json:"offline_mode"`
	AuditQueued         int        `json:"audit_queued"`
	AuditDropped        uint64     `json:"audit_dropped"`
	PushConnected       bool       `json:"push_connected"`
}

// Orchestrator owns the sidecar's moving parts.
type Orchestrator struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	policies PolicySource
	cache    *cache.Store

	snapshot    atomic.Pointer[policy.Snapshot]
	kill        atomic.Pointer[killState]
	aliases     atomic.Pointer[policy.AliasTable]
	offlineMode atomic.Pointer[string]

	tracker *conn.Tracker
	beat    *heartbeat.Scheduler
	pusher  *push.Client
	buffer  *audit.Buffer

	refreshCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
}

// New builds an Orchestrator from its collaborators. Call Start to load the
// cache and launch the background workers.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:       opts.Config,
		logger:    logger.Named("runtime"),
		metrics:   opts.Metrics,
		policies:  opts.Policies,
		cache:     opts.Cache,
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	o.kill.Store(&killState{})
	aliases := policy.AliasTable{}
	o.aliases.Store(&aliases)
	mode := opts.Config.Enforcement.OfflineMode
	o.offlineMode.Store(&mode)

	o.tracker = conn.NewTracker(opts.Config.Heartbeat.FailureThreshold, logger, o.onTransition)

	o.buffer = audit.NewBuffer(audit.Config{
		Capacity:        opts.Config.Audit.Capacity,
		FlushSize:       opts.Config.Audit.FlushSize,
		FlushInterval:   opts.Config.Audit.FlushInterval,
		ShutdownTimeout: opts.Config.Audit.ShutdownTimeout,
	}, opts.Sink, opts.Mirror, logger, opts.Metrics)

	o.beat = heartbeat.New(heartbeat.Config{
		Interval:        opts.Config.Heartbeat.Interval,
		KnownVersion:    o.PolicyVersion,
		OnKillSwitch:    o.ApplyKillSwitch,
		OnRefreshNeeded: o.RequestRefresh,
	}, opts.Status, o.tracker, logger, opts.Metrics)

	if opts.Config.Push.Enabled && opts.Stream != nil {
		o.pusher = push.NewClient(opts.Stream, push.Handlers{
			OnKillSwitch:    o.ApplyKillSwitch,
			OnPolicyUpdated: o.RequestRefresh,
		}, logger, opts.Metrics)
	}

	return o
}

// Start loads the cached snapshot, attempts a cold-start fetch, and launches
// the workers. A failed cold start is not fatal: enforcement proceeds on the
// cache or fails closed.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.cache != nil {
		if rec, ok := o.cache.Load(o.cfg.Cache.TTL); ok {
			o.installSnapshot(&rec.Snapshot, rec.FetchedAt, false)
			o.logger.Info("policy loaded from cache",
				zap.Int64("version", rec.Snapshot.Version),
				zap.Duration("age", rec.Age(time.Now())))
		} else if stale, ok := o.cache.LoadStale(); ok {
			o.logger.Warn("cached policy expired, refetch required",
				zap.Int64("version", stale.Snapshot.Version),
				zap.Duration("age", stale.Age(time.Now())))
		}
	}

	if o.snapshot.Load() == nil {
		o.refreshOnce(ctx)
	} else {
		o.RequestRefresh()
	}

	o.buffer.Start()
	o.beat.Start()
	if o.pusher != nil {
		o.pusher.Start()
	}
	go o.refreshLoop()
}

// Stop shuts the workers down in dependency order: heartbeat and push first
// so no new refreshes arrive, the audit buffer last so their final events
// make the flush.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.beat.Stop()
		if o.pusher != nil {
			o.pusher.Stop()
		}
		close(o.stopCh)
		<-o.doneCh
		o.buffer.Stop()
	})
}

// Decide evaluates one tool call against the current snapshot and records
// the decision. Pure in-memory: safe on the hot path.
func (o *Orchestrator) Decide(tool, agentID, sessionKey string) policy.Verdict {
	verdict := o.decide(tool)
	o.recordDecision(tool, agentID, sessionKey, verdict)
	if o.metrics != nil {
		outcome := "allow"
		if !verdict.Allowed {
			outcome = "block"
		}
		o.metrics.DecisionsTotal.WithLabelValues(outcome, verdict.Reason).Inc()
	}
	return verdict
}

func (o *Orchestrator) decide(tool string) policy.Verdict {
	// The pushed kill switch wins over everything, including a stale
	// snapshot that predates it.
	if ks := o.kill.Load(); ks.Active {
		return policy.Block(policy.ReasonKillSwitch, ks.Message)
	}

	snap := o.snapshot.Load()
	if snap != nil {
		return policy.Decide(snap, *o.aliases.Load(), tool)
	}

	// No usable snapshot: the connection state decides the fallback.
	switch o.tracker.State() {
	case conn.Unauthenticated:
		return policy.Block(policy.ReasonUnauthed, "no valid session")
	case conn.Disconnected:
		if *o.offlineMode.Load() == config.OfflineAllow {
			return policy.Allow()
		}
		return policy.Block(policy.ReasonDisconnected, "control plane unreachable")
	default:
		return policy.Block(policy.ReasonNoPolicy, "no policy available yet")
	}
}

// RecordOutcome reports the result of a tool call the host went on to
// execute.
func (o *Orchestrator) RecordOutcome(tool, agentID, sessionKey, outcome string, metadata map[string]any) {
	e := audit.NewEvent(audit.TypeToolOutcome, outcome)
	e.ToolName = tool
	e.AgentID = agentID
	e.SessionKey = sessionKey
	e.Metadata = metadata
	o.enqueue(e)
}

// ApplyKillSwitch installs the pushed kill-switch overlay and, on a state
// change, records it and schedules a snapshot refresh.
func (o *Orchestrator) ApplyKillSwitch(active bool, message string) {
	prev := o.kill.Load()
	if prev.Active == active && prev.Message == message {
		return
	}
	o.kill.Store(&killState{Active: active, Message: message})

	outcome := "cleared"
	if active {
		outcome = "activated"
	}
	o.logger.Warn("kill switch "+outcome, zap.String("message", message))

	e := audit.NewEvent(audit.TypeKillSwitch, outcome)
	e.Metadata = map[string]any{"message": message}
	o.enqueue(e)

	o.RequestRefresh()
}

// RequestRefresh schedules an out-of-band policy fetch. Coalesces: a refresh
// already pending absorbs the request.
func (o *Orchestrator) RequestRefresh() {
	select {
	case o.refreshCh <- struct{}{}:
	default:
	}
}

// SetAliases swaps the alias table, e.g. after a config reload.
func (o *Orchestrator) SetAliases(t policy.AliasTable) {
	if t == nil {
		t = policy.AliasTable{}
	}
	o.aliases.Store(&t)
}

// SetOfflineMode swaps the disconnected fallback behavior.
func (o *Orchestrator) SetOfflineMode(mode string) {
	o.offlineMode.Store(&mode)
}

// MarkUnauthenticated records that no usable session exists.
func (o *Orchestrator) MarkUnauthenticated() { o.tracker.MarkUnauthenticated() }

// MarkAuthenticated re-arms the tracker after the host re-authenticates.
func (o *Orchestrator) MarkAuthenticated() {
	o.tracker.MarkAuthenticated()
	o.RequestRefresh()
}

// PolicyVersion returns the current snapshot's version, 0 when none.
func (o *Orchestrator) PolicyVersion() int64 {
	if snap := o.snapshot.Load(); snap != nil {
		return snap.Version
	}
	return 0
}

// Status assembles the diagnostics summary.
func (o *Orchestrator) Status() Summary {
	st := o.tracker.Snapshot()
	ks := o.kill.Load()
	stats := o.buffer.Stats()

	s := Summary{
		State:               st.State,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastHeartbeat:       st.LastHeartbeat,
		PolicyVersion:       o.PolicyVersion(),
		PolicyFetchedAt:     st.CachedPolicyFetchedAt,
		KillSwitch:          ks.Active,
		KillSwitchMessage:   ks.Message,
		OfflineMode:         *o.offlineMode.Load(),
		AuditQueued:         stats.Queued,
		AuditDropped:        stats.Dropped,
	}
	if o.pusher != nil {
		s.PushConnected = o.pusher.Connected()
	}

	snap := o.snapshot.Load()
	if !ks.Active && snap != nil && snap.KillSwitch.Active {
		s.KillSwitch = true
		s.KillSwitchMessage = snap.KillSwitch.Message
	}
	return s
}

func (o *Orchestrator) refreshLoop() {
	defer close(o.doneCh)
	for {
		select {
		case <-o.refreshCh:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			o.refreshOnce(ctx)
			cancel()
		case <-o.stopCh:
			return
		}
	}
}

// refreshOnce fetches the effective policy and swaps it in. Fetch failures
// leave the previous snapshot untouched.
func (o *Orchestrator) refreshOnce(ctx context.Context) {
	snap, err := o.policies.FetchPolicy(ctx)
	if err != nil {
		if errors.Is(err, controlplane.ErrUnauthenticated) {
			o.tracker.MarkUnauthenticated()
		}
		o.logger.Warn("policy fetch failed", zap.Error(err))
		return
	}
	o.installSnapshot(snap, time.Now(), true)
	o.logger.Info("policy snapshot installed", zap.Int64("version", snap.Version))
}

// installSnapshot swaps the snapshot pointer and syncs the derived state.
// persist controls whether the cache file is rewritten (a cache load is not
// re-persisted).
func (o *Orchestrator) installSnapshot(snap *policy.Snapshot, fetchedAt time.Time, persist bool) {
	snap.Normalize()
	o.snapshot.Store(snap)
	o.tracker.SetCachedPolicyFetchedAt(fetchedAt)

	// A freshly fetched snapshot is authoritative for the kill switch; it
	// supersedes any pushed overlay.
	if persist {
		o.kill.Store(&killState{Active: snap.KillSwitch.Active, Message: snap.KillSwitch.Message})
		if o.cache != nil {
			if err := o.cache.Save(snap, fetchedAt); err != nil {
				o.logger.Warn("policy cache write failed", zap.Error(err))
			}
		}
	}
}

// onTransition records connection state changes as audit events.
func (o *Orchestrator) onTransition(from, to conn.State) {
	if o.metrics != nil {
		o.metrics.SetConnectionState(string(to))
	}
	e := audit.NewEvent(audit.TypeConnState, string(to))
	e.Metadata = map[string]any{"from": string(from), "to": string(to)}
	o.enqueue(e)
}

func (o *Orchestrator) recordDecision(tool, agentID, sessionKey string, v policy.Verdict) {
	outcome := "allow"
	if !v.Allowed {
		outcome = "block"
	}
	e := audit.NewEvent(audit.TypeToolDecision, outcome)
	e.ToolName = tool
	e.AgentID = agentID
	e.SessionKey = sessionKey
	if v.Reason != "" {
		e.Metadata = map[string]any{"reason": v.Reason}
	}
	o.enqueue(e)
}

// enqueue applies the snapshot's audit level, then hands the event to the
// buffer.
func (o *Orchestrator) enqueue(e audit.Event) {
	level := policy.AuditFull
	if snap := o.snapshot.Load(); snap != nil {
		level = snap.AuditLevel
	}
	if o.cfg.Audit.AgentID != "" && e.AgentID == "" {
		e.AgentID = o.cfg.Audit.AgentID
	}
	filtered, ok := audit.ApplyLevel(e, level)
	if !ok {
		return
	}
	o.buffer.Enqueue(filtered)
}
