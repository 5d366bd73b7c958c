// Package heartbeat polls the control plane's status endpoint on a fixed
// interval and feeds the outcomes to the connection tracker. One blocking
// network call per tick, on its own goroutine — never on the enforcement
// path.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenlabs/warden/internal/conn"
	"github.com/wardenlabs/warden/internal/controlplane"
	"github.com/wardenlabs/warden/internal/metrics"
)

// StatusClient is the slice of the control-plane client the scheduler uses.
type StatusClient interface {
	Status(ctx context.Context, knownVersion int64) (controlplane.StatusResponse, error)
}

// Config wires the scheduler's collaborators and tuning.
type Config struct {
	Interval     time.Duration
	CallTimeout  time.Duration
	KnownVersion func() int64 // current snapshot version, 0 when none

	// OnKillSwitch receives the kill-switch flag from each successful
	// heartbeat. OnRefreshNeeded fires when the control plane's policy
	// version differs from ours; the orchestrator fetches out of band.
	OnKillSwitch    func(active bool, message string)
	OnRefreshNeeded func()
}

// Scheduler runs the heartbeat loop.
type Scheduler struct {
	cfg     Config
	client  StatusClient
	tracker *conn.Tracker
	logger  *zap.Logger
	metrics *metrics.Metrics

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler.
func New(cfg Config, client StatusClient, tracker *conn.Tracker, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		client:  client,
		tracker: tracker,
		logger:  logger.Named("heartbeat"),
		metrics: m,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the loop. The first tick fires after one interval; the
// orchestrator has already done its cold-start fetch by then.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop cancels the loop. Idempotent; returns once the loop has exited.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick performs one status call. A single failure only increments the
// tracker — blocking on one bad poll would defeat the threshold.
func (s *Scheduler) tick() {
	// While unauthenticated there is nothing to poll with; keep ticking
	// so an externally refreshed session resumes without a restart.
	if s.tracker.State() == conn.Unauthenticated {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()

	var known int64
	if s.cfg.KnownVersion != nil {
		known = s.cfg.KnownVersion()
	}

	resp, err := s.client.Status(ctx, known)
	if err != nil {
		if errors.Is(err, controlplane.ErrUnauthenticated) {
			s.logger.Warn("heartbeat rejected: session invalid")
			s.tracker.MarkUnauthenticated()
			s.count("unauthenticated")
			return
		}
		s.logger.Debug("heartbeat failed", zap.Error(err))
		s.tracker.RecordFailure()
		s.count("failure")
		return
	}

	s.tracker.RecordSuccess(time.Now())
	s.count("success")

	if s.cfg.OnKillSwitch != nil {
		s.cfg.OnKillSwitch(resp.KillSwitch, resp.KillSwitchMessage)
	}

	if resp.RefreshNeeded || (resp.PolicyVersion != 0 && resp.PolicyVersion != known) {
		s.logger.Info("policy version drift detected",
			zap.Int64("known", known),
			zap.Int64("remote", resp.PolicyVersion))
		if s.cfg.OnRefreshNeeded != nil {
			s.cfg.OnRefreshNeeded()
		}
	}
}

func (s *Scheduler) count(outcome string) {
	if s.metrics != nil {
		s.metrics.HeartbeatTotal.WithLabelValues(outcome).Inc()
	}
}
