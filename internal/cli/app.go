package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/cache"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/controlplane"
	"github.com/wardenlabs/warden/internal/logging"
	"github.com/wardenlabs/warden/internal/metrics"
	"github.com/wardenlabs/warden/internal/runtime"
)

// app holds everything a long-running command needs.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	client   *controlplane.Client
	orch     *runtime.Orchestrator
	mirror   *audit.Mirror
}

// buildApp loads the config and assembles the orchestrator. The caller owns
// Start/Stop.
func buildApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	client, err := controlplane.New(controlplane.Config{
		BaseURL: cfg.ControlPlane.BaseURL,
		Timeout: cfg.ControlPlane.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.ControlPlane.Token != "" {
		client.SetSession(controlplane.NewSession(
			cfg.ControlPlane.Token,
			cfg.ControlPlane.RefreshToken,
			cfg.ControlPlane.OrgID,
			cfg.ControlPlane.UserID,
		))
	}

	var mirror *audit.Mirror
	if cfg.Audit.MirrorPath != "" {
		mirror, err = audit.OpenMirror(cfg.Audit.MirrorPath)
		if err != nil {
			return nil, fmt.Errorf("open audit mirror: %w", err)
		}
	}

	orch := runtime.New(runtime.Options{
		Config:   cfg,
		Policies: client,
		Status:   client,
		Stream:   client.OpenStream,
		Sink:     client,
		Mirror:   mirror,
		Cache:    cache.New(cfg.Cache.Path),
		Logger:   logger,
		Metrics:  m,
	})

	if cfg.ControlPlane.Token == "" {
		orch.MarkUnauthenticated()
		logger.Warn("no control plane token configured, starting unauthenticated")
	}

	aliases, err := cfg.LoadAliases()
	if err != nil {
		return nil, err
	}
	orch.SetAliases(aliases)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		client:   client,
		orch:     orch,
		mirror:   mirror,
	}, nil
}

// reload re-reads the config file and applies the hot-swappable parts:
// aliases and offline mode. Connection and buffer settings need a restart.
func (a *app) reload() {
	cfg, err := config.Load(configPath)
	if err != nil {
		a.logger.Warn("config reload failed", zap.Error(err))
		return
	}
	aliases, err := cfg.LoadAliases()
	if err != nil {
		a.logger.Warn("alias reload failed", zap.Error(err))
		return
	}
	a.orch.SetAliases(aliases)
	a.orch.SetOfflineMode(cfg.Enforcement.OfflineMode)
	a.logger.Info("config reloaded",
		zap.String("offline_mode", cfg.Enforcement.OfflineMode),
		zap.Int("aliases", len(aliases)))
}

func (a *app) close() {
	if a.mirror != nil {
		a.mirror.Close()
	}
	a.logger.Sync()
}
