package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/devdash/backend/internal/ratelimit"
)

// Pruner deletes audit records of connections closed before cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepResult reports what one sweep removed.
type SweepResult struct {
	Inactive      int
	LimiterIPs    int
	PrunedRecords int64
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLimiter makes each sweep drop idle per-IP limiter entries.
func WithSweepLimiter(l *ratelimit.Manager) SweeperOption {
	return func(s *Sweeper) { s.limiter = l }
}

// WithPruner makes each sweep delete audit records older than retention.
// A zero retention disables pruning.
func WithPruner(p Pruner, retention time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.pruner = p
		s.retention = retention
	}
}

func WithSweepLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l.Named("sweeper")
		}
	}
}

// Sweeper periodically removes inactive hub connections, independent of the
// per-connection ping cadence.
type Sweeper struct {
	cron        gocron.Scheduler
	hub         *Hub
	interval    time.Duration
	maxInactive time.Duration
	limiter     *ratelimit.Manager
	pruner      Pruner
	retention   time.Duration
	logger      *zap.Logger
}

// NewSweeper creates a Sweeper. Call Start to begin sweeping.
func NewSweeper(hub *Hub, interval, maxInactive time.Duration, opts ...SweeperOption) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	s := &Sweeper{
		cron:        cron,
		hub:         hub,
		interval:    interval,
		maxInactive: maxInactive,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start schedules the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.RunOnce(context.Background())
		}),
		gocron.WithName("hub-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for hub sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("max_inactive", s.maxInactive),
	)
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("sweeper shutdown error: %w", err)
	}
	s.logger.Info("sweeper stopped")
	return nil
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	var res SweepResult

	res.Inactive = s.hub.CleanupInactiveConnections(s.maxInactive)

	// Entries idle for two sweeps have refilled their buckets anyway
	res.LimiterIPs = s.limiter.Sweep(2 * s.interval)

	if s.pruner != nil && s.retention > 0 {
		n, err := s.pruner.PruneBefore(ctx, time.Now().Add(-s.retention))
		if err != nil {
			s.logger.Warn("failed to prune connection records", zap.Error(err))
		}
		res.PrunedRecords = n
	}

	if res.Inactive > 0 || res.LimiterIPs > 0 || res.PrunedRecords > 0 {
		s.logger.Debug("sweep finished",
			zap.Int("inactive", res.Inactive),
			zap.Int("limiter_ips", res.LimiterIPs),
			zap.Int64("pruned_records", res.PrunedRecords),
		)
	}
	return res
}
