package ws

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devdash/backend/internal/config"
	"github.com/devdash/backend/internal/metrics"
	"github.com/devdash/backend/internal/ratelimit"
)

// ServiceOptions carries the optional collaborators of a Service.
type ServiceOptions struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Limiter *ratelimit.Manager

	// Router handles application envelopes; nil installs NewRelayMux.
	Router MessageRouter

	// Recorder and Pruner back the connection audit trail; both may be nil.
	Recorder  ConnectionRecorder
	Pruner    Pruner
	Retention time.Duration
}

// Service wires the hub to its idle sweeper.
type Service struct {
	hub     *Hub
	sweeper *Sweeper
	logger  *zap.Logger
}

// NewService creates the hub and its sweeper.
func NewService(cfg config.HubConfig, opts ServiceOptions) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hubOpts := []Option{
		WithLogger(logger),
		WithMetrics(opts.Metrics),
		WithRateLimiter(opts.Limiter),
	}
	if opts.Recorder != nil {
		hubOpts = append(hubOpts, WithRecorder(opts.Recorder))
	}
	hub := NewHub(cfg, hubOpts...)

	if opts.Router != nil {
		hub.SetRouter(opts.Router)
	} else {
		hub.SetRouter(NewRelayMux(hub))
	}

	sweeperOpts := []SweeperOption{
		WithSweepLogger(logger),
		WithSweepLimiter(opts.Limiter),
	}
	if opts.Pruner != nil {
		sweeperOpts = append(sweeperOpts, WithPruner(opts.Pruner, opts.Retention))
	}
	sweeper, err := NewSweeper(hub, cfg.SweepInterval, cfg.MaxInactive, sweeperOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweeper: %w", err)
	}

	return &Service{
		hub:     hub,
		sweeper: sweeper,
		logger:  logger.Named("ws"),
	}, nil
}

// Start starts the periodic sweep.
func (s *Service) Start() error {
	return s.sweeper.Start()
}

// Hub returns the connection hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Sweeper returns the idle sweeper.
func (s *Service) Sweeper() *Sweeper {
	return s.sweeper
}

// Close stops the sweeper and closes every connection.
func (s *Service) Close() error {
	err := s.sweeper.Stop()
	s.hub.Shutdown()
	return err
}
