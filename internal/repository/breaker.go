package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/devdash/backend/internal/model"
)

// ConnectionWriter is the write half of the connection audit store.
type ConnectionWriter interface {
	Create(ctx context.Context, rec *model.ConnectionRecord) error
	MarkClosed(ctx context.Context, id string, at time.Time, subscriptions []string, reason string) error
}

// BreakerSettings configures a BreakerRecorder.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// BreakerRecorder guards audit writes with a circuit breaker. While the
// breaker is open writes fail fast with gobreaker.ErrOpenState.
type BreakerRecorder struct {
	next    ConnectionWriter
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerRecorder wraps next. logger may be nil.
func NewBreakerRecorder(next ConnectionWriter, s BreakerSettings, logger *zap.Logger) *BreakerRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := s.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "connection-audit",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("audit store circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BreakerRecorder{next: next, breaker: cb}
}

// Create implements ConnectionWriter.
func (r *BreakerRecorder) Create(ctx context.Context, rec *model.ConnectionRecord) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.next.Create(ctx, rec)
	})
	return err
}

// MarkClosed implements ConnectionWriter. A record that is already closed is
// not a store failure and does not count against the breaker.
func (r *BreakerRecorder) MarkClosed(ctx context.Context, id string, at time.Time, subscriptions []string, reason string) error {
	var notFound error
	_, err := r.breaker.Execute(func() (interface{}, error) {
		err := r.next.MarkClosed(ctx, id, at, subscriptions, reason)
		if errors.Is(err, model.ErrConnectionNotFound) {
			notFound = err
			return nil, nil
		}
		return nil, err
	})
	if err != nil {
		return err
	}
	return notFound
}

// State returns the current breaker state.
func (r *BreakerRecorder) State() gobreaker.State {
	return r.breaker.State()
}
