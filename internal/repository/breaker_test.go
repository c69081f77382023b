package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devdash/backend/internal/model"
)

type flakyWriter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (w *flakyWriter) Create(ctx context.Context, rec *model.ConnectionRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return w.err
}

func (w *flakyWriter) MarkClosed(ctx context.Context, id string, at time.Time, subs []string, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return w.err
}

func (w *flakyWriter) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func (w *flakyWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func TestBreakerRecorder_OpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flakyWriter{err: errors.New("disk I/O error")}
	r := NewBreakerRecorder(inner, BreakerSettings{FailureThreshold: 2, OpenTimeout: time.Hour}, nil)

	rec := &model.ConnectionRecord{ID: "c1", ConnectedAt: time.Now()}
	assert.Error(t, r.Create(ctx, rec))
	assert.Error(t, r.Create(ctx, rec))
	assert.Equal(t, gobreaker.StateOpen, r.State())

	err := r.Create(ctx, rec)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.callCount(), "open breaker must not reach the store")
}

func TestBreakerRecorder_RecoversAfterTimeout(t *testing.T) {
	ctx := context.Background()
	inner := &flakyWriter{err: errors.New("database is locked")}
	r := NewBreakerRecorder(inner, BreakerSettings{FailureThreshold: 1, OpenTimeout: 20 * time.Millisecond}, nil)

	require.Error(t, r.MarkClosed(ctx, "c1", time.Now(), nil, model.CloseReasonClient))
	require.Equal(t, gobreaker.StateOpen, r.State())

	inner.setErr(nil)
	require.Eventually(t, func() bool {
		return r.Create(ctx, &model.ConnectionRecord{ID: "c2"}) == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, gobreaker.StateClosed, r.State())
}

func TestBreakerRecorder_NotFoundIsNotAFailure(t *testing.T) {
	ctx := context.Background()
	inner := &flakyWriter{err: model.ErrConnectionNotFound}
	r := NewBreakerRecorder(inner, BreakerSettings{FailureThreshold: 1, OpenTimeout: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		err := r.MarkClosed(ctx, "gone", time.Now(), nil, model.CloseReasonClient)
		assert.ErrorIs(t, err, model.ErrConnectionNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, r.State())
	assert.Equal(t, 3, inner.callCount())
}

func TestBreakerRecorder_WrapsRepository(t *testing.T) {
	repo := newTestRepo(t)
	r := NewBreakerRecorder(repo, BreakerSettings{}, nil)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, r.Create(ctx, &model.ConnectionRecord{ID: "c1", RemoteAddr: "127.0.0.1:1", ConnectedAt: now}))
	require.NoError(t, r.MarkClosed(ctx, "c1", now.Add(time.Second), []string{"x"}, model.CloseReasonInactive))

	got, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CloseReasonInactive, got.CloseReason)
}
