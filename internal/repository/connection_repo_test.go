package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devdash/backend/internal/db"
	"github.com/devdash/backend/internal/model"
)

func newTestRepo(t *testing.T) *ConnectionRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })
	return NewConnectionRepository(testDB)
}

func newRecord(connectedAt time.Time) *model.ConnectionRecord {
	return &model.ConnectionRecord{
		ID:          uuid.NewString(),
		RemoteAddr:  "127.0.0.1:50000",
		UserAgent:   "dashctl/1.0",
		ConnectedAt: connectedAt,
	}
}

func TestConnectionRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := newRecord(time.Now())
	require.NoError(t, repo.Create(ctx, rec))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.RemoteAddr, got.RemoteAddr)
	assert.Equal(t, rec.UserAgent, got.UserAgent)
	assert.Empty(t, got.Subscriptions)
	assert.True(t, got.ConnectedAt.Equal(rec.ConnectedAt))
	assert.True(t, got.Open())

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrConnectionNotFound)
}

func TestConnectionRepository_MarkClosed(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := newRecord(time.Now().Add(-time.Minute))
	require.NoError(t, repo.Create(ctx, rec))

	closedAt := time.Now()
	require.NoError(t, repo.MarkClosed(ctx, rec.ID, closedAt, []string{"project_status", "chat_response"}, model.CloseReasonInactive))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DisconnectedAt)
	assert.True(t, got.DisconnectedAt.Equal(closedAt))
	assert.Equal(t, []string{"project_status", "chat_response"}, got.Subscriptions)
	assert.Equal(t, model.CloseReasonInactive, got.CloseReason)
	assert.InDelta(t, time.Minute.Seconds(), got.Duration().Seconds(), 1)

	// Closing twice, or closing an unknown id, is reported
	assert.ErrorIs(t, repo.MarkClosed(ctx, rec.ID, closedAt, nil, model.CloseReasonClient), model.ErrConnectionNotFound)
	assert.ErrorIs(t, repo.MarkClosed(ctx, "missing", closedAt, nil, model.CloseReasonClient), model.ErrConnectionNotFound)
}

func TestConnectionRepository_ListRecentAndCountOpen(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		rec := newRecord(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, repo.Create(ctx, rec))
		ids = append(ids, rec.ID)
	}
	require.NoError(t, repo.MarkClosed(ctx, ids[0], time.Now(), nil, model.CloseReasonClient))

	recent, err := repo.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{ids[4], ids[3], ids[2]}, []string{recent[0].ID, recent[1].ID, recent[2].ID})

	open, err := repo.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, open)

	n, err := repo.CloseAllOpen(ctx, time.Now(), model.CloseReasonShutdown)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	open, err = repo.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, open)
}

func TestConnectionRepository_PruneBefore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := newRecord(time.Now().Add(-48 * time.Hour))
	require.NoError(t, repo.Create(ctx, old))
	require.NoError(t, repo.MarkClosed(ctx, old.ID, time.Now().Add(-47*time.Hour), nil, model.CloseReasonClient))

	stillOpen := newRecord(time.Now().Add(-48 * time.Hour))
	require.NoError(t, repo.Create(ctx, stillOpen))

	n, err := repo.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetByID(ctx, old.ID)
	assert.ErrorIs(t, err, model.ErrConnectionNotFound)
	_, err = repo.GetByID(ctx, stillOpen.ID)
	assert.NoError(t, err)
}

// Every created record can be read back unchanged, and closing it stores the
// final subscription set.
func TestConnectionRecordPersistenceProperty(t *testing.T) {
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	defer testDB.Close()

	repo := NewConnectionRepository(testDB)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	nonEmptyString := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0 && len(s) <= 64
	})

	properties.Property("connection records round-trip through the store", prop.ForAll(
		func(remoteAddr, userAgent string, subs []string) bool {
			rec := &model.ConnectionRecord{
				ID:          uuid.NewString(),
				RemoteAddr:  remoteAddr,
				UserAgent:   userAgent,
				ConnectedAt: time.Now(),
			}
			if err := repo.Create(ctx, rec); err != nil {
				t.Logf("failed to create record: %v", err)
				return false
			}

			if err := repo.MarkClosed(ctx, rec.ID, time.Now(), subs, model.CloseReasonClient); err != nil {
				t.Logf("failed to close record: %v", err)
				return false
			}

			got, err := repo.GetByID(ctx, rec.ID)
			if err != nil {
				t.Logf("failed to get record: %v", err)
				return false
			}
			if got.RemoteAddr != remoteAddr || got.UserAgent != userAgent || got.Open() {
				return false
			}
			if len(got.Subscriptions) != len(subs) {
				return false
			}
			for i := range subs {
				if got.Subscriptions[i] != subs[i] {
					return false
				}
			}
			return true
		},
		nonEmptyString,
		gen.AlphaString(),
		gen.SliceOf(nonEmptyString),
	))

	properties.TestingRun(t)
}

