package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/devdash/backend/internal/model"
)

// ConnectionRepository provides data access for the connection audit trail.
type ConnectionRepository struct {
	db *sql.DB
}

// NewConnectionRepository creates a new ConnectionRepository.
func NewConnectionRepository(db *sql.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// Create inserts a record for a newly accepted connection.
func (r *ConnectionRepository) Create(ctx context.Context, rec *model.ConnectionRecord) error {
	subsJSON, err := rec.SubscriptionsToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize subscriptions: %w", err)
	}

	query := `
		INSERT INTO connections (id, remote_addr, user_agent, subscriptions, connected_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.RemoteAddr,
		rec.UserAgent,
		subsJSON,
		rec.ConnectedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create connection record: %w", err)
	}

	return nil
}

// MarkClosed stores the close time, final subscription set and reason.
func (r *ConnectionRepository) MarkClosed(ctx context.Context, id string, at time.Time, subscriptions []string, reason string) error {
	subsJSON, err := model.SubscriptionsToJSON(subscriptions)
	if err != nil {
		return fmt.Errorf("failed to serialize subscriptions: %w", err)
	}

	query := `
		UPDATE connections
		SET disconnected_at = ?, subscriptions = ?, close_reason = ?
		WHERE id = ? AND disconnected_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, at.UTC(), subsJSON, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark connection closed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrConnectionNotFound
	}

	return nil
}

// GetByID retrieves a connection record by its ID.
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*model.ConnectionRecord, error) {
	query := `
		SELECT id, remote_addr, user_agent, subscriptions, connected_at, disconnected_at, close_reason
		FROM connections
		WHERE id = ?
	`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection record: %w", err)
	}
	return rec, nil
}

// ListRecent returns up to limit records, newest first.
func (r *ConnectionRepository) ListRecent(ctx context.Context, limit int) ([]*model.ConnectionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, remote_addr, user_agent, subscriptions, connected_at, disconnected_at, close_reason
		FROM connections
		ORDER BY connected_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list connection records: %w", err)
	}
	defer rows.Close()

	records := []*model.ConnectionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connection records: %w", err)
	}

	return records, nil
}

// CountOpen returns the number of records without a close time.
func (r *ConnectionRepository) CountOpen(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM connections WHERE disconnected_at IS NULL`

	var count int
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open connections: %w", err)
	}

	return count, nil
}

// CloseAllOpen marks every open record closed. The server calls it at
// startup for records left open by an unclean exit.
func (r *ConnectionRepository) CloseAllOpen(ctx context.Context, at time.Time, reason string) (int64, error) {
	query := `
		UPDATE connections
		SET disconnected_at = ?, close_reason = ?
		WHERE disconnected_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, at.UTC(), reason)
	if err != nil {
		return 0, fmt.Errorf("failed to close open connection records: %w", err)
	}
	return result.RowsAffected()
}

// PruneBefore deletes closed records that ended before cutoff.
func (r *ConnectionRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM connections WHERE disconnected_at IS NOT NULL AND disconnected_at < ?`

	result, err := r.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune connection records: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*model.ConnectionRecord, error) {
	rec := &model.ConnectionRecord{}
	var userAgent sql.NullString
	var subsJSON string
	var disconnectedAt sql.NullTime
	var closeReason sql.NullString

	err := s.Scan(
		&rec.ID,
		&rec.RemoteAddr,
		&userAgent,
		&subsJSON,
		&rec.ConnectedAt,
		&disconnectedAt,
		&closeReason,
	)
	if err != nil {
		return nil, err
	}

	if err := rec.SubscriptionsFromJSON(subsJSON); err != nil {
		return nil, fmt.Errorf("failed to parse subscriptions: %w", err)
	}

	if userAgent.Valid {
		rec.UserAgent = userAgent.String
	}

	if disconnectedAt.Valid {
		t := disconnectedAt.Time
		rec.DisconnectedAt = &t
	}

	if closeReason.Valid {
		rec.CloseReason = closeReason.String
	}

	return rec, nil
}
