package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

// Enqueue inserts a new pending_messages row with status=pending,
// retry_count=0.
func (b *Backend) Enqueue(ctx context.Context, sessionID, tool, input, response, project string) (int64, error) {
	now := time.Now().Unix()
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO pending_messages (session_id, status, tool_name, tool_input, tool_response, project, retry_count, created_at_epoch)
		VALUES (?, 'pending', ?, ?, ?, ?, 0, ?)`,
		sessionID, tool, input, response, project, now,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: enqueue: %v", store.ErrDatabase, err)
	}
	return res.LastInsertId()
}

// Claim atomically selects up to batch rows eligible for processing and
// marks them processing, returning them FIFO by id.
//
// database/sql's Tx type always opens a deferred transaction, which SQLite
// only upgrades to a write lock on the first write statement — two
// concurrent claimers can both pass the SELECT before either writes and
// then collide. BEGIN IMMEDIATE acquires the write lock up front, so this
// runs its own BEGIN/COMMIT on a single checked-out connection instead of
// going through sql.DB.BeginTx.
func (b *Backend) Claim(ctx context.Context, batch int, visibilityTimeout time.Duration, maxRetries int) ([]*models.PendingMessage, error) {
	if batch <= 0 {
		return nil, nil
	}

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire connection: %v", store.ErrDatabase, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("%w: begin immediate: %v", store.ErrDatabase, err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	now := time.Now().Unix()
	visibleBefore := now - int64(visibilityTimeout.Seconds())

	rows, err := conn.QueryContext(ctx, `
		SELECT id FROM pending_messages
		WHERE retry_count < ?
		AND (status = 'pending' OR (status = 'processing' AND claimed_at_epoch < ?))
		ORDER BY id ASC
		LIMIT ?`, maxRetries, visibleBefore, batch)
	if err != nil {
		return nil, fmt.Errorf("%w: select claimable: %v", store.ErrDatabase, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan claimable id: %v", store.ErrDatabase, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate claimable: %v", store.ErrDatabase, err)
	}

	if len(ids) == 0 {
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return nil, fmt.Errorf("%w: commit empty claim: %v", store.ErrDatabase, err)
		}
		committed = true
		return nil, nil
	}

	messages := make([]*models.PendingMessage, 0, len(ids))
	for _, id := range ids {
		if _, err := conn.ExecContext(ctx, `UPDATE pending_messages SET status = 'processing', claimed_at_epoch = ? WHERE id = ?`, now, id); err != nil {
			return nil, fmt.Errorf("%w: mark processing: %v", store.ErrDatabase, err)
		}
		msg, err := scanPendingMessageConn(ctx, conn, id)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("%w: commit claim: %v", store.ErrDatabase, err)
	}
	committed = true
	return messages, nil
}

func scanPendingMessageConn(ctx context.Context, conn *sql.Conn, id int64) (*models.PendingMessage, error) {
	var m models.PendingMessage
	var status string
	var claimedAt, completedAt sql.NullInt64
	row := conn.QueryRowContext(ctx, `
		SELECT id, session_id, status, tool_name, tool_input, tool_response, project,
			retry_count, created_at_epoch, claimed_at_epoch, completed_at_epoch
		FROM pending_messages WHERE id = ?`, id)
	if err := row.Scan(&m.ID, &m.SessionID, &status, &m.ToolName, &m.ToolInput, &m.ToolResponse, &m.Project,
		&m.RetryCount, &m.CreatedAtEpoch, &claimedAt, &completedAt); err != nil {
		return nil, fmt.Errorf("%w: scan pending message: %v", store.ErrDatabase, err)
	}
	m.Status = models.MessageStatus(status)
	if claimedAt.Valid {
		m.ClaimedAtEpoch = &claimedAt.Int64
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.Int64
	}
	return &m, nil
}

// Complete deletes the row for id.
func (b *Backend) Complete(ctx context.Context, id int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: complete message: %v", store.ErrDatabase, err)
	}
	return nil
}

// Fail transitions id back to pending unless permanent or the retry budget
// is exhausted, in which case it becomes failed.
func (b *Backend) Fail(ctx context.Context, id int64, permanent bool, maxRetries int) error {
	var retryCount int
	if err := b.db.QueryRowContext(ctx, `SELECT retry_count FROM pending_messages WHERE id = ?`, id).Scan(&retryCount); err != nil {
		return fmt.Errorf("%w: read retry_count: %v", store.ErrDatabase, err)
	}

	if permanent || retryCount+1 >= maxRetries {
		now := time.Now().Unix()
		_, err := b.db.ExecContext(ctx, `UPDATE pending_messages SET status = 'failed', completed_at_epoch = ?, retry_count = ? WHERE id = ?`, now, retryCount+1, id)
		if err != nil {
			return fmt.Errorf("%w: mark failed: %v", store.ErrDatabase, err)
		}
		return nil
	}

	_, err := b.db.ExecContext(ctx, `UPDATE pending_messages SET status = 'pending', claimed_at_epoch = NULL, retry_count = ? WHERE id = ?`, retryCount+1, id)
	if err != nil {
		return fmt.Errorf("%w: requeue message: %v", store.ErrDatabase, err)
	}
	return nil
}

// ReleaseStale returns any row stuck in processing past visibilityTimeout
// to pending, incrementing retry_count.
func (b *Backend) ReleaseStale(ctx context.Context, visibilityTimeout time.Duration) (int, error) {
	cutoff := time.Now().Unix() - int64(visibilityTimeout.Seconds())
	res, err := b.db.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'pending', claimed_at_epoch = NULL, retry_count = retry_count + 1
		WHERE status = 'processing' AND claimed_at_epoch < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: release stale: %v", store.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", store.ErrDatabase, err)
	}
	return int(n), nil
}
