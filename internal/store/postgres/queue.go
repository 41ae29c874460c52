package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

// Enqueue appends a pending message to the ingestion queue.
func (b *Backend) Enqueue(ctx context.Context, sessionID, tool, input, response, project string) (int64, error) {
	var id int64
	err := b.db.QueryRowContext(ctx, `
		INSERT INTO pending_messages (session_id, tool_name, tool_input, tool_response, project, status, retry_count, created_at_epoch)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6)
		RETURNING id`,
		sessionID, tool, input, response, project, time.Now().Unix(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: enqueue message: %v", store.ErrDatabase, err)
	}
	return id, nil
}

// Claim reserves up to batch pending (or expired-visibility processing)
// messages for this consumer using SELECT ... FOR UPDATE SKIP LOCKED, the
// native postgres mechanism for letting multiple queue workers claim
// disjoint batches without blocking on each other's row locks.
func (b *Backend) Claim(ctx context.Context, batch int, visibilityTimeout time.Duration, maxRetries int) ([]*models.PendingMessage, error) {
	if batch <= 0 {
		return nil, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", store.ErrDatabase, err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	visibleBefore := now - int64(visibilityTimeout.Seconds())

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM pending_messages
		WHERE retry_count < $1
		  AND (status = 'pending' OR (status = 'processing' AND claimed_at_epoch < $2))
		ORDER BY id ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`, maxRetries, visibleBefore, batch)
	if err != nil {
		return nil, fmt.Errorf("%w: select claimable messages: %v", store.ErrDatabase, err)
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
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	claimed := make([]*models.PendingMessage, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE pending_messages SET status = 'processing', claimed_at_epoch = $1 WHERE id = $2`, now, id); err != nil {
			return nil, fmt.Errorf("%w: claim message %d: %v", store.ErrDatabase, id, err)
		}
		msg, err := scanPendingMessageTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit claim: %v", store.ErrDatabase, err)
	}
	return claimed, nil
}

const pendingMessageColumns = `id, session_id, status, tool_name, tool_input, tool_response, project, retry_count, created_at_epoch, claimed_at_epoch, completed_at_epoch`

func scanPendingMessageTx(ctx context.Context, tx *sql.Tx, id int64) (*models.PendingMessage, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+pendingMessageColumns+` FROM pending_messages WHERE id = $1`, id)
	return scanPendingMessage(row)
}

func scanPendingMessage(row rowScanner) (*models.PendingMessage, error) {
	var m models.PendingMessage
	var inputJSON []byte
	var claimedAt, completedAt sql.NullInt64

	err := row.Scan(&m.ID, &m.SessionID, &m.Status, &m.ToolName, &inputJSON, &m.ToolResponse, &m.Project, &m.RetryCount, &m.CreatedAtEpoch, &claimedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFound("pending_message", "")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan pending message: %v", store.ErrDatabase, err)
	}
	m.ToolInput = string(inputJSON)
	if claimedAt.Valid {
		v := claimedAt.Int64
		m.ClaimedAtEpoch = &v
	}
	if completedAt.Valid {
		v := completedAt.Int64
		m.CompletedAt = &v
	}
	return &m, nil
}

// Complete removes a processed message from the queue.
func (b *Backend) Complete(ctx context.Context, id int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%w: complete message: %v", store.ErrDatabase, err)
	}
	return nil
}

// Fail marks a message as retryable or terminally failed depending on
// whether it has exhausted maxRetries or the failure is permanent.
func (b *Backend) Fail(ctx context.Context, id int64, permanent bool, maxRetries int) error {
	var retryCount int
	if err := b.db.QueryRowContext(ctx, `SELECT retry_count FROM pending_messages WHERE id = $1`, id).Scan(&retryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.NewNotFound("pending_message", fmt.Sprintf("%d", id))
		}
		return fmt.Errorf("%w: read retry count: %v", store.ErrDatabase, err)
	}

	if permanent || retryCount+1 >= maxRetries {
		_, err := b.db.ExecContext(ctx, `UPDATE pending_messages SET status = 'failed', retry_count = $1, completed_at_epoch = $2 WHERE id = $3`,
			retryCount+1, time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("%w: mark message failed: %v", store.ErrDatabase, err)
		}
		return nil
	}

	_, err := b.db.ExecContext(ctx, `UPDATE pending_messages SET status = 'pending', claimed_at_epoch = NULL, retry_count = $1 WHERE id = $2`,
		retryCount+1, id)
	if err != nil {
		return fmt.Errorf("%w: requeue message: %v", store.ErrDatabase, err)
	}
	return nil
}

// ReleaseStale requeues messages whose visibility timeout has elapsed
// without completion, run at startup per the recovery sweep.
func (b *Backend) ReleaseStale(ctx context.Context, visibilityTimeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-visibilityTimeout).Unix()
	res, err := b.db.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'pending', claimed_at_epoch = NULL, retry_count = retry_count + 1
		WHERE status = 'processing' AND claimed_at_epoch < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: release stale messages: %v", store.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", store.ErrDatabase, err)
	}
	return int(n), nil
}
