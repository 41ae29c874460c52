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

// CreateSession inserts a new session row.
func (b *Backend) CreateSession(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = newID()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO sessions (id, content_session_id, project, user_prompt, started_at, ended_at, status, prompt_counter)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.ContentSessionID, s.Project, s.UserPrompt, s.StartedAt, nullTime(s.EndedAt), string(s.Status), s.PromptCounter,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session for content id %q: %w", s.ContentSessionID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("%w: create session: %v", store.ErrDatabase, err)
	}
	return nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var status string
	var endedAt sql.NullTime
	err := row.Scan(&s.ID, &s.ContentSessionID, &s.Project, &s.UserPrompt, &s.StartedAt, &endedAt, &status, &s.PromptCounter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFound("session", "")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan session: %v", store.ErrDatabase, err)
	}
	s.Status = models.SessionStatus(status)
	s.EndedAt = timePtr(endedAt)
	return &s, nil
}

const sessionColumns = `id, content_session_id, project, user_prompt, started_at, ended_at, status, prompt_counter`

// GetSessionByContentID looks up a session by its external handle.
func (b *Backend) GetSessionByContentID(ctx context.Context, contentSessionID string) (*models.Session, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE content_session_id = $1`, contentSessionID)
	return scanSession(row)
}

// GetSession fetches a session by internal id.
func (b *Backend) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// UpdateSessionStatus transitions a session's status, stamping ended_at
// when leaving the active state.
func (b *Backend) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	var endedAt any
	if status != models.SessionActive {
		endedAt = time.Now().UTC()
	}
	res, err := b.db.ExecContext(ctx, `UPDATE sessions SET status = $1, ended_at = COALESCE($2, ended_at) WHERE id = $3`, string(status), endedAt, id)
	if err != nil {
		return fmt.Errorf("%w: update session status: %v", store.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", store.ErrDatabase, err)
	}
	if n == 0 {
		return store.NewNotFound("session", id)
	}
	return nil
}

// CloseStaleSessions marks any session still active past olderThan as
// failed, returning the count affected. Runs at startup per the
// crash-recovery sweep.
func (b *Backend) CloseStaleSessions(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := b.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'failed', ended_at = $1
		WHERE status = 'active' AND started_at < $2`, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: close stale sessions: %v", store.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", store.ErrDatabase, err)
	}
	return int(n), nil
}

// UpsertSummary inserts or replaces the one-to-one session summary.
func (b *Backend) UpsertSummary(ctx context.Context, s *models.SessionSummary) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO session_summaries (session_id, request, investigated, learned, completed, next_steps, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT(session_id) DO UPDATE SET
			request = excluded.request, investigated = excluded.investigated, learned = excluded.learned,
			completed = excluded.completed, next_steps = excluded.next_steps, notes = excluded.notes`,
		s.SessionID, s.Request, s.Investigated, s.Learned, s.Completed, s.NextSteps, s.Notes,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert summary: %v", store.ErrDatabase, err)
	}
	return nil
}

// GetSummary fetches the summary for a session.
func (b *Backend) GetSummary(ctx context.Context, sessionID string) (*models.SessionSummary, error) {
	var s models.SessionSummary
	s.SessionID = sessionID
	err := b.db.QueryRowContext(ctx, `
		SELECT request, investigated, learned, completed, next_steps, notes
		FROM session_summaries WHERE session_id = $1`, sessionID,
	).Scan(&s.Request, &s.Investigated, &s.Learned, &s.Completed, &s.NextSteps, &s.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFound("session_summary", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get summary: %v", store.ErrDatabase, err)
	}
	return &s, nil
}

// SavePrompt persists one user prompt.
func (b *Backend) SavePrompt(ctx context.Context, p *models.UserPrompt) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO user_prompts (id, content_session_id, prompt_number, text, project, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.ContentSessionID, p.PromptNumber, p.Text, p.Project, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: save prompt: %v", store.ErrDatabase, err)
	}
	return nil
}

// ListPrompts returns every prompt recorded for a content session id, in
// prompt-number order.
func (b *Backend) ListPrompts(ctx context.Context, contentSessionID string) ([]*models.UserPrompt, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, content_session_id, prompt_number, text, project, created_at
		FROM user_prompts WHERE content_session_id = $1 ORDER BY prompt_number ASC`, contentSessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list prompts: %v", store.ErrDatabase, err)
	}
	defer rows.Close()

	var prompts []*models.UserPrompt
	for rows.Next() {
		var p models.UserPrompt
		if err := rows.Scan(&p.ID, &p.ContentSessionID, &p.PromptNumber, &p.Text, &p.Project, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan prompt: %v", store.ErrDatabase, err)
		}
		prompts = append(prompts, &p)
	}
	return prompts, rows.Err()
}
