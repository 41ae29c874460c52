package models

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsValid reports whether s is a known session status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

// Session tracks one coding-agent working session. ContentSessionID is the
// external handle ingresses use to look up the internal ID.
type Session struct {
	ID                string
	ContentSessionID  string
	Project           string
	UserPrompt        string
	StartedAt         time.Time
	EndedAt           *time.Time
	Status            SessionStatus
	PromptCounter     int
}

// SessionSummary holds the free-form structured wrap-up for a session,
// unique on session ID.
type SessionSummary struct {
	SessionID   string
	Request     string
	Investigated string
	Learned     string
	Completed   string
	NextSteps   string
	Notes       string
}

// UserPrompt records one prompt issued within a session.
type UserPrompt struct {
	ID               string
	ContentSessionID string
	PromptNumber     int
	Text             string
	Project          string
	CreatedAt        time.Time
}
