// Package storage defines the persisted records of a capture station.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Workflow is a named scan job (one book, one document batch).
type Workflow struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Page is one captured image of a workflow. Seq is the zero-based
// position in capture order.
type Page struct {
	Seq        int       `json:"seq"`
	Path       string    `json:"path"`
	Device     string    `json:"device"`
	CapturedAt time.Time `json:"captured_at"`
}

// SessionRecord summarizes one finished capture session.
type SessionRecord struct {
	ID           string    `json:"id"`
	WorkflowID   string    `json:"workflow_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	InitialPages int       `json:"initial_pages"`
	FinalPages   int       `json:"final_pages"`
	PagesPerHour int       `json:"pages_per_hour"`
}

// Store persists workflows, their pages and the session history.
type Store interface {
	EnsureWorkflow(ctx context.Context, name string) (Workflow, error)
	ListPages(ctx context.Context, workflowID string) ([]Page, error)
	PutPages(ctx context.Context, workflowID string, pages []Page) error
	RecordSession(ctx context.Context, rec SessionRecord) error
	ListSessions(ctx context.Context, workflowID string) ([]SessionRecord, error)
	Close() error
}
