// Package store provides persistence for sessions and their message logs.
package store

import (
	"context"
	"errors"

	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store defines the interface for session storage operations.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *v1.Session) error
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	ListSessions(ctx context.Context) ([]*v1.Session, error)
	UpdateSession(ctx context.Context, session *v1.Session) error
	UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus, errorMessage *string) error
	DeleteSession(ctx context.Context, id string) error

	// Message operations; the log is append-only, ordered by created_at
	AppendMessage(ctx context.Context, msg *v1.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*v1.Message, error)

	// Close closes the store (for database connections)
	Close() error
}
