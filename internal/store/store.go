// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/scenario-lab/internal/domain"
)

// ErrDuplicateSession is returned when a session id already exists.
var ErrDuplicateSession = errors.New("session already exists")

// Repository defines the interface for persisting finished sessions and users.
type Repository interface {
	SessionStore

	// GetUser retrieves a user by their user ID. Returns nil when unknown.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates a user or refreshes its last login.
	UpsertUser(ctx context.Context, user *domain.User) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// SessionStore is the append-only record of evaluated sessions.
type SessionStore interface {
	// ListSessions returns a user's sessions, newest first.
	ListSessions(ctx context.Context, userID string) ([]domain.PastSession, error)

	// AppendSession stores one finished session for a user.
	AppendSession(ctx context.Context, userID string, session *domain.PastSession) error
}
