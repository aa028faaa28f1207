// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/aegis/internal/domain"
)

// Repository defines the interface for persisting candidate sessions.
type Repository interface {
	// GetSession retrieves a session by ID. It returns (nil, nil) when the
	// session does not exist.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// SaveSession creates or replaces a session.
	SaveSession(ctx context.Context, s *domain.Session) error

	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns the sessions owned by ownerID, newest first.
	ListSessions(ctx context.Context, ownerID string) ([]*domain.Session, error)

	// CleanupExpiredSessions removes sessions not updated within ttl and
	// returns their IDs.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}
