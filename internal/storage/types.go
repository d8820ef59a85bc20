package storage

import (
	"context"
	"errors"
	"time"

	"streamcast/internal/models"
)

const (
	credentialKeySaltLength  = 16
	credentialKeyLength      = 32
	credentialKeyIterations  = 120000
	defaultLogQueryLimit     = 100
	defaultSessionListLimit  = 50
	maxLogQueryLimit         = 1000
	sealedCredentialV1Prefix = "sealed.v1:"
)

var (
	// ErrIdentityNotFound is returned when an identity lookup or touch misses.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrSessionNotFound is returned when a session update targets an unknown id.
	ErrSessionNotFound = errors.New("session not found")
)

// SessionUpdate describes the mutable fields of a session row.
type SessionUpdate struct {
	Status  *models.SessionStatus
	EndedAt *time.Time
}

// LogQuery bounds a read over the append-only log.
type LogQuery struct {
	SessionID string
	Category  models.LogCategory
	Limit     int
}

func (q LogQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultLogQueryLimit
	case q.Limit > maxLogQueryLimit:
		return maxLogQueryLimit
	default:
		return q.Limit
	}
}

// Repository is the durable store behind the orchestrator: identities keyed by
// display name, sessions keyed by id, and an append-only log. Implementations
// serialise their own writes; callers hold no locks.
type Repository interface {
	SaveIdentity(ctx context.Context, identity models.Identity) error
	ListIdentities(ctx context.Context) ([]models.Identity, error)
	GetIdentity(ctx context.Context, name string) (models.Identity, bool, error)
	TouchIdentity(ctx context.Context, name string) error

	CreateSession(ctx context.Context, session models.Session) error
	UpdateSession(ctx context.Context, id string, update SessionUpdate) (models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, bool, error)
	ListSessions(ctx context.Context, limit int) ([]models.Session, error)

	AppendLog(ctx context.Context, entry models.LogEntry) error
	QueryLogs(ctx context.Context, query LogQuery) ([]models.LogEntry, error)
	PurgeLogs(ctx context.Context, before time.Time) (int, error)

	Close(ctx context.Context) error
}
