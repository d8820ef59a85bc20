package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamcast/internal/models"
)

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ApplicationName string
}

type postgresRepository struct {
	pool   *pgxpool.Pool
	sealer *Sealer
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS identities (
		display_name TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL DEFAULT '',
		sealed_credentials TEXT NOT NULL,
		subscribers BIGINT NOT NULL DEFAULT 0,
		views BIGINT NOT NULL DEFAULT 0,
		videos BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		source TEXT NOT NULL DEFAULT '',
		broadcast_id TEXT NOT NULL DEFAULT '',
		identity_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS log_entries (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		logged_at TIMESTAMPTZ NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		resource_ref TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_session ON log_entries (session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_logged_at ON log_entries (logged_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions (started_at)`,
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema before returning it.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig, sealer *Sealer) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if sealer == nil {
		sealer = NewSealer("")
	}
	repo := &postgresRepository{pool: pool, sealer: sealer}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, statement := range schemaStatements {
		if _, err := tx.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}

func (r *postgresRepository) SaveIdentity(ctx context.Context, identity models.Identity) error {
	if identity.DisplayName == "" {
		return fmt.Errorf("identity display name is required")
	}
	if identity.LastUsedAt.IsZero() {
		identity.LastUsedAt = time.Now().UTC()
	}
	sealed, err := r.sealer.Seal(identity.Credentials)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO identities (display_name, channel_id, sealed_credentials, subscribers, views, videos, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (display_name) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			sealed_credentials = EXCLUDED.sealed_credentials,
			subscribers = EXCLUDED.subscribers,
			views = EXCLUDED.views,
			videos = EXCLUDED.videos,
			last_used_at = EXCLUDED.last_used_at`,
		identity.DisplayName,
		identity.ChannelID,
		sealed,
		identity.Stats.Subscribers,
		identity.Stats.Views,
		identity.Stats.Videos,
		identity.CreatedAt.UTC(),
		identity.LastUsedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (r *postgresRepository) scanIdentity(row pgx.Row) (models.Identity, error) {
	var (
		identity models.Identity
		sealed   string
	)
	if err := row.Scan(
		&identity.DisplayName,
		&identity.ChannelID,
		&sealed,
		&identity.Stats.Subscribers,
		&identity.Stats.Views,
		&identity.Stats.Videos,
		&identity.CreatedAt,
		&identity.LastUsedAt,
	); err != nil {
		return models.Identity{}, err
	}
	credentials, err := r.sealer.Open(sealed)
	if err != nil {
		return models.Identity{}, fmt.Errorf("identity %q: %w", identity.DisplayName, err)
	}
	identity.Credentials = credentials
	return identity, nil
}

const identityColumns = "display_name, channel_id, sealed_credentials, subscribers, views, videos, created_at, last_used_at"

func (r *postgresRepository) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+identityColumns+" FROM identities ORDER BY last_used_at DESC, display_name")
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	identities := make([]models.Identity, 0)
	for rows.Next() {
		identity, err := r.scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return identities, nil
}

func (r *postgresRepository) GetIdentity(ctx context.Context, name string) (models.Identity, bool, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+identityColumns+" FROM identities WHERE display_name = $1", name)
	identity, err := r.scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Identity{}, false, nil
	}
	if err != nil {
		return models.Identity{}, false, fmt.Errorf("get identity: %w", err)
	}
	return identity, true, nil
}

func (r *postgresRepository) TouchIdentity(ctx context.Context, name string) error {
	tag, err := r.pool.Exec(ctx, "UPDATE identities SET last_used_at = $2 WHERE display_name = $1", name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch identity %q: %w", name, ErrIdentityNotFound)
	}
	return nil
}

func (r *postgresRepository) CreateSession(ctx context.Context, session models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	var endedAt *time.Time
	if session.EndedAt != nil {
		ended := session.EndedAt.UTC()
		endedAt = &ended
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, started_at, ended_at, source, broadcast_id, identity_name, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID,
		session.StartedAt.UTC(),
		endedAt,
		session.Source,
		session.BroadcastID,
		session.IdentityName,
		string(session.Status),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *postgresRepository) UpdateSession(ctx context.Context, id string, update SessionUpdate) (models.Session, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, fmt.Errorf("begin session update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if update.Status != nil {
		if _, err := tx.Exec(ctx, "UPDATE sessions SET status = $2 WHERE id = $1", id, string(*update.Status)); err != nil {
			return models.Session{}, fmt.Errorf("update session status: %w", err)
		}
	}
	if update.EndedAt != nil {
		if _, err := tx.Exec(ctx, "UPDATE sessions SET ended_at = $2 WHERE id = $1", id, update.EndedAt.UTC()); err != nil {
			return models.Session{}, fmt.Errorf("update session end time: %w", err)
		}
	}

	session, err := scanSession(tx.QueryRow(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, fmt.Errorf("update session %q: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, fmt.Errorf("commit session update: %w", err)
	}
	return session, nil
}

const sessionColumns = "id, started_at, ended_at, source, broadcast_id, identity_name, status"

func scanSession(row pgx.Row) (models.Session, error) {
	var (
		session models.Session
		status  string
	)
	if err := row.Scan(
		&session.ID,
		&session.StartedAt,
		&session.EndedAt,
		&session.Source,
		&session.BroadcastID,
		&session.IdentityName,
		&status,
	); err != nil {
		return models.Session{}, err
	}
	session.Status = models.SessionStatus(status)
	return session, nil
}

func (r *postgresRepository) GetSession(ctx context.Context, id string) (models.Session, bool, error) {
	session, err := scanSession(r.pool.QueryRow(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, false, nil
	}
	if err != nil {
		return models.Session{}, false, fmt.Errorf("get session: %w", err)
	}
	return session, true, nil
}

func (r *postgresRepository) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = defaultSessionListLimit
	}
	rows, err := r.pool.Query(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY started_at DESC, id DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0, limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (r *postgresRepository) AppendLog(ctx context.Context, entry models.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO log_entries (session_id, logged_at, category, message, source, resource_ref)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.SessionID,
		entry.Timestamp.UTC(),
		string(entry.Category),
		entry.Message,
		entry.Source,
		entry.ResourceRef,
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (r *postgresRepository) QueryLogs(ctx context.Context, query LogQuery) ([]models.LogEntry, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if query.SessionID != "" {
		args = append(args, query.SessionID)
		clauses = append(clauses, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if query.Category != "" {
		args = append(args, string(query.Category))
		clauses = append(clauses, fmt.Sprintf("category = $%d", len(args)))
	}
	sql := "SELECT id, session_id, logged_at, category, message, source, resource_ref FROM log_entries"
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, query.limit())
	sql += fmt.Sprintf(" ORDER BY logged_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	entries := make([]models.LogEntry, 0)
	for rows.Next() {
		var (
			entry    models.LogEntry
			category string
		)
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Timestamp, &category, &entry.Message, &entry.Source, &entry.ResourceRef); err != nil {
			return nil, fmt.Errorf("query logs: %w", err)
		}
		entry.Category = models.LogCategory(category)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return entries, nil
}

func (r *postgresRepository) PurgeLogs(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM log_entries WHERE logged_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge logs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
