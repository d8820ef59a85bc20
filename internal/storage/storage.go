package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"streamcast/internal/models"
)

// storedIdentity is the on-disk shape of an identity. Credential material is
// kept as an opaque sealed string so the snapshot never holds raw tokens when
// a credential key is configured.
type storedIdentity struct {
	DisplayName       string              `json:"displayName"`
	ChannelID         string              `json:"channelId"`
	SealedCredentials string              `json:"sealedCredentials"`
	Stats             models.ChannelStats `json:"stats"`
	CreatedAt         time.Time           `json:"createdAt"`
	LastUsedAt        time.Time           `json:"lastUsedAt"`
}

type dataset struct {
	Identities map[string]storedIdentity `json:"identities"`
	Sessions   map[string]models.Session `json:"sessions"`
	LogEntries []models.LogEntry         `json:"logEntries"`
	NextLogID  int64                     `json:"nextLogId"`
}

func newDataset() dataset {
	return dataset{
		Identities: make(map[string]storedIdentity),
		Sessions:   make(map[string]models.Session),
		NextLogID:  1,
	}
}

// Storage is the JSON-snapshot repository. Every mutation rewrites the
// snapshot through a temp file and rename so a crash mid-write never leaves a
// partial store on disk.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	sealer   *Sealer
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithSealer installs a credential sealer for identity persistence.
func WithSealer(sealer *Sealer) Option {
	return func(s *Storage) {
		s.sealer = sealer
	}
}

// NewStorage opens (or creates) the snapshot at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{filePath: path}
	for _, opt := range opts {
		opt(store)
	}
	if store.sealer == nil {
		store.sealer = NewSealer("")
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	if s.data.Identities == nil {
		s.data.Identities = make(map[string]storedIdentity)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.Session)
	}
	if s.data.NextLogID <= 0 {
		s.data.NextLogID = 1
		for _, entry := range s.data.LogEntries {
			if entry.ID >= s.data.NextLogID {
				s.data.NextLogID = entry.ID + 1
			}
		}
	}
	return nil
}

func (s *Storage) persistLocked() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Storage) sealIdentity(identity models.Identity) (storedIdentity, error) {
	sealed, err := s.sealer.Seal(identity.Credentials)
	if err != nil {
		return storedIdentity{}, err
	}
	return storedIdentity{
		DisplayName:       identity.DisplayName,
		ChannelID:         identity.ChannelID,
		SealedCredentials: sealed,
		Stats:             identity.Stats,
		CreatedAt:         identity.CreatedAt,
		LastUsedAt:        identity.LastUsedAt,
	}, nil
}

func (s *Storage) openIdentity(stored storedIdentity) (models.Identity, error) {
	credentials, err := s.sealer.Open(stored.SealedCredentials)
	if err != nil {
		return models.Identity{}, fmt.Errorf("identity %q: %w", stored.DisplayName, err)
	}
	return models.Identity{
		DisplayName: stored.DisplayName,
		ChannelID:   stored.ChannelID,
		Credentials: credentials,
		Stats:       stored.Stats,
		CreatedAt:   stored.CreatedAt,
		LastUsedAt:  stored.LastUsedAt,
	}, nil
}

// SaveIdentity inserts or replaces the identity keyed by display name.
func (s *Storage) SaveIdentity(_ context.Context, identity models.Identity) error {
	if identity.DisplayName == "" {
		return fmt.Errorf("identity display name is required")
	}
	if identity.LastUsedAt.IsZero() {
		identity.LastUsedAt = time.Now().UTC()
	}
	stored, err := s.sealIdentity(identity)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.data.Identities[identity.DisplayName]
	s.data.Identities[identity.DisplayName] = stored
	if err := s.persistLocked(); err != nil {
		if existed {
			s.data.Identities[identity.DisplayName] = previous
		} else {
			delete(s.data.Identities, identity.DisplayName)
		}
		return err
	}
	return nil
}

// ListIdentities returns all identities, most recently used first.
func (s *Storage) ListIdentities(_ context.Context) ([]models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identities := make([]models.Identity, 0, len(s.data.Identities))
	for _, stored := range s.data.Identities {
		identity, err := s.openIdentity(stored)
		if err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	sort.Slice(identities, func(i, j int) bool {
		if identities[i].LastUsedAt.Equal(identities[j].LastUsedAt) {
			return identities[i].DisplayName < identities[j].DisplayName
		}
		return identities[i].LastUsedAt.After(identities[j].LastUsedAt)
	})
	return identities, nil
}

// GetIdentity looks up a single identity by display name.
func (s *Storage) GetIdentity(_ context.Context, name string) (models.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.data.Identities[name]
	if !ok {
		return models.Identity{}, false, nil
	}
	identity, err := s.openIdentity(stored)
	if err != nil {
		return models.Identity{}, false, err
	}
	return identity, true, nil
}

// TouchIdentity stamps the identity's last-used time.
func (s *Storage) TouchIdentity(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.data.Identities[name]
	if !ok {
		return fmt.Errorf("touch identity %q: %w", name, ErrIdentityNotFound)
	}
	previous := stored
	stored.LastUsedAt = time.Now().UTC()
	s.data.Identities[name] = stored
	if err := s.persistLocked(); err != nil {
		s.data.Identities[name] = previous
		return err
	}
	return nil
}

// CreateSession records a new session.
func (s *Storage) CreateSession(_ context.Context, session models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Sessions[session.ID]; exists {
		return fmt.Errorf("session %q already exists", session.ID)
	}
	s.data.Sessions[session.ID] = session
	if err := s.persistLocked(); err != nil {
		delete(s.data.Sessions, session.ID)
		return err
	}
	return nil
}

// UpdateSession applies the non-nil fields of the update and returns the
// resulting session.
func (s *Storage) UpdateSession(_ context.Context, id string, update SessionUpdate) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("update session %q: %w", id, ErrSessionNotFound)
	}
	previous := session
	if update.Status != nil {
		session.Status = *update.Status
	}
	if update.EndedAt != nil {
		endedAt := update.EndedAt.UTC()
		session.EndedAt = &endedAt
	}
	s.data.Sessions[id] = session
	if err := s.persistLocked(); err != nil {
		s.data.Sessions[id] = previous
		return models.Session{}, err
	}
	return session, nil
}

// GetSession looks up a session by id.
func (s *Storage) GetSession(_ context.Context, id string) (models.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	return session, ok, nil
}

// ListSessions returns sessions ordered most recent first.
func (s *Storage) ListSessions(_ context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = defaultSessionListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]models.Session, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// AppendLog assigns the entry its id and appends it to the log.
func (s *Storage) AppendLog(_ context.Context, entry models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = s.data.NextLogID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.data.LogEntries = append(s.data.LogEntries, entry)
	s.data.NextLogID++
	if err := s.persistLocked(); err != nil {
		s.data.LogEntries = s.data.LogEntries[:len(s.data.LogEntries)-1]
		s.data.NextLogID--
		return err
	}
	return nil
}

// QueryLogs returns matching entries ordered newest first.
func (s *Storage) QueryLogs(_ context.Context, query LogQuery) ([]models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]models.LogEntry, 0, len(s.data.LogEntries))
	for _, entry := range s.data.LogEntries {
		if query.SessionID != "" && entry.SessionID != query.SessionID {
			continue
		}
		if query.Category != "" && entry.Category != query.Category {
			continue
		}
		matches = append(matches, entry)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Timestamp.Equal(matches[j].Timestamp) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})
	if limit := query.limit(); len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// PurgeLogs drops entries older than the cutoff and reports how many were
// removed. Log ids are never reused.
func (s *Storage) PurgeLogs(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]models.LogEntry, 0, len(s.data.LogEntries))
	for _, entry := range s.data.LogEntries {
		if entry.Timestamp.Before(before) {
			continue
		}
		kept = append(kept, entry)
	}
	removed := len(s.data.LogEntries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	previous := s.data.LogEntries
	s.data.LogEntries = kept
	if err := s.persistLocked(); err != nil {
		s.data.LogEntries = previous
		return 0, err
	}
	return removed, nil
}

// Close is a no-op for the snapshot driver.
func (s *Storage) Close(context.Context) error {
	return nil
}
