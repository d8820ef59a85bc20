package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"streamcast/internal/models"
)

// Snapshot is a fully opened copy of one datastore, used to move data between
// drivers. Credentials are unsealed in memory only.
type Snapshot struct {
	Identities []models.Identity
	Sessions   []models.Session
	LogEntries []models.LogEntry
}

// SnapshotCounts summarises a snapshot for migration reporting.
type SnapshotCounts struct {
	Identities int
	Sessions   int
	LogEntries int
}

// Counts tallies the snapshot contents.
func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Identities: len(s.Identities),
		Sessions:   len(s.Sessions),
		LogEntries: len(s.LogEntries),
	}
}

// LoadSnapshotFromJSON reads a JSON datastore file and opens every sealed
// credential with the given sealer.
func LoadSnapshotFromJSON(path string, sealer *Sealer) (Snapshot, error) {
	if sealer == nil {
		sealer = NewSealer("")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read store file: %w", err)
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return Snapshot{}, fmt.Errorf("decode store file: %w", err)
	}

	snapshot := Snapshot{
		Identities: make([]models.Identity, 0, len(data.Identities)),
		Sessions:   make([]models.Session, 0, len(data.Sessions)),
		LogEntries: append([]models.LogEntry(nil), data.LogEntries...),
	}
	for _, stored := range data.Identities {
		credentials, err := sealer.Open(stored.SealedCredentials)
		if err != nil {
			return Snapshot{}, fmt.Errorf("identity %q: %w", stored.DisplayName, err)
		}
		snapshot.Identities = append(snapshot.Identities, models.Identity{
			DisplayName: stored.DisplayName,
			ChannelID:   stored.ChannelID,
			Credentials: credentials,
			Stats:       stored.Stats,
			CreatedAt:   stored.CreatedAt,
			LastUsedAt:  stored.LastUsedAt,
		})
	}
	sort.Slice(snapshot.Identities, func(i, j int) bool {
		return snapshot.Identities[i].DisplayName < snapshot.Identities[j].DisplayName
	})
	for _, session := range data.Sessions {
		snapshot.Sessions = append(snapshot.Sessions, session)
	}
	sort.Slice(snapshot.Sessions, func(i, j int) bool {
		return snapshot.Sessions[i].StartedAt.Before(snapshot.Sessions[j].StartedAt)
	})
	// Log ids are reassigned on import; ascending insert order preserves the
	// original ordering.
	sort.Slice(snapshot.LogEntries, func(i, j int) bool {
		return snapshot.LogEntries[i].ID < snapshot.LogEntries[j].ID
	})
	return snapshot, nil
}

// ImportSnapshot writes the snapshot into the target repository.
func ImportSnapshot(ctx context.Context, repo Repository, snapshot Snapshot) error {
	for _, identity := range snapshot.Identities {
		if err := repo.SaveIdentity(ctx, identity); err != nil {
			return fmt.Errorf("import identity %q: %w", identity.DisplayName, err)
		}
	}
	for _, session := range snapshot.Sessions {
		if err := repo.CreateSession(ctx, session); err != nil {
			return fmt.Errorf("import session %q: %w", session.ID, err)
		}
	}
	for _, entry := range snapshot.LogEntries {
		if err := repo.AppendLog(ctx, entry); err != nil {
			return fmt.Errorf("import log entry %d: %w", entry.ID, err)
		}
	}
	return nil
}
