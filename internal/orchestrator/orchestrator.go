package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamcast/internal/encoder"
	"streamcast/internal/models"
	"streamcast/internal/observability/logging"
	"streamcast/internal/storage"
)

// ErrSessionActive is returned when a session start races a running session.
var ErrSessionActive = errors.New("a session is already active")

// State is the orchestrator's lifecycle position.
type State string

const (
	StateIdle         State = "idle"
	StateProvisioning State = "provisioning"
	StateStreaming    State = "streaming"
)

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	State   State           `json:"state"`
	Session *models.Session `json:"session,omitempty"`
}

// StartOptions carries the optional attributes of a session.
type StartOptions struct {
	BroadcastID  string
	IdentityName string
	// IngestURL overrides the default ingest base joined with the key.
	IngestURL     string
	IngestBaseURL string
	Profile       encoder.Profile
}

// Orchestrator runs at most one encoder session at a time and records its
// lifecycle and output durably.
type Orchestrator struct {
	repo       storage.Repository
	supervisor *encoder.Supervisor
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	ingestBase string

	mu            sync.Mutex
	state         State
	session       models.Session
	process       *encoder.Process
	stopRequested bool
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides session id generation for tests.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithIngestBaseURL sets the ingest base used when a start request carries
// neither a base nor a full ingest URL.
func WithIngestBaseURL(base string) Option {
	return func(o *Orchestrator) {
		o.ingestBase = strings.TrimSpace(base)
	}
}

// New builds an orchestrator over the given store and supervisor.
func New(repo storage.Repository, supervisor *encoder.Supervisor, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	orchestrator := &Orchestrator{
		repo:       repo,
		supervisor: supervisor,
		logger:     logging.WithComponent(logger, "orchestrator"),
		now:        time.Now,
		newID:      uuid.NewString,
		state:      StateIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(orchestrator)
		}
	}
	return orchestrator
}

// appendLog writes to the event log; failures go to the fallback logger and
// never interrupt streaming.
func (o *Orchestrator) appendLog(entry models.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = o.now().UTC()
	}
	if err := o.repo.AppendLog(context.Background(), entry); err != nil {
		o.logger.Error("append log entry failed", "session_id", entry.SessionID, "error", err)
	}
}

// StartSession launches the encoder for the given source and stream key. Only
// one session may run at a time.
func (o *Orchestrator) StartSession(ctx context.Context, source, streamKey string, opts StartOptions) (models.Session, error) {
	source = strings.TrimSpace(source)
	streamKey = strings.TrimSpace(streamKey)
	if source == "" {
		return models.Session{}, fmt.Errorf("source is required")
	}
	if streamKey == "" && strings.TrimSpace(opts.IngestURL) == "" {
		return models.Session{}, fmt.Errorf("stream key is required")
	}

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return models.Session{}, ErrSessionActive
	}
	now := o.now().UTC()
	session := models.Session{
		ID:           o.newID(),
		StartedAt:    now,
		Source:       source,
		BroadcastID:  strings.TrimSpace(opts.BroadcastID),
		IdentityName: strings.TrimSpace(opts.IdentityName),
		Status:       models.SessionPending,
	}
	o.state = StateProvisioning
	o.session = session
	o.stopRequested = false
	o.mu.Unlock()

	fail := func(err error) (models.Session, error) {
		o.mu.Lock()
		o.state = StateIdle
		o.session = models.Session{}
		o.process = nil
		o.mu.Unlock()
		return models.Session{}, err
	}

	if err := o.repo.CreateSession(ctx, session); err != nil {
		return fail(err)
	}
	o.appendLog(models.LogEntry{
		SessionID: session.ID,
		Category:  models.LogInfo,
		Message:   "session starting",
		Source:    source,
	})

	sessionID := session.ID
	ingestBase := strings.TrimSpace(opts.IngestBaseURL)
	if ingestBase == "" {
		ingestBase = o.ingestBase
	}
	process, err := o.supervisor.Start(ctx, encoder.StartRequest{
		SessionID:     sessionID,
		Source:        source,
		StreamKey:     streamKey,
		IngestBaseURL: ingestBase,
		IngestURL:     opts.IngestURL,
		Profile:       opts.Profile,
		Sink: func(line string) {
			o.appendLog(models.LogEntry{
				SessionID: sessionID,
				Category:  models.LogEncoderOutput,
				Message:   line,
			})
		},
		OnExit: func(exitErr error) {
			o.finishSession(sessionID, exitErr)
		},
	})
	if err != nil {
		o.appendLog(models.LogEntry{
			SessionID: sessionID,
			Category:  models.LogError,
			Message:   fmt.Sprintf("encoder launch failed: %v", err),
		})
		o.markSessionEnded(sessionID, models.SessionFailed)
		_, startErr := fail(err)
		return models.Session{}, startErr
	}

	// The exit callback may already have fired for a short-lived process;
	// it clears the session, so only claim the streaming state while it is
	// still ours. The active transition is written under the lock: the exit
	// callback has to take it first, so the ended status always lands last
	// and a failed launch never leaves an active row behind.
	o.mu.Lock()
	if o.session.ID == sessionID {
		active := models.SessionActive
		if updated, err := o.repo.UpdateSession(ctx, sessionID, storage.SessionUpdate{Status: &active}); err != nil {
			o.logger.Error("mark session active failed", "session_id", sessionID, "error", err)
		} else {
			session = updated
		}
		o.state = StateStreaming
		o.session = session
		o.process = process
	}
	o.mu.Unlock()

	if opts.IdentityName != "" {
		if err := o.repo.TouchIdentity(ctx, opts.IdentityName); err != nil {
			o.logger.Warn("touch identity failed", "identity", opts.IdentityName, "error", err)
		}
	}

	o.logger.Info("session started", "session_id", sessionID, "source", source)
	if current, ok, err := o.repo.GetSession(ctx, sessionID); err == nil && ok {
		return current, nil
	}
	return session, nil
}

func (o *Orchestrator) markSessionEnded(sessionID string, status models.SessionStatus) {
	endedAt := o.now().UTC()
	if _, err := o.repo.UpdateSession(context.Background(), sessionID, storage.SessionUpdate{
		Status:  &status,
		EndedAt: &endedAt,
	}); err != nil {
		o.logger.Error("mark session ended failed", "session_id", sessionID, "error", err)
	}
}

// finishSession runs from the encoder exit callback after the terminal output
// line has been recorded.
func (o *Orchestrator) finishSession(sessionID string, exitErr error) {
	o.mu.Lock()
	if o.session.ID != sessionID {
		o.mu.Unlock()
		return
	}
	requested := o.stopRequested
	o.state = StateIdle
	o.session = models.Session{}
	o.process = nil
	o.stopRequested = false
	o.mu.Unlock()

	status := models.SessionStopped
	if exitErr != nil && !requested {
		status = models.SessionFailed
	}
	o.markSessionEnded(sessionID, status)

	message := "session stopped"
	category := models.LogInfo
	if status == models.SessionFailed {
		message = fmt.Sprintf("session failed: %v", exitErr)
		category = models.LogError
	}
	o.appendLog(models.LogEntry{SessionID: sessionID, Category: category, Message: message})
	o.logger.Info("session finished", "session_id", sessionID, "status", string(status))
}

// StopSession halts the running session. Stopping when nothing runs is a
// no-op.
func (o *Orchestrator) StopSession(ctx context.Context) error {
	o.mu.Lock()
	process := o.process
	if process == nil {
		o.mu.Unlock()
		return nil
	}
	o.stopRequested = true
	sessionID := o.session.ID
	o.mu.Unlock()

	o.logger.Info("stopping session", "session_id", sessionID)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, encoder.StopTimeout)
		defer cancel()
	}
	return process.Stop(ctx)
}

// Status reports the current state and, when one is running, the session.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := Snapshot{State: o.state}
	if o.session.ID != "" {
		session := o.session
		snapshot.Session = &session
	}
	return snapshot
}

// CurrentSession returns the active session, if any.
func (o *Orchestrator) CurrentSession() (models.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session.ID == "" {
		return models.Session{}, false
	}
	return o.session, true
}
