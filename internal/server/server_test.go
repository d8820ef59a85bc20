package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streamcast/internal/auth"
	"streamcast/internal/broadcast"
	"streamcast/internal/encoder"
	"streamcast/internal/models"
	"streamcast/internal/orchestrator"
	"streamcast/internal/storage"
)

type fakeAuth struct {
	authorizeURL string
	exchangeErr  error
	bundle       models.CredentialBundle
	verifyErr    error
	identity     models.Identity
}

func (f *fakeAuth) AuthorizeURL(string) (string, error) {
	return f.authorizeURL, nil
}

func (f *fakeAuth) Exchange(context.Context, string) (models.CredentialBundle, error) {
	if f.exchangeErr != nil {
		return models.CredentialBundle{}, f.exchangeErr
	}
	return f.bundle, nil
}

func (f *fakeAuth) Verify(_ context.Context, displayName string, _ models.CredentialBundle) (models.Identity, error) {
	if f.verifyErr != nil {
		return models.Identity{}, f.verifyErr
	}
	identity := f.identity
	if displayName != "" {
		identity.DisplayName = displayName
	}
	return identity, nil
}

type fakeBroadcast struct {
	stream       models.StreamResource
	streamErr    error
	provisioned  broadcast.Provisioned
	provisionErr error
	broadcasts   []models.BroadcastResource
	listErr      error
	resolveErr   error
}

func (f *fakeBroadcast) CreateStream(context.Context, string) (models.StreamResource, error) {
	return f.stream, f.streamErr
}

func (f *fakeBroadcast) CreateManagedBroadcast(context.Context, string, broadcast.Params) (broadcast.Provisioned, error) {
	if f.provisionErr != nil {
		return broadcast.Provisioned{}, f.provisionErr
	}
	return f.provisioned, nil
}

func (f *fakeBroadcast) ListBroadcasts(context.Context, string, int) ([]models.BroadcastResource, error) {
	return f.broadcasts, f.listErr
}

func (f *fakeBroadcast) ResolveStreamKey(context.Context, string, string) (models.StreamResource, error) {
	if f.resolveErr != nil {
		return models.StreamResource{}, f.resolveErr
	}
	return f.stream, nil
}

type fakeSessions struct {
	session    models.Session
	startErr   error
	lastSource string
	lastKey    string
	lastOpts   orchestrator.StartOptions
	stopped    int
	snapshot   orchestrator.Snapshot
}

func (f *fakeSessions) StartSession(_ context.Context, source, streamKey string, opts orchestrator.StartOptions) (models.Session, error) {
	f.lastSource = source
	f.lastKey = streamKey
	f.lastOpts = opts
	if f.startErr != nil {
		return models.Session{}, f.startErr
	}
	return f.session, nil
}

func (f *fakeSessions) StopSession(context.Context) error {
	f.stopped++
	return nil
}

func (f *fakeSessions) Status() orchestrator.Snapshot {
	return f.snapshot
}

type testEnv struct {
	repo      storage.Repository
	auth      *fakeAuth
	broadcast *fakeBroadcast
	sessions  *fakeSessions
	handler   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	env := &testEnv{
		repo:      repo,
		auth:      &fakeAuth{authorizeURL: "https://accounts.example.com/auth?x=1"},
		broadcast: &fakeBroadcast{},
		sessions:  &fakeSessions{snapshot: orchestrator.Snapshot{State: orchestrator.StateIdle}},
	}
	env.handler = New(repo, env.auth, env.broadcast, env.sessions, nil).Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
}

func TestListIdentitiesHidesCredentials(t *testing.T) {
	env := newTestEnv(t)
	identity := models.Identity{
		DisplayName: "alice",
		ChannelID:   "UC1",
		Credentials: models.CredentialBundle{AccessToken: "secret-token", RefreshToken: "secret-refresh"},
		Stats:       models.ChannelStats{Subscribers: 5},
	}
	if err := env.repo.SaveIdentity(context.Background(), identity); err != nil {
		t.Fatalf("SaveIdentity returned error: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/identities", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "secret-token") || strings.Contains(rec.Body.String(), "secret-refresh") {
		t.Fatalf("credentials leaked: %s", rec.Body.String())
	}
	var views []identityView
	decodeBody(t, rec, &views)
	if len(views) != 1 || views[0].DisplayName != "alice" || views[0].Stats.Subscribers != 5 {
		t.Fatalf("unexpected views: %+v", views)
	}
}

func TestListCategories(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/categories", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var views []categoryView
	decodeBody(t, rec, &views)
	if len(views) == 0 {
		t.Fatal("expected a non-empty category catalogue")
	}
	var sawDefault bool
	for _, view := range views {
		if view.ID == models.DefaultCategoryID {
			if !view.Default {
				t.Fatalf("default category not flagged: %+v", view)
			}
			sawDefault = true
		}
	}
	if !sawDefault {
		t.Fatal("default category missing from catalogue")
	}
}

func TestAuthURL(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/auth/url", `{"state": "s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	decodeBody(t, rec, &payload)
	if payload["url"] != "https://accounts.example.com/auth?x=1" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestAuthExchange(t *testing.T) {
	env := newTestEnv(t)
	env.auth.identity = models.Identity{DisplayName: "Demo Channel", ChannelID: "UC1"}

	rec := env.do(t, http.MethodPost, "/api/auth/exchange", `{"code": "c1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var view identityView
	decodeBody(t, rec, &view)
	if view.DisplayName != "Demo Channel" {
		t.Fatalf("unexpected view %+v", view)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/exchange", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing code should be 400, got %d", rec.Code)
	}
}

func TestAuthExchangeErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	env.auth.exchangeErr = auth.ErrCodeConsumed
	if rec := env.do(t, http.MethodPost, "/api/auth/exchange", `{"code": "c1"}`); rec.Code != http.StatusConflict {
		t.Fatalf("consumed code should be 409, got %d", rec.Code)
	}

	env.auth.exchangeErr = &auth.AuthError{Status: 400, Message: "invalid_grant"}
	if rec := env.do(t, http.MethodPost, "/api/auth/exchange", `{"code": "c2"}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("platform error should be 502, got %d", rec.Code)
	}

	env.auth.exchangeErr = &auth.AuthError{Status: 401, Message: "expired", Expired: true}
	if rec := env.do(t, http.MethodPost, "/api/auth/exchange", `{"code": "c3"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired auth should be 401, got %d", rec.Code)
	}
}

func TestProvisionStream(t *testing.T) {
	env := newTestEnv(t)
	env.broadcast.stream = models.StreamResource{ID: "s1", IngestURL: "rtmp://x/live2", StreamKey: "key-1"}

	rec := env.do(t, http.MethodPost, "/api/provision/stream", `{"identity": "alice"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var stream models.StreamResource
	decodeBody(t, rec, &stream)
	if stream.StreamKey != "key-1" {
		t.Fatalf("unexpected stream %+v", stream)
	}

	if rec := env.do(t, http.MethodPost, "/api/provision/stream", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing identity should be 400, got %d", rec.Code)
	}
}

func TestProvisionBroadcastPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.broadcast.provisionErr = &broadcast.ProvisionError{
		Step:            "bind",
		Status:          409,
		Detail:          "already bound",
		PartialStreamID: "s1",
	}

	rec := env.do(t, http.MethodPost, "/api/provision/broadcast", `{"identity": "alice", "title": "Show"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	decodeBody(t, rec, &payload)
	if payload["partialStreamId"] != "s1" {
		t.Fatalf("expected orphan marker in %v", payload)
	}
}

func TestProvisionBroadcastValidation(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodPost, "/api/provision/broadcast", `{"identity": "a"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing title should be 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/provision/broadcast", `{"identity": "a", "title": "x", "privacy": "secret"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad privacy should be 400, got %d", rec.Code)
	}
}

func TestListBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	env.broadcast.broadcasts = []models.BroadcastResource{{ID: "b1", Title: "One"}}

	rec := env.do(t, http.MethodGet, "/api/broadcasts?identity=alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var broadcasts []models.BroadcastResource
	decodeBody(t, rec, &broadcasts)
	if len(broadcasts) != 1 || broadcasts[0].ID != "b1" {
		t.Fatalf("unexpected broadcasts %+v", broadcasts)
	}

	if rec := env.do(t, http.MethodGet, "/api/broadcasts", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing identity should be 400, got %d", rec.Code)
	}
}

func TestResolveStreamKeyNotBound(t *testing.T) {
	env := newTestEnv(t)
	env.broadcast.resolveErr = broadcast.ErrStreamNotBound
	rec := env.do(t, http.MethodGet, "/api/broadcasts/b1/key?identity=alice", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unbound stream should be 404, got %d", rec.Code)
	}
}

func TestStartSessionManualKey(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.session = models.Session{ID: "sess-1", Status: models.SessionActive}

	rec := env.do(t, http.MethodPost, "/api/sessions", `{"source": "demo.mp4", "streamKey": "ABCD-1234", "compact": true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if env.sessions.lastSource != "demo.mp4" || env.sessions.lastKey != "ABCD-1234" {
		t.Fatalf("unexpected start args: %q %q", env.sessions.lastSource, env.sessions.lastKey)
	}
	if !env.sessions.lastOpts.Profile.CompactMode {
		t.Fatal("compact flag should map to the encoder profile")
	}
}

func TestStartSessionResolvesBroadcastKey(t *testing.T) {
	env := newTestEnv(t)
	env.broadcast.stream = models.StreamResource{ID: "s1", StreamKey: "resolved-key"}
	env.sessions.session = models.Session{ID: "sess-1"}

	rec := env.do(t, http.MethodPost, "/api/sessions", `{"source": "demo.mp4", "broadcastId": "b1", "identity": "alice"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if env.sessions.lastKey != "resolved-key" {
		t.Fatalf("expected resolved key, got %q", env.sessions.lastKey)
	}
	if env.sessions.lastOpts.BroadcastID != "b1" {
		t.Fatalf("expected broadcast id recorded, got %+v", env.sessions.lastOpts)
	}
}

func TestStartSessionConflict(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.startErr = orchestrator.ErrSessionActive
	rec := env.do(t, http.MethodPost, "/api/sessions", `{"source": "demo.mp4", "streamKey": "k"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("active session should be 409, got %d", rec.Code)
	}
}

func TestStartSessionFailuresAreServerErrors(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.startErr = errors.New("storage: write failed")
	if rec := env.do(t, http.MethodPost, "/api/sessions", `{"source": "demo.mp4", "streamKey": "k"}`); rec.Code != http.StatusInternalServerError {
		t.Fatalf("storage failure should be 500, got %d", rec.Code)
	}

	env.sessions.startErr = &encoder.LaunchError{Binary: "ffmpeg", Err: errors.New("not found")}
	if rec := env.do(t, http.MethodPost, "/api/sessions", `{"source": "demo.mp4", "streamKey": "k"}`); rec.Code != http.StatusInternalServerError {
		t.Fatalf("launch failure should be 500, got %d", rec.Code)
	}
}

func TestStartSessionValidation(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodPost, "/api/sessions", `{"streamKey": "k"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing source should be 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/sessions", `{"source": "demo.mp4"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing key should be 400, got %d", rec.Code)
	}
}

func TestStopAndStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodDelete, "/api/sessions/current", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if env.sessions.stopped != 1 {
		t.Fatalf("expected one stop call, got %d", env.sessions.stopped)
	}

	rec = env.do(t, http.MethodGet, "/api/sessions/current", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var snapshot orchestrator.Snapshot
	decodeBody(t, rec, &snapshot)
	if snapshot.State != orchestrator.StateIdle {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestSessionLogsAndGlobalLogs(t *testing.T) {
	env := newTestEnv(t)
	base := time.Now().UTC()
	entries := []models.LogEntry{
		{SessionID: "sess-1", Timestamp: base, Category: models.LogInfo, Message: "starting"},
		{SessionID: "sess-1", Timestamp: base.Add(time.Second), Category: models.LogEncoderOutput, Message: "frame=1"},
		{SessionID: "sess-2", Timestamp: base.Add(2 * time.Second), Category: models.LogError, Message: "boom"},
	}
	for _, entry := range entries {
		if err := env.repo.AppendLog(context.Background(), entry); err != nil {
			t.Fatalf("AppendLog returned error: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/sessions/sess-1/logs?category=encoder-output", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var logs []models.LogEntry
	decodeBody(t, rec, &logs)
	if len(logs) != 1 || logs[0].Message != "frame=1" {
		t.Fatalf("unexpected logs %+v", logs)
	}

	rec = env.do(t, http.MethodGet, "/api/logs", "")
	decodeBody(t, rec, &logs)
	if len(logs) != 3 {
		t.Fatalf("expected all logs, got %+v", logs)
	}

	if rec := env.do(t, http.MethodGet, "/api/logs?category=verbose", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad category should be 400, got %d", rec.Code)
	}
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)
	session := models.Session{ID: "sess-1", StartedAt: time.Now().UTC(), Status: models.SessionStopped}
	if err := env.repo.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var sessions []models.Session
	decodeBody(t, rec, &sessions)
	if len(sessions) != 1 || sessions[0].ID != "sess-1" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}
