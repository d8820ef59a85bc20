package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
)

func testConfig(tokenURL string) ClientConfig {
	return ClientConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthorizeURL: "https://accounts.example.com/auth",
		TokenURL:     tokenURL,
		RedirectURL:  "http://localhost:8080/callback",
		Scopes:       []string{"https://www.googleapis.com/auth/youtube.force-ssl"},
	}
}

func newTestRepo(t *testing.T) storage.Repository {
	t.Helper()
	repo, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	return repo
}

func TestAuthorizeURLParameters(t *testing.T) {
	coordinator, err := NewCoordinator(testConfig("https://accounts.example.com/token"), newTestRepo(t))
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}
	raw, err := coordinator.AuthorizeURL("state-1")
	if err != nil {
		t.Fatalf("AuthorizeURL returned error: %v", err)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	query := parsed.Query()
	expectations := map[string]string{
		"response_type": "code",
		"client_id":     "client-id",
		"redirect_uri":  "http://localhost:8080/callback",
		"access_type":   "offline",
		"prompt":        "consent",
		"state":         "state-1",
	}
	for key, want := range expectations {
		if got := query.Get(key); got != want {
			t.Fatalf("query %s = %q, want %q", key, got, want)
		}
	}
	if !strings.Contains(query.Get("scope"), "youtube.force-ssl") {
		t.Fatalf("scope missing: %q", query.Get("scope"))
	}
}

func TestExchangeSuccess(t *testing.T) {
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "at-1", "refresh_token": "rt-1", "expires_in": 3600}`))
	}))
	defer server.Close()

	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	coordinator, err := NewCoordinator(testConfig(server.URL), newTestRepo(t), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}

	bundle, err := coordinator.Exchange(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("Exchange returned error: %v", err)
	}
	if bundle.AccessToken != "at-1" || bundle.RefreshToken != "rt-1" {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}
	if !bundle.Expiry.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", bundle.Expiry)
	}
	if gotForm.Get("grant_type") != "authorization_code" || gotForm.Get("code") != "code-1" {
		t.Fatalf("unexpected token form: %v", gotForm)
	}
	if gotForm.Get("client_secret") != "client-secret" || gotForm.Get("redirect_uri") != "http://localhost:8080/callback" {
		t.Fatalf("unexpected token form: %v", gotForm)
	}
}

func TestExchangeRejectsReplayedCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token": "at", "refresh_token": "rt"}`))
	}))
	defer server.Close()

	coordinator, err := NewCoordinator(testConfig(server.URL), newTestRepo(t))
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}
	if _, err := coordinator.Exchange(context.Background(), "code-1"); err != nil {
		t.Fatalf("first exchange returned error: %v", err)
	}
	if _, err := coordinator.Exchange(context.Background(), "code-1"); !errors.Is(err, ErrCodeConsumed) {
		t.Fatalf("expected ErrCodeConsumed, got %v", err)
	}
}

// flakyTransport fails the first n round-trips at the transport level.
type flakyTransport struct {
	failures int
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(req)
}

func TestExchangeTransportFailureReleasesCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token": "at-1", "refresh_token": "rt-1"}`))
	}))
	defer server.Close()

	coordinator, err := NewCoordinator(testConfig(server.URL), newTestRepo(t),
		WithHTTPClient(&http.Client{Transport: &flakyTransport{failures: 1, next: http.DefaultTransport}}))
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}

	_, err = coordinator.Exchange(context.Background(), "code-1")
	if err == nil {
		t.Fatal("expected transport failure on first exchange")
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		t.Fatalf("transport failure must not surface as AuthError: %v", err)
	}

	// the platform never saw the code, so the retry goes through
	if _, err := coordinator.Exchange(context.Background(), "code-1"); err != nil {
		t.Fatalf("retry after transport failure returned error: %v", err)
	}

	// a completed exchange still arms the replay guard
	if _, err := coordinator.Exchange(context.Background(), "code-1"); !errors.Is(err, ErrCodeConsumed) {
		t.Fatalf("expected ErrCodeConsumed after successful exchange, got %v", err)
	}
}

func TestExchangeSurfacesTruncatedErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant", "padding": "` + strings.Repeat("x", 1024) + `"}`))
	}))
	defer server.Close()

	coordinator, err := NewCoordinator(testConfig(server.URL), newTestRepo(t))
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}
	_, err = coordinator.Exchange(context.Background(), "bad-code")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if authErr.Status != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", authErr.Status)
	}
	if len(authErr.Message) > 512 {
		t.Fatalf("error body not truncated: %d bytes", len(authErr.Message))
	}
	if !strings.Contains(authErr.Message, "invalid_grant") {
		t.Fatalf("error body missing detail: %q", authErr.Message)
	}
}

func TestVerifyPersistsIdentity(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("mine") != "true" {
			t.Errorf("expected mine=true, got %v", r.URL.Query())
		}
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Write([]byte(`{"items": [{
			"id": "UC123",
			"snippet": {"title": "Demo Channel"},
			"statistics": {"subscriberCount": "1200", "viewCount": "99000", "videoCount": "45"}
		}]}`))
	}))
	defer api.Close()

	repo := newTestRepo(t)
	coordinator, err := NewCoordinator(testConfig("https://accounts.example.com/token"), repo, WithAPIBaseURL(api.URL))
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}

	bundle := models.CredentialBundle{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: time.Now().Add(time.Hour)}
	identity, err := coordinator.Verify(context.Background(), "", bundle)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if identity.DisplayName != "Demo Channel" || identity.ChannelID != "UC123" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if identity.Stats.Subscribers != 1200 || identity.Stats.Videos != 45 {
		t.Fatalf("unexpected stats: %+v", identity.Stats)
	}

	saved, ok, err := repo.GetIdentity(context.Background(), "Demo Channel")
	if err != nil || !ok {
		t.Fatalf("identity not persisted: ok=%v err=%v", ok, err)
	}
	if saved.Credentials.AccessToken != "at-1" {
		t.Fatalf("unexpected persisted credentials: %+v", saved.Credentials)
	}
}

func TestVerifyNoChannel(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items": []}`))
	}))
	defer api.Close()

	coordinator, err := NewCoordinator(testConfig("https://accounts.example.com/token"), newTestRepo(t), WithAPIBaseURL(api.URL))
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}
	_, err = coordinator.Verify(context.Background(), "name", models.CredentialBundle{AccessToken: "at", Expiry: time.Now().Add(time.Hour)})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
}

func TestDoRefreshesOn401AndPersists(t *testing.T) {
	var tokenCalls int
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "rt-1" {
			t.Errorf("unexpected refresh form: %v", r.PostForm)
		}
		w.Write([]byte(`{"access_token": "at-2", "expires_in": 3600}`))
	}))
	defer tokenServer.Close()

	var apiCalls int
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		if r.Header.Get("Authorization") == "Bearer at-2" {
			w.Write([]byte(`{"ok": true}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "invalid token"}`))
	}))
	defer api.Close()

	repo := newTestRepo(t)
	identity := models.Identity{
		DisplayName: "alice",
		Credentials: models.CredentialBundle{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: time.Now().Add(time.Hour)},
	}
	if err := repo.SaveIdentity(context.Background(), identity); err != nil {
		t.Fatalf("SaveIdentity returned error: %v", err)
	}

	coordinator, err := NewCoordinator(testConfig(tokenServer.URL), repo)
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}

	response, err := coordinator.Do(context.Background(), "alice", func(token string) (*http.Request, error) {
		request, err := http.NewRequest(http.MethodGet, api.URL, nil)
		if err != nil {
			return nil, err
		}
		request.Header.Set("Authorization", "Bearer "+token)
		return request, nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	if tokenCalls != 1 || apiCalls != 2 {
		t.Fatalf("expected one refresh and one retry, got tokenCalls=%d apiCalls=%d", tokenCalls, apiCalls)
	}

	saved, _, err := repo.GetIdentity(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetIdentity returned error: %v", err)
	}
	if saved.Credentials.AccessToken != "at-2" {
		t.Fatalf("refreshed token not persisted: %+v", saved.Credentials)
	}
}

func TestDoRefreshFailureMarksExpired(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant"}`))
	}))
	defer tokenServer.Close()

	repo := newTestRepo(t)
	identity := models.Identity{
		DisplayName: "alice",
		Credentials: models.CredentialBundle{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: time.Now().Add(-time.Minute)},
	}
	if err := repo.SaveIdentity(context.Background(), identity); err != nil {
		t.Fatalf("SaveIdentity returned error: %v", err)
	}

	coordinator, err := NewCoordinator(testConfig(tokenServer.URL), repo)
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}
	_, err = coordinator.Do(context.Background(), "alice", func(token string) (*http.Request, error) {
		return http.NewRequest(http.MethodGet, "http://127.0.0.1:0/", nil)
	})
	var authErr *AuthError
	if !errors.As(err, &authErr) || !authErr.Expired {
		t.Fatalf("expected expired AuthError, got %v", err)
	}
}

func TestDoUnknownIdentity(t *testing.T) {
	coordinator, err := NewCoordinator(testConfig("https://accounts.example.com/token"), newTestRepo(t))
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}
	_, err = coordinator.Do(context.Background(), "ghost", func(token string) (*http.Request, error) {
		return http.NewRequest(http.MethodGet, "http://127.0.0.1:0/", nil)
	})
	if !errors.Is(err, storage.ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestMemoryConsumedCodes(t *testing.T) {
	store := NewMemoryConsumedCodes()
	if ok, err := store.Consume(context.Background(), "c1"); err != nil || !ok {
		t.Fatalf("first consume = %v, %v", ok, err)
	}
	if ok, err := store.Consume(context.Background(), "c1"); err != nil || ok {
		t.Fatalf("second consume = %v, %v", ok, err)
	}
	if ok, err := store.Consume(context.Background(), "c2"); err != nil || !ok {
		t.Fatalf("fresh code consume = %v, %v", ok, err)
	}
	if err := store.Release(context.Background(), "c1"); err != nil {
		t.Fatalf("release returned error: %v", err)
	}
	if ok, err := store.Consume(context.Background(), "c1"); err != nil || !ok {
		t.Fatalf("released code should be fresh again: %v, %v", ok, err)
	}
}
