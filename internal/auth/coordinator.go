package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"streamcast/internal/models"
	"streamcast/internal/observability/logging"
	"streamcast/internal/storage"
)

const defaultAPIBaseURL = "https://www.googleapis.com/youtube/v3"

// ErrCodeConsumed is returned when an authorisation code is presented twice.
var ErrCodeConsumed = errors.New("authorization code already consumed")

// AuthError describes a failed round-trip against the platform's OAuth or
// data endpoints. Message carries at most 512 bytes of the response body.
type AuthError struct {
	Status  int
	Message string
	// Expired marks failures that require the operator to re-run the
	// authorisation flow, such as a rejected refresh grant.
	Expired bool
}

func (e *AuthError) Error() string {
	if e.Expired {
		return fmt.Sprintf("authorization expired (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("authorization failed (status %d): %s", e.Status, e.Message)
}

func snippet(body []byte) string {
	trimmed := string(bytes.TrimSpace(body))
	if len(trimmed) > 512 {
		trimmed = trimmed[:512]
	}
	return trimmed
}

// Coordinator drives the OAuth code flow and keeps credential bundles fresh
// for every authenticated call made on an identity's behalf.
type Coordinator struct {
	cfg      ClientConfig
	repo     storage.Repository
	client   *http.Client
	consumed ConsumedCodeStore
	logger   *slog.Logger
	apiBase  string
	now      func() time.Time
	refresh  singleflight.Group
}

// Option customises the coordinator.
type Option func(*Coordinator)

// WithHTTPClient overrides the HTTP client used for token and API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) {
		if client != nil {
			c.client = client
		}
	}
}

// WithConsumedCodeStore installs a shared replay guard.
func WithConsumedCodeStore(store ConsumedCodeStore) Option {
	return func(c *Coordinator) {
		if store != nil {
			c.consumed = store
		}
	}
}

// WithAPIBaseURL points identity verification at a different API host.
func WithAPIBaseURL(base string) Option {
	return func(c *Coordinator) {
		if strings.TrimSpace(base) != "" {
			c.apiBase = strings.TrimRight(base, "/")
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator validates the client config and builds a coordinator.
func NewCoordinator(cfg ClientConfig, repo storage.Repository, opts ...Option) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	coordinator := &Coordinator{
		cfg:      cfg,
		repo:     repo,
		client:   &http.Client{Timeout: 15 * time.Second},
		consumed: NewMemoryConsumedCodes(),
		logger:   slog.Default(),
		apiBase:  defaultAPIBaseURL,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(coordinator)
		}
	}
	coordinator.logger = logging.WithComponent(coordinator.logger, "auth")
	return coordinator, nil
}

// AuthorizeURL builds the consent URL for the operator to open in a browser.
// Offline access with forced consent guarantees a refresh token on exchange.
func (c *Coordinator) AuthorizeURL(state string) (string, error) {
	parsed, err := url.Parse(c.cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("parse authorize url: %w", err)
	}
	query := parsed.Query()
	query.Set("response_type", "code")
	query.Set("client_id", c.cfg.ClientID)
	query.Set("redirect_uri", c.cfg.RedirectURL)
	query.Set("scope", strings.Join(c.cfg.Scopes, " "))
	query.Set("access_type", "offline")
	query.Set("prompt", "consent")
	if strings.TrimSpace(state) != "" {
		query.Set("state", state)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

type tokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// Exchange redeems an authorisation code for a credential bundle. Each code
// is accepted at most once.
func (c *Coordinator) Exchange(ctx context.Context, code string) (models.CredentialBundle, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.CredentialBundle{}, fmt.Errorf("authorization code is required")
	}
	fresh, err := c.consumed.Consume(ctx, code)
	if err != nil {
		return models.CredentialBundle{}, err
	}
	if !fresh {
		return models.CredentialBundle{}, ErrCodeConsumed
	}

	payload := url.Values{}
	payload.Set("grant_type", "authorization_code")
	payload.Set("code", code)
	payload.Set("redirect_uri", c.cfg.RedirectURL)
	payload.Set("client_id", c.cfg.ClientID)
	payload.Set("client_secret", c.cfg.ClientSecret)

	token, err := c.tokenRequest(ctx, payload)
	if err != nil {
		// A transport failure means the platform never saw the code, so the
		// reservation is backed out and the operator may retry. A platform
		// rejection keeps the code consumed.
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			if releaseErr := c.consumed.Release(ctx, code); releaseErr != nil {
				c.logger.Warn("release authorization code failed", "error", releaseErr)
			}
		}
		return models.CredentialBundle{}, err
	}
	if token.RefreshToken == "" {
		c.logger.Warn("token response carried no refresh token; re-authorisation will be required on expiry")
	}

	bundle := models.CredentialBundle{
		AccessToken:   token.AccessToken,
		RefreshToken:  token.RefreshToken,
		TokenEndpoint: c.cfg.TokenURL,
		ClientID:      c.cfg.ClientID,
		ClientSecret:  c.cfg.ClientSecret,
		Scopes:        c.cfg.Scopes,
	}
	if token.ExpiresIn > 0 {
		bundle.Expiry = c.now().UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	return bundle, nil
}

func (c *Coordinator) tokenRequest(ctx context.Context, payload url.Values) (tokenPayload, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(payload.Encode()))
	if err != nil {
		return tokenPayload{}, fmt.Errorf("create token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return tokenPayload{}, fmt.Errorf("token request: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return tokenPayload{}, fmt.Errorf("read token response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return tokenPayload{}, &AuthError{Status: response.StatusCode, Message: snippet(body)}
	}
	var token tokenPayload
	if err := json.Unmarshal(body, &token); err != nil {
		return tokenPayload{}, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return tokenPayload{}, fmt.Errorf("token response missing access_token")
	}
	return token, nil
}

type channelListResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
		Statistics struct {
			SubscriberCount string `json:"subscriberCount"`
			ViewCount       string `json:"viewCount"`
			VideoCount      string `json:"videoCount"`
		} `json:"statistics"`
	} `json:"items"`
}

// Verify resolves the channel behind a credential bundle and persists the
// identity. An empty displayName falls back to the channel title.
func (c *Coordinator) Verify(ctx context.Context, displayName string, bundle models.CredentialBundle) (models.Identity, error) {
	endpoint := c.apiBase + "/channels?part=snippet%2Cstatistics&mine=true"
	response, bundle, err := c.roundTrip(ctx, bundle, func(token string) (*http.Request, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		request.Header.Set("Authorization", "Bearer "+token)
		request.Header.Set("Accept", "application/json")
		return request, nil
	})
	if err != nil {
		return models.Identity{}, err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return models.Identity{}, fmt.Errorf("read channel response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return models.Identity{}, &AuthError{Status: response.StatusCode, Message: snippet(body)}
	}

	var channels channelListResponse
	if err := json.Unmarshal(body, &channels); err != nil {
		return models.Identity{}, fmt.Errorf("decode channel response: %w", err)
	}
	if len(channels.Items) == 0 {
		return models.Identity{}, &AuthError{Status: response.StatusCode, Message: "credentials resolve to no channel"}
	}
	channel := channels.Items[0]

	name := strings.TrimSpace(displayName)
	if name == "" {
		name = strings.TrimSpace(channel.Snippet.Title)
	}
	if name == "" {
		name = channel.ID
	}

	now := c.now().UTC()
	identity := models.Identity{
		DisplayName: name,
		ChannelID:   channel.ID,
		Credentials: bundle,
		Stats: models.ChannelStats{
			Subscribers: parseCount(channel.Statistics.SubscriberCount),
			Views:       parseCount(channel.Statistics.ViewCount),
			Videos:      parseCount(channel.Statistics.VideoCount),
		},
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if existing, ok, err := c.repo.GetIdentity(ctx, name); err != nil {
		return models.Identity{}, err
	} else if ok {
		identity.CreatedAt = existing.CreatedAt
	}
	if err := c.repo.SaveIdentity(ctx, identity); err != nil {
		return models.Identity{}, err
	}
	c.logger.Info("identity verified", "identity", name, "channel_id", channel.ID)
	return identity, nil
}

func parseCount(value string) int64 {
	var n int64
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}

// Do performs an authenticated request on behalf of a stored identity. An
// expired bundle or a 401 response triggers exactly one refresh grant; the
// refreshed bundle is persisted before the retry.
func (c *Coordinator) Do(ctx context.Context, identityName string, build func(accessToken string) (*http.Request, error)) (*http.Response, error) {
	identity, ok, err := c.repo.GetIdentity(ctx, identityName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("identity %q: %w", identityName, storage.ErrIdentityNotFound)
	}

	response, bundle, err := c.roundTrip(ctx, identity.Credentials, build)
	if err != nil {
		return nil, err
	}
	if bundle.AccessToken != identity.Credentials.AccessToken {
		identity.Credentials = bundle
		if saveErr := c.repo.SaveIdentity(ctx, identity); saveErr != nil {
			c.logger.Error("persist refreshed credentials failed", "identity", identityName, "error", saveErr)
		}
	}
	return response, nil
}

// roundTrip sends the request, refreshing the bundle at most once when it is
// already expired or the platform answers 401.
func (c *Coordinator) roundTrip(ctx context.Context, bundle models.CredentialBundle, build func(accessToken string) (*http.Request, error)) (*http.Response, models.CredentialBundle, error) {
	refreshed := false
	if bundle.Expired(c.now()) {
		fresh, err := c.refreshBundle(ctx, bundle)
		if err != nil {
			return nil, bundle, err
		}
		bundle = fresh
		refreshed = true
	}

	send := func() (*http.Response, error) {
		request, err := build(bundle.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		response, err := c.client.Do(request)
		if err != nil {
			return nil, fmt.Errorf("authenticated request: %w", err)
		}
		return response, nil
	}

	response, err := send()
	if err != nil {
		return nil, bundle, err
	}
	if response.StatusCode != http.StatusUnauthorized || refreshed {
		return response, bundle, nil
	}

	body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	response.Body.Close()
	c.logger.Debug("retrying after 401", "detail", snippet(body))

	fresh, err := c.refreshBundle(ctx, bundle)
	if err != nil {
		return nil, bundle, err
	}
	bundle = fresh
	response, err = send()
	if err != nil {
		return nil, bundle, err
	}
	return response, bundle, nil
}

// refreshBundle runs the refresh-token grant, deduplicated so concurrent
// callers on the same refresh token share one round-trip.
func (c *Coordinator) refreshBundle(ctx context.Context, bundle models.CredentialBundle) (models.CredentialBundle, error) {
	if bundle.RefreshToken == "" {
		return bundle, &AuthError{Status: http.StatusUnauthorized, Message: "no refresh token available", Expired: true}
	}

	result, err, _ := c.refresh.Do(bundle.RefreshToken, func() (any, error) {
		payload := url.Values{}
		payload.Set("grant_type", "refresh_token")
		payload.Set("refresh_token", bundle.RefreshToken)
		payload.Set("client_id", c.cfg.ClientID)
		payload.Set("client_secret", c.cfg.ClientSecret)

		token, err := c.tokenRequest(ctx, payload)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				return nil, &AuthError{Status: authErr.Status, Message: authErr.Message, Expired: true}
			}
			return nil, err
		}

		refreshed := bundle
		refreshed.AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			refreshed.RefreshToken = token.RefreshToken
		}
		if token.ExpiresIn > 0 {
			refreshed.Expiry = c.now().UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
		}
		return refreshed, nil
	})
	if err != nil {
		return bundle, err
	}
	return result.(models.CredentialBundle), nil
}
