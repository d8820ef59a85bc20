package broadcast

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
	"strconv"
	"strings"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/observability/logging"
)

const (
	defaultAPIBaseURL = "https://www.googleapis.com/youtube/v3"
	watchURLFormat    = "https://www.youtube.com/watch?v=%s"
	studioURLFormat   = "https://studio.youtube.com/video/%s/livestreaming"

	// Auto-start broadcasts reject start times in the past, so schedule a
	// short way out to absorb clock skew.
	scheduleLeadTime = 30 * time.Second
)

// ErrStreamNotBound is returned when a broadcast has no usable bound stream.
var ErrStreamNotBound = errors.New("broadcast has no bound stream")

// ProvisionError reports a failed provisioning step. PartialStreamID records
// a stream that was created before the failure and is now orphaned on the
// platform; there is no rollback.
type ProvisionError struct {
	Step            string
	Status          int
	Detail          string
	PartialStreamID string
}

func (e *ProvisionError) Error() string {
	if e.PartialStreamID != "" {
		return fmt.Sprintf("provision %s failed (status %d, orphaned stream %s): %s", e.Step, e.Status, e.PartialStreamID, e.Detail)
	}
	return fmt.Sprintf("provision %s failed (status %d): %s", e.Step, e.Status, e.Detail)
}

// Caller performs bearer-authenticated requests for a stored identity. It is
// satisfied by auth.Coordinator.
type Caller interface {
	Do(ctx context.Context, identityName string, build func(accessToken string) (*http.Request, error)) (*http.Response, error)
}

// Params describes the broadcast the operator asked for.
type Params struct {
	Title              string
	Description        string
	Tags               []string
	CategoryID         string
	Privacy            models.Privacy
	RestrictedAudience bool
}

// Provisioned is the result of a full stream-and-broadcast setup.
type Provisioned struct {
	Stream    models.StreamResource    `json:"stream"`
	Broadcast models.BroadcastResource `json:"broadcast"`
	WatchURL  string                   `json:"watchUrl"`
	StudioURL string                   `json:"studioUrl"`
}

// Provisioner drives the platform's live API on behalf of verified
// identities.
type Provisioner struct {
	caller  Caller
	apiBase string
	logger  *slog.Logger
	now     func() time.Time
}

// Option customises the provisioner.
type Option func(*Provisioner)

// WithAPIBaseURL points the provisioner at a different API host.
func WithAPIBaseURL(base string) Option {
	return func(p *Provisioner) {
		if strings.TrimSpace(base) != "" {
			p.apiBase = strings.TrimRight(base, "/")
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provisioner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProvisioner builds a provisioner over the given authenticated caller.
func NewProvisioner(caller Caller, opts ...Option) *Provisioner {
	provisioner := &Provisioner{
		caller:  caller,
		apiBase: defaultAPIBaseURL,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provisioner)
		}
	}
	provisioner.logger = logging.WithComponent(provisioner.logger, "broadcast")
	return provisioner
}

// WatchURL returns the public player URL for a broadcast.
func WatchURL(broadcastID string) string {
	return fmt.Sprintf(watchURLFormat, broadcastID)
}

// StudioURL returns the creator dashboard URL for a broadcast.
func StudioURL(broadcastID string) string {
	return fmt.Sprintf(studioURLFormat, broadcastID)
}

func (p *Provisioner) call(ctx context.Context, identityName, method, path string, query url.Values, payload any) (*http.Response, error) {
	endpoint := p.apiBase + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = encoded
	}
	return p.caller.Do(ctx, identityName, func(token string) (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		request.Header.Set("Authorization", "Bearer "+token)
		request.Header.Set("Accept", "application/json")
		if body != nil {
			request.Header.Set("Content-Type", "application/json")
		}
		return request, nil
	})
}

func readError(response *http.Response) (int, string) {
	body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	return response.StatusCode, string(bytes.TrimSpace(body))
}

type streamInsertResponse struct {
	ID  string `json:"id"`
	CDN struct {
		IngestionInfo struct {
			IngestionAddress string `json:"ingestionAddress"`
			StreamName       string `json:"streamName"`
		} `json:"ingestionInfo"`
	} `json:"cdn"`
}

// CreateStream provisions a reusable RTMP ingest point on the identity's
// channel.
func (p *Provisioner) CreateStream(ctx context.Context, identityName string) (models.StreamResource, error) {
	stream, err := p.createStream(ctx, identityName)
	if err != nil {
		return models.StreamResource{}, err
	}
	return stream, nil
}

func (p *Provisioner) createStream(ctx context.Context, identityName string) (models.StreamResource, error) {
	query := url.Values{"part": {"snippet,cdn,contentDetails,status"}}
	payload := map[string]any{
		"snippet": map[string]any{
			"title": fmt.Sprintf("Stream Key Generator - %s", p.now().UTC().Format("2006-01-02 15:04:05")),
		},
		"cdn": map[string]any{
			"frameRate":     "30fps",
			"ingestionType": "rtmp",
			"resolution":    "1080p",
		},
	}
	response, err := p.call(ctx, identityName, http.MethodPost, "/liveStreams", query, payload)
	if err != nil {
		return models.StreamResource{}, err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		status, detail := readError(response)
		return models.StreamResource{}, &ProvisionError{Step: "stream", Status: status, Detail: detail}
	}

	var parsed streamInsertResponse
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return models.StreamResource{}, fmt.Errorf("decode stream response: %w", err)
	}
	if parsed.ID == "" || parsed.CDN.IngestionInfo.StreamName == "" {
		return models.StreamResource{}, fmt.Errorf("stream response missing ingestion info")
	}
	resource := models.StreamResource{
		ID:        parsed.ID,
		IngestURL: parsed.CDN.IngestionInfo.IngestionAddress,
		StreamKey: parsed.CDN.IngestionInfo.StreamName,
	}
	p.logger.Info("stream provisioned", "identity", identityName, "stream_id", resource.ID)
	return resource, nil
}

type broadcastInsertResponse struct {
	ID      string `json:"id"`
	Snippet struct {
		Title              string     `json:"title"`
		Description        string     `json:"description"`
		ScheduledStartTime *time.Time `json:"scheduledStartTime"`
		PublishedAt        *time.Time `json:"publishedAt"`
	} `json:"snippet"`
	Status struct {
		PrivacyStatus   string `json:"privacyStatus"`
		LifeCycleStatus string `json:"lifeCycleStatus"`
	} `json:"status"`
	ContentDetails struct {
		BoundStreamID string `json:"boundStreamId"`
	} `json:"contentDetails"`
}

// CreateManagedBroadcast provisions a stream, a broadcast bound to it, and
// the broadcast's category and tag metadata. A failure after the stream
// exists surfaces the orphaned stream id on the returned error.
func (p *Provisioner) CreateManagedBroadcast(ctx context.Context, identityName string, params Params) (Provisioned, error) {
	if strings.TrimSpace(params.Title) == "" {
		return Provisioned{}, fmt.Errorf("broadcast title is required")
	}
	privacy, err := models.ParsePrivacy(string(params.Privacy))
	if err != nil {
		return Provisioned{}, err
	}
	categoryID := strings.TrimSpace(params.CategoryID)
	if categoryID == "" {
		categoryID = models.DefaultCategoryID
	}

	stream, err := p.createStream(ctx, identityName)
	if err != nil {
		return Provisioned{}, err
	}

	broadcast, err := p.insertBroadcast(ctx, identityName, params, privacy)
	if err != nil {
		return Provisioned{}, attachPartialStream(err, stream.ID)
	}
	if err := p.bindStream(ctx, identityName, broadcast.ID, stream.ID); err != nil {
		return Provisioned{}, attachPartialStream(err, stream.ID)
	}
	if err := p.applyVideoMetadata(ctx, identityName, broadcast.ID, params, categoryID); err != nil {
		return Provisioned{}, attachPartialStream(err, stream.ID)
	}

	broadcast.BoundStreamID = stream.ID
	broadcast.CategoryID = categoryID
	broadcast.Tags = params.Tags
	result := Provisioned{
		Stream:    stream,
		Broadcast: broadcast,
		WatchURL:  WatchURL(broadcast.ID),
		StudioURL: StudioURL(broadcast.ID),
	}
	p.logger.Info("broadcast provisioned",
		"identity", identityName,
		"broadcast_id", broadcast.ID,
		"stream_id", stream.ID,
		"privacy", string(privacy),
	)
	return result, nil
}

func attachPartialStream(err error, streamID string) error {
	var provisionErr *ProvisionError
	if errors.As(err, &provisionErr) {
		provisionErr.PartialStreamID = streamID
		return provisionErr
	}
	return fmt.Errorf("orphaned stream %s: %w", streamID, err)
}

func (p *Provisioner) insertBroadcast(ctx context.Context, identityName string, params Params, privacy models.Privacy) (models.BroadcastResource, error) {
	scheduledStart := p.now().UTC().Add(scheduleLeadTime)
	query := url.Values{"part": {"snippet,contentDetails,status"}}
	payload := map[string]any{
		"snippet": map[string]any{
			"title":              params.Title,
			"description":        params.Description,
			"scheduledStartTime": scheduledStart.Format(time.RFC3339),
		},
		"status": map[string]any{
			"privacyStatus":           string(privacy),
			"selfDeclaredMadeForKids": params.RestrictedAudience,
		},
		"contentDetails": map[string]any{
			"enableAutoStart": true,
			"enableAutoStop":  true,
		},
	}
	response, err := p.call(ctx, identityName, http.MethodPost, "/liveBroadcasts", query, payload)
	if err != nil {
		return models.BroadcastResource{}, err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		status, detail := readError(response)
		return models.BroadcastResource{}, &ProvisionError{Step: "broadcast", Status: status, Detail: detail}
	}

	var parsed broadcastInsertResponse
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return models.BroadcastResource{}, fmt.Errorf("decode broadcast response: %w", err)
	}
	if parsed.ID == "" {
		return models.BroadcastResource{}, fmt.Errorf("broadcast response missing id")
	}
	return models.BroadcastResource{
		ID:                 parsed.ID,
		Title:              parsed.Snippet.Title,
		Description:        parsed.Snippet.Description,
		Privacy:            privacy,
		RestrictedAudience: params.RestrictedAudience,
		LifecycleStatus:    parsed.Status.LifeCycleStatus,
		ScheduledStartAt:   scheduledStart,
		PublishedAt:        parsed.Snippet.PublishedAt,
	}, nil
}

func (p *Provisioner) bindStream(ctx context.Context, identityName, broadcastID, streamID string) error {
	query := url.Values{
		"part":     {"id,contentDetails"},
		"id":       {broadcastID},
		"streamId": {streamID},
	}
	response, err := p.call(ctx, identityName, http.MethodPost, "/liveBroadcasts/bind", query, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		status, detail := readError(response)
		return &ProvisionError{Step: "bind", Status: status, Detail: detail}
	}
	return nil
}

// applyVideoMetadata sets the category and tags, which the broadcast insert
// endpoint does not accept.
func (p *Provisioner) applyVideoMetadata(ctx context.Context, identityName, broadcastID string, params Params, categoryID string) error {
	query := url.Values{"part": {"snippet"}}
	snippet := map[string]any{
		"title":       params.Title,
		"description": params.Description,
		"categoryId":  categoryID,
	}
	if len(params.Tags) > 0 {
		snippet["tags"] = params.Tags
	}
	payload := map[string]any{
		"id":      broadcastID,
		"snippet": snippet,
	}
	response, err := p.call(ctx, identityName, http.MethodPut, "/videos", query, payload)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		status, detail := readError(response)
		return &ProvisionError{Step: "metadata", Status: status, Detail: detail}
	}
	return nil
}

type broadcastListResponse struct {
	Items []broadcastInsertResponse `json:"items"`
}

// ListBroadcasts returns the identity's broadcasts across every lifecycle
// status, newest first as the platform orders them.
func (p *Provisioner) ListBroadcasts(ctx context.Context, identityName string, max int) ([]models.BroadcastResource, error) {
	if max <= 0 {
		max = 25
	}
	query := url.Values{
		"part":            {"snippet,contentDetails,status"},
		"broadcastStatus": {"all"},
		"mine":            {"true"},
		"maxResults":      {strconv.Itoa(max)},
	}
	response, err := p.call(ctx, identityName, http.MethodGet, "/liveBroadcasts", query, nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		status, detail := readError(response)
		return nil, &ProvisionError{Step: "list", Status: status, Detail: detail}
	}

	var parsed broadcastListResponse
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode broadcast list: %w", err)
	}
	broadcasts := make([]models.BroadcastResource, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		broadcast := models.BroadcastResource{
			ID:              item.ID,
			Title:           item.Snippet.Title,
			Description:     item.Snippet.Description,
			Privacy:         models.Privacy(item.Status.PrivacyStatus),
			LifecycleStatus: item.Status.LifeCycleStatus,
			BoundStreamID:   item.ContentDetails.BoundStreamID,
			PublishedAt:     item.Snippet.PublishedAt,
		}
		if item.Snippet.ScheduledStartTime != nil {
			broadcast.ScheduledStartAt = *item.Snippet.ScheduledStartTime
		}
		broadcasts = append(broadcasts, broadcast)
	}
	return broadcasts, nil
}

type streamListResponse struct {
	Items []streamInsertResponse `json:"items"`
}

// ResolveStreamKey finds the ingest endpoint behind an existing broadcast.
// It never returns a partial resource.
func (p *Provisioner) ResolveStreamKey(ctx context.Context, identityName, broadcastID string) (models.StreamResource, error) {
	broadcastID = strings.TrimSpace(broadcastID)
	if broadcastID == "" {
		return models.StreamResource{}, fmt.Errorf("broadcast id is required")
	}

	query := url.Values{
		"part": {"contentDetails"},
		"id":   {broadcastID},
	}
	response, err := p.call(ctx, identityName, http.MethodGet, "/liveBroadcasts", query, nil)
	if err != nil {
		return models.StreamResource{}, err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		status, detail := readError(response)
		return models.StreamResource{}, &ProvisionError{Step: "resolve", Status: status, Detail: detail}
	}
	var broadcasts broadcastListResponse
	if err := json.NewDecoder(response.Body).Decode(&broadcasts); err != nil {
		return models.StreamResource{}, fmt.Errorf("decode broadcast lookup: %w", err)
	}
	if len(broadcasts.Items) == 0 || broadcasts.Items[0].ContentDetails.BoundStreamID == "" {
		return models.StreamResource{}, ErrStreamNotBound
	}
	streamID := broadcasts.Items[0].ContentDetails.BoundStreamID

	streamQuery := url.Values{
		"part": {"cdn"},
		"id":   {streamID},
	}
	streamResponse, err := p.call(ctx, identityName, http.MethodGet, "/liveStreams", streamQuery, nil)
	if err != nil {
		return models.StreamResource{}, err
	}
	defer streamResponse.Body.Close()
	if streamResponse.StatusCode < 200 || streamResponse.StatusCode >= 300 {
		status, detail := readError(streamResponse)
		return models.StreamResource{}, &ProvisionError{Step: "resolve", Status: status, Detail: detail}
	}
	var streams streamListResponse
	if err := json.NewDecoder(streamResponse.Body).Decode(&streams); err != nil {
		return models.StreamResource{}, fmt.Errorf("decode stream lookup: %w", err)
	}
	if len(streams.Items) == 0 || streams.Items[0].CDN.IngestionInfo.StreamName == "" {
		return models.StreamResource{}, ErrStreamNotBound
	}
	return models.StreamResource{
		ID:        streamID,
		IngestURL: streams.Items[0].CDN.IngestionInfo.IngestionAddress,
		StreamKey: streams.Items[0].CDN.IngestionInfo.StreamName,
	}, nil
}
