package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"streamcast/internal/auth"
	"streamcast/internal/broadcast"
	"streamcast/internal/encoder"
	"streamcast/internal/models"
	"streamcast/internal/observability/logging"
	"streamcast/internal/orchestrator"
	"streamcast/internal/storage"
)

// AuthService is the slice of the auth coordinator the handlers use.
type AuthService interface {
	AuthorizeURL(state string) (string, error)
	Exchange(ctx context.Context, code string) (models.CredentialBundle, error)
	Verify(ctx context.Context, displayName string, bundle models.CredentialBundle) (models.Identity, error)
}

// BroadcastService is the slice of the provisioner the handlers use.
type BroadcastService interface {
	CreateStream(ctx context.Context, identityName string) (models.StreamResource, error)
	CreateManagedBroadcast(ctx context.Context, identityName string, params broadcast.Params) (broadcast.Provisioned, error)
	ListBroadcasts(ctx context.Context, identityName string, max int) ([]models.BroadcastResource, error)
	ResolveStreamKey(ctx context.Context, identityName, broadcastID string) (models.StreamResource, error)
}

// SessionService is the slice of the orchestrator the handlers use.
type SessionService interface {
	StartSession(ctx context.Context, source, streamKey string, opts orchestrator.StartOptions) (models.Session, error)
	StopSession(ctx context.Context) error
	Status() orchestrator.Snapshot
}

// Server wires the HTTP surface over the domain services.
type Server struct {
	repo      storage.Repository
	auth      AuthService
	broadcast BroadcastService
	sessions  SessionService
	logger    *slog.Logger
}

// New builds the server.
func New(repo storage.Repository, authSvc AuthService, broadcastSvc BroadcastService, sessionSvc SessionService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		repo:      repo,
		auth:      authSvc,
		broadcast: broadcastSvc,
		sessions:  sessionSvc,
		logger:    logging.WithComponent(logger, "http"),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/identities", s.handleListIdentities).Methods(http.MethodGet)
	api.HandleFunc("/auth/url", s.handleAuthURL).Methods(http.MethodPost)
	api.HandleFunc("/auth/exchange", s.handleAuthExchange).Methods(http.MethodPost)
	api.HandleFunc("/categories", s.handleListCategories).Methods(http.MethodGet)
	api.HandleFunc("/provision/stream", s.handleProvisionStream).Methods(http.MethodPost)
	api.HandleFunc("/provision/broadcast", s.handleProvisionBroadcast).Methods(http.MethodPost)
	api.HandleFunc("/broadcasts", s.handleListBroadcasts).Methods(http.MethodGet)
	api.HandleFunc("/broadcasts/{id}/key", s.handleResolveStreamKey).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/current", s.handleSessionStatus).Methods(http.MethodGet)
	api.HandleFunc("/sessions/current", s.handleStopSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/logs", s.handleSessionLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)

	handler := logging.RequestLogger(logging.RequestLoggerConfig{Logger: s.logger})(router)
	return requestIDMiddleware(s.logger, handler)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// identityView is the public shape of an identity. Credential material never
// leaves the process.
type identityView struct {
	DisplayName string              `json:"displayName"`
	ChannelID   string              `json:"channelId"`
	Stats       models.ChannelStats `json:"stats"`
	CreatedAt   time.Time           `json:"createdAt"`
	LastUsedAt  time.Time           `json:"lastUsedAt"`
}

func toIdentityView(identity models.Identity) identityView {
	return identityView{
		DisplayName: identity.DisplayName,
		ChannelID:   identity.ChannelID,
		Stats:       identity.Stats,
		CreatedAt:   identity.CreatedAt,
		LastUsedAt:  identity.LastUsedAt,
	}
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := s.repo.ListIdentities(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]identityView, 0, len(identities))
	for _, identity := range identities {
		views = append(views, toIdentityView(identity))
	}
	writeJSON(w, http.StatusOK, views)
}

type categoryView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default,omitempty"`
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	catalogue := models.Categories()
	views := make([]categoryView, 0, len(catalogue))
	for id, name := range catalogue {
		views = append(views, categoryView{ID: id, Name: name, Default: id == models.DefaultCategoryID})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	authorizeURL, err := s.auth.AuthorizeURL(req.State)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": authorizeURL})
}

func (s *Server) handleAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code        string `json:"code"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, errors.New("code is required"))
		return
	}

	bundle, err := s.auth.Exchange(r.Context(), req.Code)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	identity, err := s.auth.Verify(r.Context(), req.DisplayName, bundle)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIdentityView(identity))
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrCodeConsumed) {
		writeError(w, http.StatusConflict, err)
		return
	}
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		if authErr.Expired {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func identityFromRequest(r *http.Request, bodyIdentity string) string {
	if name := strings.TrimSpace(bodyIdentity); name != "" {
		return name
	}
	return strings.TrimSpace(r.URL.Query().Get("identity"))
}

func (s *Server) handleProvisionStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	identity := identityFromRequest(r, req.Identity)
	if identity == "" {
		writeError(w, http.StatusBadRequest, errors.New("identity is required"))
		return
	}
	stream, err := s.broadcast.CreateStream(r.Context(), identity)
	if err != nil {
		s.writeProvisionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stream)
}

func (s *Server) handleProvisionBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity           string   `json:"identity"`
		Title              string   `json:"title"`
		Description        string   `json:"description"`
		Tags               []string `json:"tags"`
		CategoryID         string   `json:"categoryId"`
		Privacy            string   `json:"privacy"`
		RestrictedAudience bool     `json:"restrictedAudience"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	identity := identityFromRequest(r, req.Identity)
	if identity == "" {
		writeError(w, http.StatusBadRequest, errors.New("identity is required"))
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	privacy, err := models.ParsePrivacy(req.Privacy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	provisioned, err := s.broadcast.CreateManagedBroadcast(r.Context(), identity, broadcast.Params{
		Title:              req.Title,
		Description:        req.Description,
		Tags:               req.Tags,
		CategoryID:         req.CategoryID,
		Privacy:            privacy,
		RestrictedAudience: req.RestrictedAudience,
	})
	if err != nil {
		s.writeProvisionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, provisioned)
}

func (s *Server) writeProvisionError(w http.ResponseWriter, err error) {
	var provisionErr *broadcast.ProvisionError
	if errors.As(err, &provisionErr) {
		payload := map[string]any{"error": provisionErr.Error()}
		if provisionErr.PartialStreamID != "" {
			payload["partialStreamId"] = provisionErr.PartialStreamID
		}
		writeJSON(w, http.StatusBadGateway, payload)
		return
	}
	s.writeAuthError(w, err)
}

func (s *Server) handleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		writeError(w, http.StatusBadRequest, errors.New("identity is required"))
		return
	}
	max := 0
	if raw := r.URL.Query().Get("max"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("max must be a positive integer"))
			return
		}
		max = parsed
	}
	broadcasts, err := s.broadcast.ListBroadcasts(r.Context(), identity, max)
	if err != nil {
		s.writeProvisionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, broadcasts)
}

func (s *Server) handleResolveStreamKey(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		writeError(w, http.StatusBadRequest, errors.New("identity is required"))
		return
	}
	broadcastID := mux.Vars(r)["id"]
	stream, err := s.broadcast.ResolveStreamKey(r.Context(), identity, broadcastID)
	if err != nil {
		if errors.Is(err, broadcast.ErrStreamNotBound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeProvisionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stream)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source      string `json:"source"`
		StreamKey   string `json:"streamKey"`
		BroadcastID string `json:"broadcastId"`
		Identity    string `json:"identity"`
		IngestURL   string `json:"ingestUrl"`
		Compact     bool   `json:"compact"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		writeError(w, http.StatusBadRequest, errors.New("source is required"))
		return
	}

	streamKey := strings.TrimSpace(req.StreamKey)
	if streamKey == "" && strings.TrimSpace(req.BroadcastID) != "" {
		identity := identityFromRequest(r, req.Identity)
		if identity == "" {
			writeError(w, http.StatusBadRequest, errors.New("identity is required to resolve a broadcast key"))
			return
		}
		stream, err := s.broadcast.ResolveStreamKey(r.Context(), identity, req.BroadcastID)
		if err != nil {
			if errors.Is(err, broadcast.ErrStreamNotBound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			s.writeProvisionError(w, err)
			return
		}
		streamKey = stream.StreamKey
	}
	if streamKey == "" && strings.TrimSpace(req.IngestURL) == "" {
		writeError(w, http.StatusBadRequest, errors.New("streamKey, broadcastId, or ingestUrl is required"))
		return
	}

	profile := encoder.DefaultProfile()
	profile.CompactMode = req.Compact

	session, err := s.sessions.StartSession(r.Context(), req.Source, streamKey, orchestrator.StartOptions{
		BroadcastID:  strings.TrimSpace(req.BroadcastID),
		IdentityName: identityFromRequest(r, req.Identity),
		IngestURL:    strings.TrimSpace(req.IngestURL),
		Profile:      profile,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionActive) {
			writeError(w, http.StatusConflict, err)
			return
		}
		// request shape was validated above; anything unclassified here is a
		// storage or encoder failure
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.StopSession(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Status())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	sessions, err := s.repo.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) logQueryFromRequest(w http.ResponseWriter, r *http.Request, sessionID string) (storage.LogQuery, bool) {
	query := storage.LogQuery{SessionID: sessionID}
	category, err := models.ParseLogCategory(r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return storage.LogQuery{}, false
	}
	query.Category = category
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return storage.LogQuery{}, false
		}
		query.Limit = parsed
	}
	return query, true
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	query, ok := s.logQueryFromRequest(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	entries, err := s.repo.QueryLogs(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query, ok := s.logQueryFromRequest(w, r, strings.TrimSpace(r.URL.Query().Get("sessionId")))
	if !ok {
		return
	}
	entries, err := s.repo.QueryLogs(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
