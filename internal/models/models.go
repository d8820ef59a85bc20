package models

import (
	"fmt"
	"strings"
	"time"
)

// Privacy controls who can view a broadcast on the platform.
type Privacy string

const (
	PrivacyPublic   Privacy = "public"
	PrivacyUnlisted Privacy = "unlisted"
	PrivacyPrivate  Privacy = "private"
)

// ParsePrivacy normalises and validates a privacy value. An empty input
// defaults to public.
func ParsePrivacy(value string) (Privacy, error) {
	switch Privacy(strings.ToLower(strings.TrimSpace(value))) {
	case PrivacyPublic, "":
		return PrivacyPublic, nil
	case PrivacyUnlisted:
		return PrivacyUnlisted, nil
	case PrivacyPrivate:
		return PrivacyPrivate, nil
	default:
		return "", fmt.Errorf("invalid privacy %q", value)
	}
}

// SessionStatus tracks the lifecycle of a streaming session.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
	SessionFailed  SessionStatus = "failed"
)

// Terminal reports whether the status represents a finished session.
func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionFailed
}

// LogCategory classifies persisted log entries.
type LogCategory string

const (
	LogInfo          LogCategory = "info"
	LogError         LogCategory = "error"
	LogEncoderOutput LogCategory = "encoder-output"
)

// ParseLogCategory validates a category filter value. Empty means no filter.
func ParseLogCategory(value string) (LogCategory, error) {
	switch LogCategory(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return "", nil
	case LogInfo:
		return LogInfo, nil
	case LogError:
		return LogError, nil
	case LogEncoderOutput:
		return LogEncoderOutput, nil
	default:
		return "", fmt.Errorf("invalid log category %q", value)
	}
}

// CredentialBundle holds the OAuth token material for one identity. Values are
// opaque to callers; the storage layer seals them before they touch disk and
// nothing here may ever be written to a log line.
type CredentialBundle struct {
	AccessToken   string    `json:"accessToken"`
	RefreshToken  string    `json:"refreshToken,omitempty"`
	TokenEndpoint string    `json:"tokenEndpoint"`
	ClientID      string    `json:"clientId"`
	ClientSecret  string    `json:"clientSecret"`
	Scopes        []string  `json:"scopes,omitempty"`
	Expiry        time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the access token is past its expiry. A zero expiry
// is treated as unknown and therefore not expired.
func (b CredentialBundle) Expired(now time.Time) bool {
	return !b.Expiry.IsZero() && now.After(b.Expiry)
}

// ChannelStats captures the viewer-facing statistics reported by the platform
// when an identity is verified. Display-only.
type ChannelStats struct {
	Subscribers int64 `json:"subscribers"`
	Views       int64 `json:"views"`
	Videos      int64 `json:"videos"`
}

// Identity is a named external account with stored credentials. Unique by
// display name; LastUsedAt is refreshed on every save and reuse.
type Identity struct {
	DisplayName string           `json:"displayName"`
	ChannelID   string           `json:"channelId"`
	Credentials CredentialBundle `json:"credentials"`
	Stats       ChannelStats     `json:"stats,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	LastUsedAt  time.Time        `json:"lastUsedAt"`
}

// StreamResource is a platform-side ingest endpoint. Immutable after
// creation; rotating the key means creating a new resource.
type StreamResource struct {
	ID        string `json:"id"`
	IngestURL string `json:"ingestUrl"`
	StreamKey string `json:"streamKey"`
}

// BroadcastResource is a platform-side scheduled or live viewing event. It is
// usable for streaming only once BoundStreamID is set.
type BroadcastResource struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	CategoryID         string     `json:"categoryId,omitempty"`
	Privacy            Privacy    `json:"privacy"`
	RestrictedAudience bool       `json:"restrictedAudience"`
	LifecycleStatus    string     `json:"lifecycleStatus,omitempty"`
	ScheduledStartAt   time.Time  `json:"scheduledStartAt,omitempty"`
	BoundStreamID      string     `json:"boundStreamId,omitempty"`
	PublishedAt        *time.Time `json:"publishedAt,omitempty"`
}

// Session is one user-initiated streaming attempt.
type Session struct {
	ID           string        `json:"id"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	Source       string        `json:"source"`
	BroadcastID  string        `json:"broadcastId,omitempty"`
	IdentityName string        `json:"identityName,omitempty"`
	Status       SessionStatus `json:"status"`
}

// LogEntry is an immutable, append-only record tied to a session.
type LogEntry struct {
	ID          int64       `json:"id,omitempty"`
	SessionID   string      `json:"sessionId"`
	Timestamp   time.Time   `json:"timestamp"`
	Category    LogCategory `json:"category"`
	Message     string      `json:"message"`
	Source      string      `json:"source,omitempty"`
	ResourceRef string      `json:"resourceRef,omitempty"`
}
