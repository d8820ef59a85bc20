package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	defaultAuthorizeURL = "https://accounts.google.com/o/oauth2/auth"
	defaultTokenURL     = "https://oauth2.googleapis.com/token"
	defaultScope        = "https://www.googleapis.com/auth/youtube.force-ssl"
)

// ClientConfig holds the OAuth client registration used for the authorisation
// code flow.
type ClientConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthorizeURL string   `json:"auth_uri"`
	TokenURL     string   `json:"token_uri"`
	RedirectURL  string   `json:"redirect_uri"`
	Scopes       []string `json:"scopes"`
}

// Validate checks the fields required to drive a code flow.
func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("oauth client id required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return fmt.Errorf("oauth client secret required")
	}
	if strings.TrimSpace(c.RedirectURL) == "" {
		return fmt.Errorf("oauth redirect url required")
	}
	return nil
}

func (c ClientConfig) withDefaults() ClientConfig {
	if strings.TrimSpace(c.AuthorizeURL) == "" {
		c.AuthorizeURL = defaultAuthorizeURL
	}
	if strings.TrimSpace(c.TokenURL) == "" {
		c.TokenURL = defaultTokenURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{defaultScope}
	}
	return c
}

// clientFile mirrors the JSON layout issued by the platform's developer
// console, which wraps the client under a "web" or "installed" key. A bare
// ClientConfig object is also accepted.
type clientFile struct {
	Web       *clientEntry `json:"web"`
	Installed *clientEntry `json:"installed"`
}

type clientEntry struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
	RedirectURIs []string `json:"redirect_uris"`
}

// LoadClientConfig reads an OAuth client JSON file. The redirectURL argument
// wins over any redirect listed in the file.
func LoadClientConfig(path, redirectURL string) (ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("read oauth client file: %w", err)
	}
	cfg, err := ParseClientConfig(raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("parse oauth client file %s: %w", path, err)
	}
	if strings.TrimSpace(redirectURL) != "" {
		cfg.RedirectURL = strings.TrimSpace(redirectURL)
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// ParseClientConfig decodes either a wrapped console export or a bare config.
func ParseClientConfig(raw []byte) (ClientConfig, error) {
	var wrapped clientFile
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return ClientConfig{}, fmt.Errorf("decode client config: %w", err)
	}
	entry := wrapped.Web
	if entry == nil {
		entry = wrapped.Installed
	}
	if entry != nil {
		cfg := ClientConfig{
			ClientID:     entry.ClientID,
			ClientSecret: entry.ClientSecret,
			AuthorizeURL: entry.AuthURI,
			TokenURL:     entry.TokenURI,
		}
		if len(entry.RedirectURIs) > 0 {
			cfg.RedirectURL = entry.RedirectURIs[0]
		}
		return cfg.withDefaults(), nil
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("decode client config: %w", err)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return ClientConfig{}, fmt.Errorf("client config missing web or installed section")
	}
	return cfg.withDefaults(), nil
}
