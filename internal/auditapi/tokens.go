package auditapi

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenConfig describes how bearer tokens for the analysis API are obtained.
// A static token wins; otherwise the client-credentials flow is used when a
// token URL is configured.
type TokenConfig struct {
	StaticToken  string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewTokenSource returns a caching token source, or nil when no credentials
// are configured. Tokens are reused until shortly before they expire.
func NewTokenSource(ctx context.Context, cfg TokenConfig) oauth2.TokenSource {
	if cfg.StaticToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.StaticToken, TokenType: "Bearer"})
	}
	if cfg.TokenURL == "" {
		return nil
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx))
}
