// Package auth supplies the bearer token and the user identity derived from
// it. Tokens are never verified here; the backend does that.
package auth

import (
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Source yields the raw token, "" when there is none.
type Source interface {
	Token() string
}

type StaticToken string

func (t StaticToken) Token() string { return strings.TrimSpace(string(t)) }

// FileToken reads the token from a file on every call, so a token written by
// another process after startup is picked up.
type FileToken string

func (f FileToken) Token() string {
	if f == "" {
		return ""
	}
	data, err := os.ReadFile(string(f))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

type Provider struct {
	source Source

	mu      sync.RWMutex
	revoked string
}

func NewProvider(source Source) *Provider {
	if source == nil {
		source = StaticToken("")
	}
	return &Provider{source: source}
}

// Token returns the current token unless it was invalidated.
func (p *Provider) Token() string {
	tok := p.source.Token()
	p.mu.RLock()
	defer p.mu.RUnlock()
	if tok != "" && tok == p.revoked {
		return ""
	}
	return tok
}

// Invalidate drops the current token after the backend rejected it. A
// different token from the source is used again.
func (p *Provider) Invalidate() {
	tok := p.source.Token()
	p.mu.Lock()
	p.revoked = tok
	p.mu.Unlock()
}

// Identity returns the token's subject claim, or "" for no or unreadable
// token.
func (p *Provider) Identity() string {
	tok := p.Token()
	if tok == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		log.Debug().Err(err).Str("component", "auth").Msg("token decode failed")
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
