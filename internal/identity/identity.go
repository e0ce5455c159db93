// Package identity supplies the bearer credential and authentication state
// for the sync core. The credential is written to a token file by the
// authentication flow, which is outside the sync core's scope.
package identity

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("no credential available")

// Provider reads the bearer token from a file and answers authentication
// state from the token's registered claims. The signature is the server's
// concern; the client only needs expiry and subject, so the token is parsed
// unverified.
type Provider struct {
	tokenPath string
	now       func() time.Time

	mu          sync.Mutex
	cachedRaw   string
	cachedMtime time.Time
	claims      *jwt.RegisteredClaims
}

func NewProvider(tokenPath string) *Provider {
	return &Provider{
		tokenPath: strings.TrimSpace(tokenPath),
		now:       time.Now,
	}
}

// IsAuthenticated reports whether a credential is present and not expired.
func (p *Provider) IsAuthenticated() bool {
	claims, err := p.load()
	if err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return p.now().Before(claims.ExpiresAt.Time)
}

// Token returns the raw bearer credential, or ErrNoToken when none is
// available or the stored one has expired.
func (p *Provider) Token() (string, error) {
	claims, err := p.load()
	if err != nil {
		return "", err
	}
	if claims.ExpiresAt != nil && !p.now().Before(claims.ExpiresAt.Time) {
		return "", ErrNoToken
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cachedRaw, nil
}

// UserID returns the subject claim, used to scope idempotency keys. Empty
// when unauthenticated.
func (p *Provider) UserID() string {
	claims, err := p.load()
	if err != nil {
		return ""
	}
	return claims.Subject
}

func (p *Provider) load() (*jwt.RegisteredClaims, error) {
	if p.tokenPath == "" {
		return nil, ErrNoToken
	}
	info, err := os.Stat(p.tokenPath)
	if err != nil {
		return nil, ErrNoToken
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claims != nil && info.ModTime().Equal(p.cachedMtime) {
		return p.claims, nil
	}

	data, err := os.ReadFile(p.tokenPath)
	if err != nil {
		return nil, ErrNoToken
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil, ErrNoToken
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, ErrNoToken
	}
	p.cachedRaw = raw
	p.cachedMtime = info.ModTime()
	p.claims = claims
	return claims, nil
}
