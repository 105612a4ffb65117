package auth

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
	// refreshMargin renews a cached token this long before it expires.
	refreshMargin = time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures the agent's service token.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Subject       string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs short-lived HS256 tokens identifying the agent to the backend and caches the
// current one until shortly before it expires.
type TokenIssuer struct {
	config TokenIssuerConfig

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.Subject == "" {
		return nil, errMissingSubjectClaim
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &TokenIssuer{config: cfg}, nil
}

// Token returns a signed token valid for at least refreshMargin.
func (i *TokenIssuer) Token() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.config.Clock().UTC()
	if i.cached != "" && now.Add(refreshMargin).Before(i.expiresAt) {
		return i.cached, nil
	}

	expiresAt := now.Add(i.config.TokenTTL).UTC()
	registered := jwt.RegisteredClaims{
		Subject:   i.config.Subject,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", err
	}
	i.cached = signed
	i.expiresAt = expiresAt
	return signed, nil
}

// ValidateToken ensures a token was issued with this configuration and returns the subject.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.config.Clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}

// Header returns request headers carrying the bearer token.
func (i *TokenIssuer) Header() (http.Header, error) {
	token, err := i.Token()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return header, nil
}

// Transport attaches the bearer token to every outbound REST request.
type Transport struct {
	Issuer *TokenIssuer
	Base   http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	token, err := t.Issuer.Token()
	if err != nil {
		return nil, err
	}
	authorized := request.Clone(request.Context())
	authorized.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(authorized)
}
