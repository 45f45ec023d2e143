// Package googleauth exchanges Google service-account credentials for
// short-lived API access tokens using the OAuth2 JWT-bearer flow.
package googleauth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/perimetra/device-trust/metrics"
)

const (
	// TokenURL is the default Google OAuth2 token endpoint.
	TokenURL = "https://oauth2.googleapis.com/token"

	// ScopePlayIntegrity authorizes Play Integrity decode calls.
	ScopePlayIntegrity = "https://www.googleapis.com/auth/playintegrity"

	grantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	assertionLifetime = time.Hour
	refreshMargin     = time.Minute

	maxResponseBytes = 1 << 20
)

var (
	// ErrInvalidCredentials indicates the service-account key could not
	// be parsed.
	ErrInvalidCredentials = errors.New("invalid service account credentials")

	// ErrTokenExchange indicates the token endpoint rejected the
	// assertion or returned an unusable response.
	ErrTokenExchange = errors.New("token exchange failed")
)

// Credentials is the subset of a Google service-account JSON key needed
// to mint access tokens.
type Credentials struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// ParseCredentials parses a service-account JSON key.
func ParseCredentials(data []byte) (*Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return nil, fmt.Errorf("%w: missing client_email or private_key", ErrInvalidCredentials)
	}
	return &creds, nil
}

// Config configures a Signer.
type Config struct {
	// CredentialsJSON is the raw service-account key file (required).
	CredentialsJSON []byte

	// Scope is the OAuth2 scope to request. Defaults to
	// ScopePlayIntegrity.
	Scope string

	// HTTPClient performs the token exchange. Defaults to a client with
	// a 30 second timeout.
	HTTPClient *http.Client

	// Logger for refresh events. Defaults to the standard logger.
	Logger *logrus.Logger
}

// Signer mints bearer tokens for a service account. Tokens are cached per
// credential and scope pair until shortly before expiry, and concurrent
// refreshes for the same pair collapse into a single outbound request.
type Signer struct {
	creds  *Credentials
	key    *rsa.PrivateKey
	scope  string
	client *http.Client
	log    *logrus.Logger
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
	group  singleflight.Group
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// NewSigner builds a Signer from service-account credentials.
func NewSigner(cfg Config) (*Signer, error) {
	creds, err := ParseCredentials(cfg.CredentialsJSON)
	if err != nil {
		return nil, err
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrInvalidCredentials, err)
	}

	if cfg.Scope == "" {
		cfg.Scope = ScopePlayIntegrity
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Signer{
		creds:  creds,
		key:    key,
		scope:  cfg.Scope,
		client: cfg.HTTPClient,
		log:    cfg.Logger,
		now:    time.Now,
		tokens: make(map[string]cachedToken),
	}, nil
}

// Token returns a bearer token for the signer's scope, refreshing it when
// the cached one is within the refresh margin of expiry.
func (s *Signer) Token(ctx context.Context) (string, error) {
	cacheKey := s.creds.ClientEmail + "|" + s.scope

	if tok, ok := s.cached(cacheKey); ok {
		return tok, nil
	}

	v, err, _ := s.group.Do(cacheKey, func() (any, error) {
		// Another caller may have refreshed while we waited.
		if tok, ok := s.cached(cacheKey); ok {
			return tok, nil
		}

		value, expiresAt, err := s.refresh(ctx)
		if err != nil {
			return "", err
		}

		s.mu.Lock()
		s.tokens[cacheKey] = cachedToken{value: value, expiresAt: expiresAt}
		s.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Client returns an HTTP client whose requests carry a bearer token for
// the signer's scope.
func (s *Signer) Client() *http.Client {
	return &http.Client{
		Transport: &bearerTransport{signer: s, base: s.client.Transport},
		Timeout:   s.client.Timeout,
	}
}

func (s *Signer) cached(cacheKey string) (string, bool) {
	s.mu.Lock()
	tok, ok := s.tokens[cacheKey]
	s.mu.Unlock()
	if !ok || !s.now().Before(tok.expiresAt.Add(-refreshMargin)) {
		return "", false
	}
	return tok.value, true
}

func (s *Signer) refresh(ctx context.Context) (string, time.Time, error) {
	issuedAt := s.now()

	assertion, err := s.signAssertion(issuedAt)
	if err != nil {
		return "", time.Time{}, err
	}

	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: build request: %v", ErrTokenExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: read response: %v", ErrTokenExchange, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("%w: status %d", ErrTokenExchange, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decode response: %v", ErrTokenExchange, err)
	}
	if payload.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty access_token", ErrTokenExchange)
	}

	expiresIn := time.Duration(payload.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = assertionLifetime
	}

	metrics.TokenRefreshes.Inc()
	s.log.WithFields(logrus.Fields{
		"client_email": s.creds.ClientEmail,
		"scope":        s.scope,
		"expires_in":   expiresIn.String(),
	}).Debug("Refreshed access token")

	return payload.AccessToken, issuedAt.Add(expiresIn), nil
}

func (s *Signer) signAssertion(issuedAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   s.creds.ClientEmail,
		"scope": s.scope,
		"aud":   s.tokenURL(),
		"iat":   issuedAt.Unix(),
		"exp":   issuedAt.Add(assertionLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.creds.PrivateKeyID != "" {
		token.Header["kid"] = s.creds.PrivateKeyID
	}

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

func (s *Signer) tokenURL() string {
	if s.creds.TokenURI != "" {
		return s.creds.TokenURI
	}
	return TokenURL
}

type bearerTransport struct {
	signer *Signer
	base   http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.signer.Token(req.Context())
	if err != nil {
		return nil, err
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}
