// Package auth acquires the credentials every transport call rides on.
// An auth failure is fatal to the whole cycle; no topic can proceed
// without a token.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuth marks any failure to acquire credentials.
var ErrAuth = errors.New("auth: authentication failed")

// Credentials is the triple the pub/sub service authenticates by.
type Credentials struct {
	AccessToken string
	InstanceURL string
	TenantID    string
}

type TokenSource interface {
	Token(ctx context.Context) (Credentials, error)
}

// Static returns a TokenSource that always yields creds. Used with
// transports that carry no auth (mock, kafka) and in tests.
func Static(creds Credentials) TokenSource { return staticSource{creds} }

type staticSource struct{ creds Credentials }

func (s staticSource) Token(ctx context.Context) (Credentials, error) { return s.creds, nil }

// JWTConfig describes the JWT-bearer exchange: a locally signed RS256
// assertion traded at the login host for an access token.
type JWTConfig struct {
	LoginURL       string
	ClientID       string
	Username       string
	Audience       string
	PrivateKeyPath string
}

const assertionTTL = 3 * time.Minute

// JWTSource implements the JWT-bearer flow and caches the token until
// shortly before the assertion lifetime elapses.
type JWTSource struct {
	cfg    JWTConfig
	client *http.Client

	mu      sync.Mutex
	cached  Credentials
	expires time.Time
}

func NewJWTSource(cfg JWTConfig, client *http.Client) *JWTSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &JWTSource{cfg: cfg, client: client}
}

func (s *JWTSource) Token(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Now().Before(s.expires) {
		return s.cached, nil
	}
	creds, err := s.exchange(ctx)
	if err != nil {
		return Credentials{}, err
	}
	s.cached = creds
	s.expires = time.Now().Add(assertionTTL - 30*time.Second)
	return creds, nil
}

func (s *JWTSource) exchange(ctx context.Context) (Credentials, error) {
	assertion, err := s.assertion()
	if err != nil {
		return Credentials{}, err
	}
	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	endpoint := strings.TrimRight(s.cfg.LoginURL, "/") + "/services/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: token request: %v", ErrAuth, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: read token response: %v", ErrAuth, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("%w: token endpoint status %d: %s", ErrAuth, resp.StatusCode, body)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		InstanceURL string `json:"instance_url"`
		ID          string `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Credentials{}, fmt.Errorf("%w: parse token response: %v", ErrAuth, err)
	}
	tenantID, err := tenantFromIdentityURL(payload.ID)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		AccessToken: payload.AccessToken,
		InstanceURL: payload.InstanceURL,
		TenantID:    tenantID,
	}, nil
}

func (s *JWTSource) assertion() (string, error) {
	keyPEM, err := os.ReadFile(s.cfg.PrivateKeyPath)
	if err != nil {
		return "", fmt.Errorf("%w: read private key: %v", ErrAuth, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return "", fmt.Errorf("%w: parse private key: %v", ErrAuth, err)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": s.cfg.ClientID,
		"sub": s.cfg.Username,
		"aud": s.cfg.Audience,
		"exp": now.Add(assertionTTL).Unix(),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: sign assertion: %v", ErrAuth, err)
	}
	return signed, nil
}

// The identity URL looks like <login host>/id/<tenant id>/<user id>;
// the tenant id is the second-to-last segment.
func tenantFromIdentityURL(id string) (string, error) {
	parts := strings.Split(strings.TrimRight(id, "/"), "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: malformed identity URL %q", ErrAuth, id)
	}
	return parts[len(parts)-2], nil
}
