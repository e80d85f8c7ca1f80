package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellevlieshout/carbonbridge/internal/domain"
)

// StaticTokenSource supplies a fixed credential and cannot refresh it
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource creates a token source around a pre-issued token
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", domain.ErrUnauthorized
	}
	return s.token, nil
}

func (s *StaticTokenSource) Refresh(ctx context.Context) error {
	return domain.ErrSessionExpired
}

// tokenPair mirrors the auth endpoints' response body
type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshingTokenSource holds an access/refresh token pair and exchanges
// the refresh token for a new pair on demand
type RefreshingTokenSource struct {
	baseURL string
	client  *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// NewRefreshingTokenSource creates a token source backed by the auth endpoints
func NewRefreshingTokenSource(baseURL string, timeout time.Duration) *RefreshingTokenSource {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &RefreshingTokenSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Login authenticates with email and password and stores the token pair
func (t *RefreshingTokenSource) Login(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	pair, err := t.postAuth(ctx, "/api/v1/auth/login", body)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	t.mu.Lock()
	t.accessToken = pair.AccessToken
	t.refreshToken = pair.RefreshToken
	t.mu.Unlock()
	return nil
}

func (t *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accessToken == "" {
		return "", domain.ErrUnauthorized
	}
	return t.accessToken, nil
}

// Refresh exchanges the stored refresh token for a new token pair.
// Any failure is unrecoverable session expiry.
func (t *RefreshingTokenSource) Refresh(ctx context.Context) error {
	t.mu.Lock()
	refreshToken := t.refreshToken
	t.mu.Unlock()

	if refreshToken == "" {
		return domain.ErrSessionExpired
	}

	pair, err := t.postAuth(ctx, "/api/v1/auth/refresh", map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return domain.ErrSessionExpired
	}

	t.mu.Lock()
	t.accessToken = pair.AccessToken
	t.refreshToken = pair.RefreshToken
	t.mu.Unlock()
	return nil
}

func (t *RefreshingTokenSource) postAuth(ctx context.Context, path string, body map[string]string) (*tokenPair, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Version", APIVersion)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth returned status %d", resp.StatusCode)
	}

	var wrapped struct {
		Success bool      `json:"success"`
		Data    tokenPair `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &wrapped.Data, nil
}
