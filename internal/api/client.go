package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jellevlieshout/carbonbridge/internal/domain"
)

// APIVersion is the marker sent on every request so the backend can
// evolve the wire protocol without breaking older clients
const APIVersion = "2025-06-01"

// TokenSource supplies the ambient credential attached to every request.
// Refresh performs exactly one credential-refresh cycle; its failure is
// treated as unrecoverable session expiry by callers.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// Client is a caller-owned HTTP client for the CarbonBridge API
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// NewClient creates an API client rooted at baseURL
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
	}
}

// sessionEnvelope mirrors the backend's {id, data:{...}} session responses
type sessionEnvelope struct {
	ID   string               `json:"id"`
	Data domain.WizardSession `json:"data"`
}

func (e sessionEnvelope) session() *domain.WizardSession {
	s := e.Data
	s.ID = e.ID
	return &s
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-API-Version", APIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrSessionNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("api returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// envelopeResponse matches the backend's {success, data} wrapper
type envelopeResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) doSession(ctx context.Context, method, path string, body any) (*domain.WizardSession, error) {
	var wrapped envelopeResponse
	if err := c.doJSON(ctx, method, path, body, &wrapped); err != nil {
		return nil, err
	}

	var env sessionEnvelope
	if err := json.Unmarshal(wrapped.Data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return env.session(), nil
}

// CreateWizardSession creates a wizard session, or returns the buyer's
// active session when one exists
func (c *Client) CreateWizardSession(ctx context.Context) (*domain.WizardSession, error) {
	return c.doSession(ctx, http.MethodPost, "/api/v1/wizard/session", nil)
}

// SendWizardMessage persists a user message on the session
func (c *Client) SendWizardMessage(ctx context.Context, sessionID, content string) (*domain.WizardSession, error) {
	body := map[string]string{"content": content}
	return c.doSession(ctx, http.MethodPost, "/api/v1/wizard/session/"+sessionID+"/message", body)
}

// NudgeWizardSession asks the server to proactively continue the conversation
func (c *Client) NudgeWizardSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/wizard/session/"+sessionID+"/nudge", nil, nil)
}

// OpenWizardStream opens the session's event stream and returns its body.
// The caller owns the returned reader and must close it. A rejected
// credential surfaces as domain.ErrUnauthorized.
func (c *Client) OpenWizardStream(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/wizard/session/"+sessionID+"/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// No client timeout on the long-lived stream; cancellation comes
	// from the request context.
	streamClient := &http.Client{Transport: c.client.Transport}

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, domain.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, domain.ErrSessionNotFound
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// RefreshCredentials performs one credential-refresh cycle
func (c *Client) RefreshCredentials(ctx context.Context) error {
	return c.tokens.Refresh(ctx)
}
