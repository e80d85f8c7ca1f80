package devserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jellevlieshout/carbonbridge/internal/config"
	"github.com/jellevlieshout/carbonbridge/internal/domain"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := NewSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv, err := NewServer(config.DevServerConfig{
		JWTSecret:       "test-secret-key-with-32-chars!!",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
		TokenDelay:      0,
		DemoEmail:       "buyer@example.com",
		DemoPassword:    "demo-password",
	}, store, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()

	var wrapped struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wrapped))
	require.True(t, wrapped.Success)
	require.NoError(t, json.Unmarshal(wrapped.Data, out))
}

func login(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v1/auth/login", "", map[string]string{
		"email":    "buyer@example.com",
		"password": "demo-password",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pair tokenPairResponse
	decodeData(t, resp, &pair)
	require.NotEmpty(t, pair.AccessToken)
	return pair.AccessToken
}

func createSession(t *testing.T, ts *httptest.Server, token string) sessionEnvelope {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v1/wizard/session", token, nil)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, resp.StatusCode)

	var env sessionEnvelope
	decodeData(t, resp, &env)
	require.NotEmpty(t, env.ID)
	return env
}

// readStream collects the decoded events of one SSE turn
func readStream(t *testing.T, ts *httptest.Server, token, sessionID string) []domain.StreamEvent {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/wizard/session/"+sessionID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []domain.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return events
		}
		ev, err := domain.DecodeStreamEvent([]byte(payload))
		require.NoError(t, err)
		if ev != nil {
			events = append(events, ev)
		}
	}
	t.Fatal("stream ended without the [DONE] sentinel")
	return nil
}

func TestAuth_RejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/auth/login", "", map[string]string{
		"email":    "buyer@example.com",
		"password": "wrong",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_RefreshIssuesNewPair(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/auth/login", "", map[string]string{
		"email":    "buyer@example.com",
		"password": "demo-password",
	})
	var pair tokenPairResponse
	decodeData(t, resp, &pair)

	resp = postJSON(t, ts.URL+"/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var refreshed tokenPairResponse
	decodeData(t, resp, &refreshed)
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEmpty(t, refreshed.RefreshToken)
}

func TestWizard_RequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/wizard/session", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWizard_SessionCreateResumesActive(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts)

	first := createSession(t, ts, token)
	second := createSession(t, ts, token)

	assert.Equal(t, first.ID, second.ID, "an active session is resumed, not duplicated")
}

func TestWizard_StreamDeliversScriptedTurn(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts)
	env := createSession(t, ts, token)

	events := readStream(t, ts, token, env.ID)
	require.NotEmpty(t, events)

	// Tokens first, then the step change, then done, then suggestions.
	var full strings.Builder
	i := 0
	for ; i < len(events); i++ {
		tok, ok := events[i].(domain.TokenEvent)
		if !ok {
			break
		}
		full.WriteString(tok.Content)
	}
	require.Greater(t, i, 0, "turn starts with token events")

	step, ok := events[i].(domain.StepChangeEvent)
	require.True(t, ok, "step change follows the tokens")
	assert.Equal(t, domain.StepOnboarding, step.Step)
	i++

	done, ok := events[i].(domain.DoneEvent)
	require.True(t, ok, "done follows the step change")
	assert.Equal(t, full.String(), done.FullResponse)
	i++

	sugg, ok := events[i].(domain.SuggestionsEvent)
	require.True(t, ok, "suggestions close the turn")
	assert.NotEmpty(t, sugg.Suggestions)
}

func TestWizard_MessagePersistsAndAdvances(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts)
	env := createSession(t, ts, token)

	readStream(t, ts, token, env.ID) // advance to onboarding

	resp := postJSON(t, ts.URL+"/api/v1/wizard/session/"+env.ID+"/message", token, map[string]string{
		"content": "Technology, 50 people",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated sessionEnvelope
	decodeData(t, resp, &updated)
	require.NotNil(t, updated.Data)
	history := updated.Data.ConversationHistory
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, domain.RoleUser, last.Role)
	assert.Equal(t, "Technology, 50 people", last.Content)
}

func TestWizard_MessageRejectsEmptyContent(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts)
	env := createSession(t, ts, token)

	resp := postJSON(t, ts.URL+"/api/v1/wizard/session/"+env.ID+"/message", token, map[string]string{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWizard_NudgeReturnsNoContent(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts)
	env := createSession(t, ts, token)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/wizard/session/"+env.ID+"/nudge", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestWizard_WaitlistIntentEndsSession(t *testing.T) {
	ts := newTestServer(t)
	token := login(t, ts)
	env := createSession(t, ts, token)

	resp := postJSON(t, ts.URL+"/api/v1/wizard/session/"+env.ID+"/message", token, map[string]string{
		"content": "Put me on the auto-buy waitlist",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readStream(t, ts, token, env.ID)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	waitlist, ok := last.(domain.AutobuyWaitlistEvent)
	require.True(t, ok, "waitlist intent ends the stream with a waitlist event, got %T", last)
	assert.True(t, waitlist.OptedIn)

	// The next session create starts fresh.
	fresh := createSession(t, ts, token)
	assert.NotEqual(t, env.ID, fresh.ID)
}
