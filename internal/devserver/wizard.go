package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jellevlieshout/carbonbridge/internal/domain"
)

// sessionEnvelope matches the backend's {id, data:{...}} session shape
type sessionEnvelope struct {
	ID   string                `json:"id"`
	Data *domain.WizardSession `json:"data"`
}

func envelope(session *domain.WizardSession) sessionEnvelope {
	return sessionEnvelope{ID: session.ID, Data: session}
}

// handleSessionCreate creates a session, or resumes the buyer's active one
func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	buyerID := buyerIDFrom(r.Context())

	existing, err := s.store.GetActiveForBuyer(r.Context(), buyerID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to look up active session")
		respondError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if existing != nil {
		respondOK(w, envelope(existing))
		return
	}

	now := time.Now().UTC()
	expires := now.Add(24 * time.Hour)
	session := &domain.WizardSession{
		ID:                  uuid.NewString(),
		BuyerID:             buyerID,
		CurrentStep:         domain.StepProfileCheck,
		ConversationHistory: []domain.ConversationMessage{},
		LastActiveAt:        &now,
		ExpiresAt:           &expires,
	}
	if err := s.store.Create(r.Context(), session); err != nil {
		s.logger.Error().Err(err).Msg("failed to create session")
		respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	respondCreated(w, envelope(session))
}

// loadOwnedSession loads the session and verifies the caller owns it
func (s *Server) loadOwnedSession(w http.ResponseWriter, r *http.Request) *domain.WizardSession {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := s.store.Get(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session not found")
		return nil
	}
	if session.BuyerID != buyerIDFrom(r.Context()) {
		respondError(w, http.StatusForbidden, "not your session")
		return nil
	}
	return session
}

// handleSessionMessage persists a user message on the session
func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	session := s.loadOwnedSession(w, r)
	if session == nil {
		return
	}

	var input struct {
		Content string `json:"content" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(input); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	session.ConversationHistory = append(session.ConversationHistory, domain.ConversationMessage{
		Role:      domain.RoleUser,
		Content:   input.Content,
		Timestamp: &now,
	})
	session.LastActiveAt = &now

	if err := s.store.Update(r.Context(), session); err != nil {
		s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to persist message")
		respondError(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	respondOK(w, envelope(session))
}

// handleSessionNudge accepts a proactive-continuation request. The next
// stream open produces the scripted continuation; nothing else to do here.
func (s *Server) handleSessionNudge(w http.ResponseWriter, r *http.Request) {
	session := s.loadOwnedSession(w, r)
	if session == nil {
		return
	}

	s.logger.Debug().Str("session_id", session.ID).Msg("nudge accepted")
	respondNoContent(w)
}

// handleSessionStream streams one scripted assistant turn as SSE
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	session := s.loadOwnedSession(w, r)
	if session == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	script, found := conversationScript[session.CurrentStep]
	if !found {
		script = conversationScript[domain.StepProfileCheck]
	}
	end := detectEnding(session.CurrentStep, lastUserMessage(session))

	write := func(ev domain.StreamEvent) bool {
		payload, err := domain.EncodeStreamEvent(ev)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to encode stream event")
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Stream the reply word by word for a natural feel.
	full := ""
	for i, word := range strings.Split(script.Response, " ") {
		token := word
		if i > 0 {
			token = " " + word
		}
		full += token
		if !write(domain.TokenEvent{Content: token}) {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.tokenDelay):
		}
	}

	// Persist the assistant turn and the step advance before announcing them.
	now := time.Now().UTC()
	session.ConversationHistory = append(session.ConversationHistory, domain.ConversationMessage{
		Role:      domain.RoleAssistant,
		Content:   full,
		Timestamp: &now,
	})
	stepAdvanced := script.NextStep != "" && script.NextStep != session.CurrentStep
	if stepAdvanced {
		session.CurrentStep = script.NextStep
	}
	if session.CurrentStep == domain.StepPreferenceElicitation || session.CurrentStep == domain.StepListingSearch {
		session.ExtractedPreferences = scriptedPreferences()
	}
	if err := s.store.Update(r.Context(), session); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("failed to persist assistant turn")
	}

	if stepAdvanced {
		if !write(domain.StepChangeEvent{Step: session.CurrentStep}) {
			return
		}
	}
	if !write(domain.DoneEvent{FullResponse: full}) {
		return
	}
	if len(script.Suggestions) > 0 && end == nil {
		if !write(domain.SuggestionsEvent{Suggestions: script.Suggestions}) {
			return
		}
	}

	// At most one terminal event per stream, always last.
	if end != nil {
		if !s.writeEnding(w, r, session, *end, write) {
			return
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeEnding(w http.ResponseWriter, r *http.Request, session *domain.WizardSession, end ending, write func(domain.StreamEvent) bool) bool {
	var ev domain.StreamEvent
	switch end.kind {
	case domain.EventCheckoutReady:
		ev = domain.CheckoutReadyEvent{
			OrderID:            uuid.NewString(),
			TotalEUR:           1350.0, // 180 t × €7.50
			ProjectName:        "Rimba Raya Biodiversity Reserve",
			StripeClientSecret: "pi_dev_" + uuid.NewString(),
		}
	case domain.EventAutobuyWaitlist:
		ev = domain.AutobuyWaitlistEvent{OptedIn: true}
	case domain.EventBuyerHandoff:
		ev = domain.BuyerHandoffEvent{Outcome: "agent_handoff", Message: handoffMessage}
	default:
		return true
	}

	if err := s.store.Deactivate(r.Context(), session.ID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("failed to deactivate session")
	}
	return write(ev)
}

func lastUserMessage(session *domain.WizardSession) string {
	for i := len(session.ConversationHistory) - 1; i >= 0; i-- {
		if session.ConversationHistory[i].Role == domain.RoleUser {
			return session.ConversationHistory[i].Content
		}
	}
	return ""
}
