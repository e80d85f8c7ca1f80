// Package wizard drives the guided purchase conversation: the state
// machine that applies stream events to the session, and the coordinator
// that orchestrates bootstrap, message submission, idle nudges, and
// terminal outcomes.
package wizard

import (
	"strings"
	"time"

	"github.com/jellevlieshout/carbonbridge/internal/domain"
)

// errorMessagePrefix visibly marks assistant messages that carry an error
const errorMessagePrefix = "⚠ "

// State owns the authoritative mutable session state. It is not
// goroutine-safe on its own; the coordinator serializes access.
type State struct {
	session     *domain.WizardSession
	streamBuf   strings.Builder
	suggestions []string

	outcome         domain.Outcome
	handoffMessage  string
	waitlistOptedIn bool
	waitlistAcked   bool
	checkout        *domain.CheckoutInfo
}

// NewState wraps a loaded session. The state takes exclusive ownership of
// the session's mutable fields.
func NewState(session *domain.WizardSession) *State {
	return &State{session: session}
}

// Apply folds one decoded stream event into the state. Events arriving
// after a terminal outcome are ignored, not reapplied.
func (s *State) Apply(ev domain.StreamEvent) {
	if s.Terminal() {
		return
	}

	switch e := ev.(type) {
	case domain.TokenEvent:
		s.streamBuf.WriteString(e.Content)
	case domain.StepChangeEvent:
		if e.Step.Valid() {
			s.session.CurrentStep = e.Step
		}
	case domain.DoneEvent:
		s.appendMessage(domain.RoleAssistant, e.FullResponse)
		s.streamBuf.Reset()
	case domain.ErrorEvent:
		s.appendMessage(domain.RoleAssistant, errorMessagePrefix+e.Message)
		s.streamBuf.Reset()
	case domain.BuyerHandoffEvent:
		s.outcome = domain.OutcomeBuyerHandoff
		s.handoffMessage = e.Message
		s.streamBuf.Reset()
	case domain.AutobuyWaitlistEvent:
		s.outcome = domain.OutcomeWaitlist
		s.waitlistOptedIn = e.OptedIn
		s.streamBuf.Reset()
	case domain.SuggestionsEvent:
		s.suggestions = e.Suggestions
	case domain.CheckoutReadyEvent:
		s.outcome = domain.OutcomeCheckout
		s.checkout = &domain.CheckoutInfo{
			OrderID:            e.OrderID,
			TotalEUR:           e.TotalEUR,
			ProjectName:        e.ProjectName,
			StripeClientSecret: e.StripeClientSecret,
		}
		s.streamBuf.Reset()
	}
}

// AppendUserMessage optimistically appends the buyer's message to the history
func (s *State) AppendUserMessage(content string) {
	s.appendMessage(domain.RoleUser, content)
}

// AppendAssistantError appends a visibly-marked synthetic assistant message
func (s *State) AppendAssistantError(message string) {
	s.appendMessage(domain.RoleAssistant, errorMessagePrefix+message)
}

func (s *State) appendMessage(role domain.MessageRole, content string) {
	now := time.Now().UTC()
	s.session.ConversationHistory = append(s.session.ConversationHistory, domain.ConversationMessage{
		Role:      role,
		Content:   content,
		Timestamp: &now,
	})
}

// ClearSuggestions drops the displayed quick-reply suggestions
func (s *State) ClearSuggestions() {
	s.suggestions = nil
}

// AcknowledgeWaitlist records the buyer's explicit waitlist confirmation
func (s *State) AcknowledgeWaitlist() {
	if s.outcome == domain.OutcomeWaitlist {
		s.waitlistAcked = true
	}
}

// Terminal reports whether a terminal outcome has been reached
func (s *State) Terminal() bool {
	return s.outcome != domain.OutcomeNone
}

// Completed reports whether the conversation is finished from the buyer's
// perspective. The waitlist outcome additionally requires an explicit
// acknowledgement; the other outcomes do not.
func (s *State) Completed() bool {
	if !s.Terminal() {
		return false
	}
	if s.outcome == domain.OutcomeWaitlist {
		return s.waitlistAcked
	}
	return true
}

// SessionID returns the session identifier
func (s *State) SessionID() string {
	return s.session.ID
}

// CurrentStep returns the session's current step
func (s *State) CurrentStep() domain.WizardStep {
	return s.session.CurrentStep
}

// Milestone returns the display-level progress index for the current step
func (s *State) Milestone() int {
	return s.session.CurrentStep.Milestone()
}

// History returns a copy of the conversation history
func (s *State) History() []domain.ConversationMessage {
	out := make([]domain.ConversationMessage, len(s.session.ConversationHistory))
	copy(out, s.session.ConversationHistory)
	return out
}

// StreamingText returns the in-progress assistant reply, if any
func (s *State) StreamingText() string {
	return s.streamBuf.String()
}

// Suggestions returns the current quick-reply suggestion set
func (s *State) Suggestions() []string {
	out := make([]string, len(s.suggestions))
	copy(out, s.suggestions)
	return out
}

// Outcome returns the terminal outcome, or OutcomeNone
func (s *State) Outcome() domain.Outcome {
	return s.outcome
}

// HandoffMessage returns the agent-handoff message, if that outcome fired
func (s *State) HandoffMessage() string {
	return s.handoffMessage
}

// WaitlistOptedIn reports the opted-in flag from the waitlist outcome
func (s *State) WaitlistOptedIn() bool {
	return s.waitlistOptedIn
}

// Checkout returns the checkout details, if that outcome fired
func (s *State) Checkout() *domain.CheckoutInfo {
	if s.checkout == nil {
		return nil
	}
	c := *s.checkout
	return &c
}

// Preferences returns the server-extracted buyer preferences, if any
func (s *State) Preferences() *domain.ExtractedPreferences {
	return s.session.ExtractedPreferences
}
