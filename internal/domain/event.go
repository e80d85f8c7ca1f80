package domain

import (
	"encoding/json"
	"fmt"
)

// EventKind identifies a wizard stream event variant
type EventKind string

const (
	EventToken           EventKind = "token"
	EventStepChange      EventKind = "step_change"
	EventDone            EventKind = "done"
	EventError           EventKind = "error"
	EventBuyerHandoff    EventKind = "buyer_handoff"
	EventAutobuyWaitlist EventKind = "autobuy_waitlist"
	EventSuggestions     EventKind = "suggestions"
	EventCheckoutReady   EventKind = "checkout_ready"
)

// StreamEvent is one decoded event from the wizard stream. The set of
// implementations is closed: one type per wire event kind.
type StreamEvent interface {
	Kind() EventKind
}

// TokenEvent carries an incremental text fragment of the in-progress reply
type TokenEvent struct {
	Content string
}

func (TokenEvent) Kind() EventKind { return EventToken }

// StepChangeEvent advances the session to a new step
type StepChangeEvent struct {
	Step WizardStep
}

func (StepChangeEvent) Kind() EventKind { return EventStepChange }

// DoneEvent ends the assistant's turn with the fully assembled response
type DoneEvent struct {
	FullResponse string
}

func (DoneEvent) Kind() EventKind { return EventDone }

// ErrorEvent carries a server-side error to be shown inline in the conversation
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) Kind() EventKind { return EventError }

// BuyerHandoffEvent concludes the session with an autonomous-agent handoff
type BuyerHandoffEvent struct {
	Outcome string
	Message string
}

func (BuyerHandoffEvent) Kind() EventKind { return EventBuyerHandoff }

// AutobuyWaitlistEvent concludes the session with a waitlist opt-in
type AutobuyWaitlistEvent struct {
	OptedIn bool
}

func (AutobuyWaitlistEvent) Kind() EventKind { return EventAutobuyWaitlist }

// SuggestionsEvent replaces the current quick-reply suggestion set
type SuggestionsEvent struct {
	Suggestions []string
}

func (SuggestionsEvent) Kind() EventKind { return EventSuggestions }

// CheckoutReadyEvent concludes the session with an order ready for payment
type CheckoutReadyEvent struct {
	OrderID            string
	TotalEUR           float64
	ProjectName        string
	StripeClientSecret string
}

func (CheckoutReadyEvent) Kind() EventKind { return EventCheckoutReady }

// wireEvent is the JSON shape carried on each stream line
type wireEvent struct {
	Type               EventKind  `json:"type"`
	Content            string     `json:"content,omitempty"`
	Step               WizardStep `json:"step,omitempty"`
	FullResponse       string     `json:"full_response,omitempty"`
	Message            string     `json:"message,omitempty"`
	Outcome            string     `json:"outcome,omitempty"`
	OptedIn            *bool      `json:"opted_in,omitempty"`
	Suggestions        []string   `json:"suggestions,omitempty"`
	OrderID            string     `json:"order_id,omitempty"`
	TotalEUR           float64    `json:"total_eur,omitempty"`
	ProjectName        string     `json:"project_name,omitempty"`
	StripeClientSecret string     `json:"stripe_client_secret,omitempty"`
}

// DecodeStreamEvent parses one stream-line payload into a typed event.
// Unknown event kinds decode to (nil, nil) so callers can skip them.
func DecodeStreamEvent(payload []byte) (StreamEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("failed to parse stream event: %w", err)
	}

	switch w.Type {
	case EventToken:
		return TokenEvent{Content: w.Content}, nil
	case EventStepChange:
		return StepChangeEvent{Step: w.Step}, nil
	case EventDone:
		return DoneEvent{FullResponse: w.FullResponse}, nil
	case EventError:
		return ErrorEvent{Message: w.Message}, nil
	case EventBuyerHandoff:
		return BuyerHandoffEvent{Outcome: w.Outcome, Message: w.Message}, nil
	case EventAutobuyWaitlist:
		optedIn := w.OptedIn != nil && *w.OptedIn
		return AutobuyWaitlistEvent{OptedIn: optedIn}, nil
	case EventSuggestions:
		return SuggestionsEvent{Suggestions: w.Suggestions}, nil
	case EventCheckoutReady:
		return CheckoutReadyEvent{
			OrderID:            w.OrderID,
			TotalEUR:           w.TotalEUR,
			ProjectName:        w.ProjectName,
			StripeClientSecret: w.StripeClientSecret,
		}, nil
	default:
		return nil, nil
	}
}

// EncodeStreamEvent renders a typed event back into its wire payload
func EncodeStreamEvent(ev StreamEvent) ([]byte, error) {
	w := wireEvent{Type: ev.Kind()}

	switch e := ev.(type) {
	case TokenEvent:
		w.Content = e.Content
	case StepChangeEvent:
		w.Step = e.Step
	case DoneEvent:
		w.FullResponse = e.FullResponse
	case ErrorEvent:
		w.Message = e.Message
	case BuyerHandoffEvent:
		w.Outcome = e.Outcome
		w.Message = e.Message
	case AutobuyWaitlistEvent:
		w.OptedIn = &e.OptedIn
	case SuggestionsEvent:
		w.Suggestions = e.Suggestions
	case CheckoutReadyEvent:
		w.OrderID = e.OrderID
		w.TotalEUR = e.TotalEUR
		w.ProjectName = e.ProjectName
		w.StripeClientSecret = e.StripeClientSecret
	default:
		return nil, fmt.Errorf("unknown stream event type %T", ev)
	}

	return json.Marshal(w)
}
