package domain

import (
	"time"
)

// MessageRole represents the sender of a conversation message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ConversationMessage is one entry in a wizard session's history.
// Immutable once appended.
type ConversationMessage struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp *time.Time  `json:"timestamp,omitempty"`
}

// ExtractedPreferences holds the buyer preferences the assistant has
// extracted so far. Produced server-side; read-only on the client.
type ExtractedPreferences struct {
	ProjectTypes []string `json:"project_types"`
	Regions      []string `json:"regions"`
	MaxPriceEUR  *float64 `json:"max_price_eur,omitempty"`
	CoBenefits   []string `json:"co_benefits"`
}

// WizardStep is the conversation's current phase
type WizardStep string

const (
	StepProfileCheck          WizardStep = "profile_check"
	StepOnboarding            WizardStep = "onboarding"
	StepFootprintEstimate     WizardStep = "footprint_estimate"
	StepPreferenceElicitation WizardStep = "preference_elicitation"
	StepListingSearch         WizardStep = "listing_search"
	StepRecommendation        WizardStep = "recommendation"
	StepOrderCreation         WizardStep = "order_creation"
	StepAutobuyWaitlist       WizardStep = "autobuy_waitlist"
)

// MilestoneCount is the number of display-level progress markers
const MilestoneCount = 5

// Valid reports whether s is one of the defined wizard steps
func (s WizardStep) Valid() bool {
	switch s {
	case StepProfileCheck, StepOnboarding, StepFootprintEstimate,
		StepPreferenceElicitation, StepListingSearch,
		StepRecommendation, StepOrderCreation, StepAutobuyWaitlist:
		return true
	}
	return false
}

// Milestone collapses a step onto one of the five progress markers.
// Total over all steps; unknown steps collapse onto the first marker.
func (s WizardStep) Milestone() int {
	switch s {
	case StepProfileCheck, StepOnboarding:
		return 0
	case StepFootprintEstimate:
		return 1
	case StepPreferenceElicitation:
		return 2
	case StepListingSearch, StepRecommendation:
		return 3
	case StepOrderCreation, StepAutobuyWaitlist:
		return 4
	}
	return 0
}

// WizardSession represents one guided-conversation instance
type WizardSession struct {
	ID                   string                `json:"id"`
	BuyerID              string                `json:"buyer_id,omitempty"`
	CurrentStep          WizardStep            `json:"current_step"`
	ConversationHistory  []ConversationMessage `json:"conversation_history"`
	ExtractedPreferences *ExtractedPreferences `json:"extracted_preferences,omitempty"`
	LastActiveAt         *time.Time            `json:"last_active_at,omitempty"`
	ExpiresAt            *time.Time            `json:"expires_at,omitempty"`
}

// Outcome is the way a conversation concluded
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeBuyerHandoff Outcome = "buyer_handoff"
	OutcomeWaitlist     Outcome = "autobuy_waitlist"
	OutcomeCheckout     Outcome = "checkout"
)

// CheckoutInfo carries the order details delivered by a checkout_ready event
type CheckoutInfo struct {
	OrderID            string  `json:"order_id"`
	TotalEUR           float64 `json:"total_eur"`
	ProjectName        string  `json:"project_name"`
	StripeClientSecret string  `json:"stripe_client_secret,omitempty"`
}
