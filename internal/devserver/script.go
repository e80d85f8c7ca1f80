package devserver

import (
	"strings"

	"github.com/jellevlieshout/carbonbridge/internal/domain"
)

// stepScript is one scripted assistant turn: the reply for the session's
// current step, the step to advance to, and the quick replies to offer.
type stepScript struct {
	Response    string
	NextStep    domain.WizardStep
	Suggestions []string
}

// conversationScript drives the scripted wizard. Each turn replies for the
// current step and advances to the next, mirroring the guided progression
// of the real assistant.
var conversationScript = map[domain.WizardStep]stepScript{
	domain.StepProfileCheck: {
		Response: "Welcome to CarbonBridge! I'll help you find carbon credits that fit " +
			"your business. To start: what sector do you operate in, and roughly " +
			"how many employees do you have?",
		NextStep:    domain.StepOnboarding,
		Suggestions: []string{"Technology, 50 people", "Manufacturing, 200 people"},
	},
	domain.StepOnboarding: {
		Response: "Thanks, that's exactly what I needed. I'll use it to estimate your " +
			"carbon footprint and match you with verified projects. Shall we look " +
			"at your estimated emissions next?",
		NextStep:    domain.StepFootprintEstimate,
		Suggestions: []string{"Yes, show my estimate", "Tell me how you estimate it"},
	},
	domain.StepFootprintEstimate: {
		Response: "Based on your sector and headcount, I estimate your annual footprint " +
			"at around 180 tonnes of CO2e. Now, what kind of offset projects appeal " +
			"to you — forestry, renewable energy, cookstoves, or something else?",
		NextStep:    domain.StepPreferenceElicitation,
		Suggestions: []string{"Forestry projects", "Renewable energy", "No preference"},
	},
	domain.StepPreferenceElicitation: {
		Response: "Noted! I'll focus on projects matching those preferences. Give me a " +
			"moment while I search our verified listings for the best options.",
		NextStep:    domain.StepListingSearch,
		Suggestions: []string{"Sounds good"},
	},
	domain.StepListingSearch: {
		Response: "I found several verified listings matching your criteria. Let me put " +
			"together a recommendation for you.",
		NextStep:    domain.StepRecommendation,
		Suggestions: []string{"Show me the recommendation"},
	},
	domain.StepRecommendation: {
		Response: "My top pick is the Rimba Raya forest conservation project: 180 tonnes " +
			"at €7.50 per tonne, Verra-verified, with strong community co-benefits. " +
			"Want me to set up the order, or should I search again with different criteria?",
		NextStep:    domain.StepOrderCreation,
		Suggestions: []string{"Set up the order", "Search again", "Put me on the auto-buy waitlist"},
	},
	domain.StepOrderCreation: {
		Response: "Excellent choice! I've drafted your order for 180 tonnes from Rimba " +
			"Raya. You'll see the total before anything is charged.",
		NextStep: domain.StepOrderCreation,
	},
}

// scriptedPreferences simulates the preference extraction the real agent
// performs during the elicitation step.
func scriptedPreferences() *domain.ExtractedPreferences {
	maxPrice := 10.0
	return &domain.ExtractedPreferences{
		ProjectTypes: []string{"forestry"},
		Regions:      []string{"southeast_asia"},
		MaxPriceEUR:  &maxPrice,
		CoBenefits:   []string{"community", "biodiversity"},
	}
}

// ending describes how a scripted stream concludes after its done event
type ending struct {
	kind domain.EventKind
}

// detectEnding picks a terminal outcome from the buyer's latest message.
// Checkout fires when the conversation has reached order creation;
// waitlist and handoff fire on explicit buyer intent at any step.
func detectEnding(step domain.WizardStep, lastUserMessage string) *ending {
	msg := strings.ToLower(lastUserMessage)
	switch {
	case strings.Contains(msg, "waitlist"):
		return &ending{kind: domain.EventAutobuyWaitlist}
	case strings.Contains(msg, "auto-buy") || strings.Contains(msg, "autopilot") || strings.Contains(msg, "hand off"):
		return &ending{kind: domain.EventBuyerHandoff}
	case step == domain.StepOrderCreation:
		return &ending{kind: domain.EventCheckoutReady}
	}
	return nil
}

// handoffMessage is streamed with a buyer_handoff ending
const handoffMessage = "I've handed your criteria to your autonomous buying agent. " +
	"It will watch the market and purchase on your behalf; you can follow its runs " +
	"from your dashboard."
