package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/jellevlieshout/carbonbridge/internal/domain"
	"github.com/jellevlieshout/carbonbridge/internal/stream"
)

// submitErrorMessage is shown inline when a message submission fails;
// the session stays interactive and the buyer may retry.
const submitErrorMessage = "I couldn't send that message. Please try again in a moment."

// Backend is the narrow slice of the CarbonBridge API the coordinator
// consumes. Implemented by api.Client.
type Backend interface {
	CreateWizardSession(ctx context.Context) (*domain.WizardSession, error)
	SendWizardMessage(ctx context.Context, sessionID, content string) (*domain.WizardSession, error)
	NudgeWizardSession(ctx context.Context, sessionID string) error
}

// EventStream is the channel lifecycle the coordinator drives.
// Implemented by stream.Channel.
type EventStream interface {
	Start(ctx context.Context, sessionID string, h stream.Handlers) error
	Stop()
	Open() bool
}

// Listener receives applied events and the session-expired signal so a
// presentation layer can re-render. Callbacks run on the stream's
// dispatch path and must not call back into the coordinator.
type Listener interface {
	OnEvent(ev domain.StreamEvent)
	OnExpired()
}

// PaymentCollaborator confirms payment for a ready order. The payment UI
// itself lives outside this engine.
type PaymentCollaborator interface {
	ConfirmPayment(ctx context.Context, clientSecret string) error
}

// Snapshot is a read-only view of the conversation for presentation layers
type Snapshot struct {
	SessionID       string
	Step            domain.WizardStep
	Milestone       int
	History         []domain.ConversationMessage
	StreamingText   string
	Suggestions     []string
	Outcome         domain.Outcome
	HandoffMessage  string
	WaitlistOptedIn bool
	Checkout        *domain.CheckoutInfo
	Preferences     *domain.ExtractedPreferences
	Streaming       bool
	Expired         bool
	Completed       bool
}

// Coordinator orchestrates session bootstrap, message submission, the
// idle-nudge timer, and terminal outcome hand-off.
type Coordinator struct {
	backend       Backend
	events        EventStream
	clock         clockwork.Clock
	idleThreshold time.Duration
	logger        zerolog.Logger

	mu           sync.Mutex
	baseCtx      context.Context
	state        *State
	streamGen    uint64
	nudgeTimer   clockwork.Timer
	bootstrapped bool
	expired      bool
	listener     Listener
}

// NewCoordinator creates a coordinator. idleThreshold is how long the
// buyer may stay silent after an assistant turn before a nudge is issued.
func NewCoordinator(backend Backend, events EventStream, clock clockwork.Clock, idleThreshold time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		backend:       backend,
		events:        events,
		clock:         clock,
		idleThreshold: idleThreshold,
		logger:        logger,
	}
}

// SetListener registers the presentation listener. Call before Bootstrap.
func (c *Coordinator) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Bootstrap loads or creates the wizard session exactly once. If the
// loaded history is empty the assistant speaks first (a stream is opened
// immediately); otherwise the idle-nudge timer is armed for the resumed
// conversation. ctx must outlive the session: nudges and reconnects are
// scoped to it.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	c.mu.Lock()
	if c.bootstrapped {
		c.mu.Unlock()
		return nil
	}
	c.bootstrapped = true
	c.baseCtx = ctx
	c.mu.Unlock()

	sess, err := c.backend.CreateWizardSession(ctx)
	if err != nil {
		c.mu.Lock()
		c.bootstrapped = false
		c.mu.Unlock()
		return fmt.Errorf("failed to load wizard session: %w", err)
	}

	c.mu.Lock()
	c.state = NewState(sess)
	empty := len(sess.ConversationHistory) == 0
	c.mu.Unlock()

	c.logger.Info().
		Str("session_id", sess.ID).
		Str("step", string(sess.CurrentStep)).
		Bool("fresh", empty).
		Msg("wizard session ready")

	if empty {
		c.openStream(ctx)
	} else {
		c.mu.Lock()
		c.armNudgeTimerLocked()
		c.mu.Unlock()
	}
	return nil
}

// Send submits a buyer message. Preconditions: non-empty trimmed text and
// no stream currently open. A submission failure surfaces as a synthetic
// assistant message rather than an error; the session stays interactive.
func (c *Coordinator) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.ErrEmptyMessage
	}
	if c.events.Open() {
		return domain.ErrStreamBusy
	}

	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return errors.New("session not bootstrapped")
	}
	if c.expired {
		c.mu.Unlock()
		return domain.ErrSessionExpired
	}
	if c.state.Terminal() {
		c.mu.Unlock()
		return domain.ErrSessionTerminal
	}
	c.clearNudgeTimerLocked()
	c.state.AppendUserMessage(content)
	c.state.ClearSuggestions()
	sessionID := c.state.SessionID()
	c.mu.Unlock()

	if _, err := c.backend.SendWizardMessage(ctx, sessionID, content); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to submit message")
		c.mu.Lock()
		c.state.AppendAssistantError(submitErrorMessage)
		listener := c.listener
		c.mu.Unlock()
		if listener != nil {
			listener.OnEvent(domain.ErrorEvent{Message: submitErrorMessage})
		}
		return nil
	}

	c.openStream(ctx)
	return nil
}

// AcknowledgeWaitlist records the buyer's explicit waitlist confirmation
func (c *Coordinator) AcknowledgeWaitlist() {
	c.mu.Lock()
	if c.state != nil {
		c.state.AcknowledgeWaitlist()
	}
	c.mu.Unlock()
}

// CompleteCheckout confirms payment through the collaborator and returns
// the retirement certificate reference.
func (c *Coordinator) CompleteCheckout(ctx context.Context, pay PaymentCollaborator) (string, error) {
	c.mu.Lock()
	var checkout *domain.CheckoutInfo
	if c.state != nil {
		checkout = c.state.Checkout()
	}
	c.mu.Unlock()

	if checkout == nil {
		return "", errors.New("no checkout is ready")
	}
	if err := pay.ConfirmPayment(ctx, checkout.StripeClientSecret); err != nil {
		return "", fmt.Errorf("payment confirmation failed: %w", err)
	}

	cert := retirementCertificateRef()
	c.logger.Info().
		Str("order_id", checkout.OrderID).
		Str("certificate", cert).
		Msg("order paid and credits retired")
	return cert, nil
}

// Snapshot returns a consistent read-only view of the conversation
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{Expired: c.expired}
	if c.state == nil {
		return snap
	}
	snap.SessionID = c.state.SessionID()
	snap.Step = c.state.CurrentStep()
	snap.Milestone = c.state.Milestone()
	snap.History = c.state.History()
	snap.StreamingText = c.state.StreamingText()
	snap.Suggestions = c.state.Suggestions()
	snap.Outcome = c.state.Outcome()
	snap.HandoffMessage = c.state.HandoffMessage()
	snap.WaitlistOptedIn = c.state.WaitlistOptedIn()
	snap.Checkout = c.state.Checkout()
	snap.Preferences = c.state.Preferences()
	snap.Streaming = c.events.Open()
	snap.Completed = c.state.Completed()
	return snap
}

// Expired reports whether the credential could not be recovered
func (c *Coordinator) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Close tears the coordinator down: pending timer cleared, stream stopped
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.clearNudgeTimerLocked()
	c.mu.Unlock()
	c.events.Stop()
}

// openStream starts a fresh stream generation. Events from any previous
// generation are dropped even if their goroutine still dispatches.
func (c *Coordinator) openStream(ctx context.Context) {
	c.mu.Lock()
	c.streamGen++
	gen := c.streamGen
	sessionID := c.state.SessionID()
	c.mu.Unlock()

	if err := c.events.Start(ctx, sessionID, c.handlers(gen)); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to start wizard stream")
	}
}

func (c *Coordinator) handlers(gen uint64) stream.Handlers {
	return stream.Handlers{
		OnToken:           func(e domain.TokenEvent) { c.applyEvent(gen, e) },
		OnStepChange:      func(e domain.StepChangeEvent) { c.applyEvent(gen, e) },
		OnDone:            func(e domain.DoneEvent) { c.applyEvent(gen, e) },
		OnError:           func(e domain.ErrorEvent) { c.applyEvent(gen, e) },
		OnBuyerHandoff:    func(e domain.BuyerHandoffEvent) { c.applyEvent(gen, e) },
		OnAutobuyWaitlist: func(e domain.AutobuyWaitlistEvent) { c.applyEvent(gen, e) },
		OnSuggestions:     func(e domain.SuggestionsEvent) { c.applyEvent(gen, e) },
		OnCheckoutReady:   func(e domain.CheckoutReadyEvent) { c.applyEvent(gen, e) },
		OnExpired:         func() { c.markExpired(gen) },
	}
}

// applyEvent folds one event into the state unless its stream generation
// has been superseded.
func (c *Coordinator) applyEvent(gen uint64, ev domain.StreamEvent) {
	c.mu.Lock()
	if gen != c.streamGen || c.state == nil {
		c.mu.Unlock()
		return
	}
	c.state.Apply(ev)

	switch ev.(type) {
	case domain.DoneEvent:
		if !c.state.Terminal() {
			c.armNudgeTimerLocked()
		}
	case domain.BuyerHandoffEvent, domain.AutobuyWaitlistEvent, domain.CheckoutReadyEvent:
		c.clearNudgeTimerLocked()
	}
	listener := c.listener
	c.mu.Unlock()

	if listener != nil {
		listener.OnEvent(ev)
	}
}

func (c *Coordinator) markExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.streamGen {
		c.mu.Unlock()
		return
	}
	c.expired = true
	c.clearNudgeTimerLocked()
	listener := c.listener
	c.mu.Unlock()

	c.logger.Warn().Msg("wizard session expired, re-authentication required")
	if listener != nil {
		listener.OnExpired()
	}
}

// armNudgeTimerLocked arms the one-shot idle timer, replacing any pending
// one. At most one timer is armed at a time. Callers must hold c.mu.
func (c *Coordinator) armNudgeTimerLocked() {
	c.clearNudgeTimerLocked()
	c.nudgeTimer = c.clock.AfterFunc(c.idleThreshold, c.fireNudge)
}

func (c *Coordinator) clearNudgeTimerLocked() {
	if c.nudgeTimer != nil {
		c.nudgeTimer.Stop()
		c.nudgeTimer = nil
	}
}

// fireNudge runs when the buyer has been idle past the threshold. A stale
// fire against a terminal, expired, or already-streaming session is a
// no-op. A failed nudge request is swallowed: an idle buyer should never
// see a background error.
func (c *Coordinator) fireNudge() {
	c.mu.Lock()
	c.nudgeTimer = nil
	if c.state == nil || c.state.Terminal() || c.expired || c.events.Open() {
		c.mu.Unlock()
		return
	}
	sessionID := c.state.SessionID()
	ctx := c.baseCtx
	c.mu.Unlock()

	if err := c.backend.NudgeWizardSession(ctx, sessionID); err != nil {
		c.logger.Debug().Err(err).Str("session_id", sessionID).Msg("nudge request failed")
		return
	}

	c.logger.Debug().Str("session_id", sessionID).Msg("nudging idle conversation")
	c.openStream(ctx)
}

func retirementCertificateRef() string {
	return "CB-RET-" + strings.ToUpper(uuid.NewString()[:8])
}
