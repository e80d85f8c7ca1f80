package wizard

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jellevlieshout/carbonbridge/internal/domain"
)

const testIdleThreshold = 45 * time.Second

func testSession(history ...domain.ConversationMessage) *domain.WizardSession {
	return &domain.WizardSession{
		ID:                  "sess-1",
		CurrentStep:         domain.StepProfileCheck,
		ConversationHistory: history,
	}
}

func assistantMsg(content string) domain.ConversationMessage {
	return domain.ConversationMessage{Role: domain.RoleAssistant, Content: content}
}

func newTestCoordinator(t *testing.T, sess *domain.WizardSession) (*Coordinator, *MockBackend, *fakeStream, *clockwork.FakeClock, *recordingListener) {
	t.Helper()

	backend := new(MockBackend)
	backend.On("CreateWizardSession", mock.Anything).Return(sess, nil).Once()

	fs := &fakeStream{}
	clock := clockwork.NewFakeClock()
	listener := &recordingListener{}

	coord := NewCoordinator(backend, fs, clock, testIdleThreshold, zerolog.Nop())
	coord.SetListener(listener)
	require.NoError(t, coord.Bootstrap(context.Background()))

	return coord, backend, fs, clock, listener
}

func TestCoordinator_BootstrapFreshSessionStartsStream(t *testing.T) {
	coord, backend, fs, _, _ := newTestCoordinator(t, testSession())

	assert.Equal(t, 1, fs.startCount(), "assistant speaks first on a fresh session")

	// Bootstrap is idempotent.
	require.NoError(t, coord.Bootstrap(context.Background()))
	assert.Equal(t, 1, fs.startCount())
	backend.AssertNumberOfCalls(t, "CreateWizardSession", 1)
}

func TestCoordinator_BootstrapResumedSessionArmsNudge(t *testing.T) {
	sess := testSession(assistantMsg("welcome back"))
	_, backend, fs, clock, _ := newTestCoordinator(t, sess)

	assert.Zero(t, fs.startCount(), "resumed sessions do not auto-stream")

	backend.On("NudgeWizardSession", mock.Anything, "sess-1").Return(nil).Once()
	clock.Advance(testIdleThreshold)

	assert.Eventually(t, func() bool { return fs.startCount() == 1 }, time.Second, 5*time.Millisecond)
	backend.AssertExpectations(t)
}

func TestCoordinator_BootstrapFailureIsRetryable(t *testing.T) {
	backend := new(MockBackend)
	backend.On("CreateWizardSession", mock.Anything).Return(nil, errors.New("network down")).Once()
	backend.On("CreateWizardSession", mock.Anything).Return(testSession(), nil).Once()

	coord := NewCoordinator(backend, &fakeStream{}, clockwork.NewFakeClock(), testIdleThreshold, zerolog.Nop())

	assert.Error(t, coord.Bootstrap(context.Background()))
	assert.NoError(t, coord.Bootstrap(context.Background()))
	backend.AssertExpectations(t)
}

func TestCoordinator_SendValidations(t *testing.T) {
	coord, _, fs, _, _ := newTestCoordinator(t, testSession())
	ctx := context.Background()

	assert.ErrorIs(t, coord.Send(ctx, "   "), domain.ErrEmptyMessage)

	// The bootstrap stream is still open.
	assert.ErrorIs(t, coord.Send(ctx, "hello"), domain.ErrStreamBusy)

	fs.finish()
	fs.emit(domain.CheckoutReadyEvent{OrderID: "ord"})
	assert.ErrorIs(t, coord.Send(ctx, "hello"), domain.ErrSessionTerminal)
}

func TestCoordinator_SendHappyPath(t *testing.T) {
	coord, backend, fs, _, _ := newTestCoordinator(t, testSession())
	fs.emit(domain.SuggestionsEvent{Suggestions: []string{"Yes"}})
	fs.finish()

	backend.On("SendWizardMessage", mock.Anything, "sess-1", "forestry please").
		Return(testSession(), nil).Once()

	require.NoError(t, coord.Send(context.Background(), "  forestry please  "))

	snap := coord.Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, domain.RoleUser, snap.History[0].Role)
	assert.Equal(t, "forestry please", snap.History[0].Content, "message is trimmed")
	assert.Empty(t, snap.Suggestions, "suggestions cleared on send")
	assert.Equal(t, 2, fs.startCount())
	backend.AssertExpectations(t)
}

func TestCoordinator_SendSubmitFailureStaysInteractive(t *testing.T) {
	coord, backend, fs, _, listener := newTestCoordinator(t, testSession())
	fs.finish()

	backend.On("SendWizardMessage", mock.Anything, "sess-1", "hello").
		Return(nil, errors.New("503")).Once()

	require.NoError(t, coord.Send(context.Background(), "hello"), "submit failures are absorbed")

	snap := coord.Snapshot()
	require.Len(t, snap.History, 2)
	assert.Equal(t, domain.RoleUser, snap.History[0].Role)
	assert.Equal(t, domain.RoleAssistant, snap.History[1].Role)
	assert.Contains(t, snap.History[1].Content, submitErrorMessage)
	assert.Equal(t, 1, fs.startCount(), "no stream opened after a failed submit")
	assert.Equal(t, 1, listener.eventCount())

	// The buyer may retry immediately.
	backend.On("SendWizardMessage", mock.Anything, "sess-1", "hello").
		Return(testSession(), nil).Once()
	require.NoError(t, coord.Send(context.Background(), "hello"))
	assert.Equal(t, 2, fs.startCount())
}

func TestCoordinator_StreamEventsUpdateSnapshot(t *testing.T) {
	coord, _, fs, _, listener := newTestCoordinator(t, testSession())

	fs.emit(domain.TokenEvent{Content: "Wel"})
	fs.emit(domain.TokenEvent{Content: "come"})
	assert.Equal(t, "Welcome", coord.Snapshot().StreamingText)

	fs.emit(domain.StepChangeEvent{Step: domain.StepOnboarding})
	fs.emit(domain.DoneEvent{FullResponse: "Welcome"})
	fs.emit(domain.SuggestionsEvent{Suggestions: []string{"Tech, 50 people"}})
	fs.finish()

	snap := coord.Snapshot()
	assert.Empty(t, snap.StreamingText)
	assert.Equal(t, domain.StepOnboarding, snap.Step)
	require.Len(t, snap.History, 1)
	assert.Equal(t, "Welcome", snap.History[0].Content)
	assert.Equal(t, []string{"Tech, 50 people"}, snap.Suggestions)
	assert.Equal(t, 5, listener.eventCount())
}

func TestCoordinator_NudgeAfterIdleThreshold(t *testing.T) {
	coord, backend, fs, clock, _ := newTestCoordinator(t, testSession())

	fs.emit(domain.DoneEvent{FullResponse: "any preferences?"})
	fs.finish()

	backend.On("NudgeWizardSession", mock.Anything, "sess-1").Return(nil).Once()
	clock.Advance(testIdleThreshold)

	assert.Eventually(t, func() bool { return fs.startCount() == 2 }, time.Second, 5*time.Millisecond)
	backend.AssertExpectations(t)
	_ = coord
}

func TestCoordinator_UserMessageCancelsPendingNudge(t *testing.T) {
	coord, backend, fs, clock, _ := newTestCoordinator(t, testSession())

	fs.emit(domain.DoneEvent{FullResponse: "any preferences?"})
	fs.finish()

	backend.On("SendWizardMessage", mock.Anything, "sess-1", "forestry").
		Return(testSession(), nil).Once()
	require.NoError(t, coord.Send(context.Background(), "forestry"))
	fs.finish()

	clock.Advance(testIdleThreshold * 2)
	time.Sleep(20 * time.Millisecond)

	backend.AssertNotCalled(t, "NudgeWizardSession", mock.Anything, mock.Anything)
}

func TestCoordinator_NoNudgeAfterTerminalOutcome(t *testing.T) {
	_, backend, fs, clock, _ := newTestCoordinator(t, testSession())

	fs.emit(domain.DoneEvent{FullResponse: "order is ready"})
	fs.emit(domain.CheckoutReadyEvent{OrderID: "ord-1", TotalEUR: 10})
	fs.finish()

	clock.Advance(testIdleThreshold * 2)
	time.Sleep(20 * time.Millisecond)

	backend.AssertNotCalled(t, "NudgeWizardSession", mock.Anything, mock.Anything)
}

func TestCoordinator_FailedNudgeIsSilent(t *testing.T) {
	coord, backend, fs, clock, listener := newTestCoordinator(t, testSession())

	fs.emit(domain.DoneEvent{FullResponse: "still there?"})
	fs.finish()

	nudged := make(chan struct{})
	backend.On("NudgeWizardSession", mock.Anything, "sess-1").
		Run(func(mock.Arguments) { close(nudged) }).
		Return(errors.New("500")).Once()
	clock.Advance(testIdleThreshold)

	select {
	case <-nudged:
	case <-time.After(time.Second):
		t.Fatal("nudge was never issued")
	}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, fs.startCount(), "no stream after a failed nudge")
	assert.Equal(t, 1, listener.eventCount(), "only the done event reached the listener")
	assert.False(t, coord.Expired())
}

func TestCoordinator_ExpiryIsTerminalForInput(t *testing.T) {
	coord, _, fs, _, listener := newTestCoordinator(t, testSession())

	fs.expire()

	assert.True(t, coord.Expired())
	assert.Equal(t, 1, listener.expiredCount())
	assert.True(t, coord.Snapshot().Expired)
	assert.ErrorIs(t, coord.Send(context.Background(), "hello"), domain.ErrSessionExpired)
}

func TestCoordinator_StaleStreamEventsAreDropped(t *testing.T) {
	coord, backend, fs, _, _ := newTestCoordinator(t, testSession())

	// Capture the bootstrap stream's handlers, then supersede them.
	stale := fs.handlers
	fs.finish()

	backend.On("SendWizardMessage", mock.Anything, "sess-1", "hello").
		Return(testSession(), nil).Once()
	require.NoError(t, coord.Send(context.Background(), "hello"))

	stale.OnToken(domain.TokenEvent{Content: "ghost"})
	assert.Empty(t, coord.Snapshot().StreamingText, "events from a superseded stream are ignored")

	fs.emit(domain.TokenEvent{Content: "live"})
	assert.Equal(t, "live", coord.Snapshot().StreamingText)
}

func TestCoordinator_WaitlistAcknowledgement(t *testing.T) {
	coord, _, fs, _, _ := newTestCoordinator(t, testSession())

	fs.emit(domain.AutobuyWaitlistEvent{OptedIn: true})
	fs.finish()

	snap := coord.Snapshot()
	assert.Equal(t, domain.OutcomeWaitlist, snap.Outcome)
	assert.True(t, snap.WaitlistOptedIn)
	assert.False(t, snap.Completed)

	coord.AcknowledgeWaitlist()
	assert.True(t, coord.Snapshot().Completed)
}

type fakePayer struct {
	secret string
	err    error
}

func (p *fakePayer) ConfirmPayment(ctx context.Context, clientSecret string) error {
	p.secret = clientSecret
	return p.err
}

func TestCoordinator_CompleteCheckout(t *testing.T) {
	coord, _, fs, _, _ := newTestCoordinator(t, testSession())

	t.Run("without a ready checkout", func(t *testing.T) {
		_, err := coord.CompleteCheckout(context.Background(), &fakePayer{})
		assert.Error(t, err)
	})

	fs.emit(domain.CheckoutReadyEvent{
		OrderID:            "ord-1",
		TotalEUR:           1350,
		ProjectName:        "Rimba Raya",
		StripeClientSecret: "pi_secret",
	})
	fs.finish()

	t.Run("payment failure", func(t *testing.T) {
		_, err := coord.CompleteCheckout(context.Background(), &fakePayer{err: errors.New("card declined")})
		assert.Error(t, err)
	})

	t.Run("success", func(t *testing.T) {
		payer := &fakePayer{}
		cert, err := coord.CompleteCheckout(context.Background(), payer)
		require.NoError(t, err)
		assert.Equal(t, "pi_secret", payer.secret)
		assert.True(t, strings.HasPrefix(cert, "CB-RET-"))
	})
}
