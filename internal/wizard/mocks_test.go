package wizard

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/jellevlieshout/carbonbridge/internal/domain"
	"github.com/jellevlieshout/carbonbridge/internal/stream"
)

// MockBackend mocks the API slice the coordinator consumes
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) CreateWizardSession(ctx context.Context) (*domain.WizardSession, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WizardSession), args.Error(1)
}

func (m *MockBackend) SendWizardMessage(ctx context.Context, sessionID, content string) (*domain.WizardSession, error) {
	args := m.Called(ctx, sessionID, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WizardSession), args.Error(1)
}

func (m *MockBackend) NudgeWizardSession(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

// fakeStream stands in for stream.Channel: it records Start calls and lets
// tests push events through the captured handlers.
type fakeStream struct {
	mu       sync.Mutex
	open     bool
	starts   int
	handlers stream.Handlers
	startErr error
}

func (f *fakeStream) Start(ctx context.Context, sessionID string, h stream.Handlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.handlers = h
	f.open = true
	return nil
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
}

func (f *fakeStream) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeStream) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// emit pushes one event through the handlers of the latest started stream
func (f *fakeStream) emit(ev domain.StreamEvent) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()

	switch e := ev.(type) {
	case domain.TokenEvent:
		h.OnToken(e)
	case domain.StepChangeEvent:
		h.OnStepChange(e)
	case domain.DoneEvent:
		h.OnDone(e)
	case domain.ErrorEvent:
		h.OnError(e)
	case domain.BuyerHandoffEvent:
		h.OnBuyerHandoff(e)
	case domain.AutobuyWaitlistEvent:
		h.OnAutobuyWaitlist(e)
	case domain.SuggestionsEvent:
		h.OnSuggestions(e)
	case domain.CheckoutReadyEvent:
		h.OnCheckoutReady(e)
	}
}

// expire signals credential expiry through the latest handlers
func (f *fakeStream) expire() {
	f.mu.Lock()
	h := f.handlers
	f.open = false
	f.mu.Unlock()
	h.OnExpired()
}

// finish marks the live stream as ended, as the channel does after [DONE]
func (f *fakeStream) finish() {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
}

// recordingListener captures listener callbacks for assertions
type recordingListener struct {
	mu      sync.Mutex
	events  []domain.StreamEvent
	expired int
}

func (l *recordingListener) OnEvent(ev domain.StreamEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *recordingListener) OnExpired() {
	l.mu.Lock()
	l.expired++
	l.mu.Unlock()
}

func (l *recordingListener) eventCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *recordingListener) expiredCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expired
}
