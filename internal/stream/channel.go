// Package stream opens and decodes the wizard's one-directional event
// stream. One Channel manages at most one live stream at a time; starting
// a new stream disowns the previous one, and a disowned stream can no
// longer dispatch events.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/jellevlieshout/carbonbridge/internal/domain"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	// transportErrorMessage is surfaced inline in the conversation when the
	// stream breaks for a reason that is neither cancellation nor credential
	// expiry. The session stays usable; the buyer may simply send again.
	transportErrorMessage = "I lost the connection while replying. Please send your message again and I'll pick up where we left off."
)

// Opener provides the two operations the channel needs from its collaborators:
// opening the session-scoped stream and refreshing the ambient credential.
type Opener interface {
	OpenWizardStream(ctx context.Context, sessionID string) (io.ReadCloser, error)
	RefreshCredentials(ctx context.Context) error
}

// Handlers receives decoded events, one handler per event kind. Handlers
// are invoked synchronously in arrival order; nil handlers are skipped.
// OnExpired fires when the credential could not be recovered by a single
// refresh-and-retry cycle.
type Handlers struct {
	OnToken           func(domain.TokenEvent)
	OnStepChange      func(domain.StepChangeEvent)
	OnDone            func(domain.DoneEvent)
	OnError           func(domain.ErrorEvent)
	OnBuyerHandoff    func(domain.BuyerHandoffEvent)
	OnAutobuyWaitlist func(domain.AutobuyWaitlistEvent)
	OnSuggestions     func(domain.SuggestionsEvent)
	OnCheckoutReady   func(domain.CheckoutReadyEvent)
	OnExpired         func()
}

// Channel owns the lifecycle of the wizard event stream
type Channel struct {
	opener Opener
	logger zerolog.Logger

	mu     sync.Mutex
	gen    atomic.Uint64
	cancel context.CancelFunc
	open   bool
}

// NewChannel creates a channel that opens streams through opener
func NewChannel(opener Opener, logger zerolog.Logger) *Channel {
	return &Channel{opener: opener, logger: logger}
}

// Open reports whether a stream is currently live. Always false immediately
// after Stop returns or after the read loop ends for any reason.
func (c *Channel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Start opens a new stream for the session, disowning any stream already
// live on this channel. The read loop runs until the server closes the
// stream, a termination sentinel arrives, or Stop is called. Start returns
// once the stream is launched; open/decode failures are delivered through
// the handlers, not returned.
func (c *Channel) Start(ctx context.Context, sessionID string, h Handlers) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	c.mu.Lock()
	c.disownLocked()
	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.open = true
	gen := c.gen.Load()
	c.mu.Unlock()

	go c.run(streamCtx, sessionID, gen, h)
	return nil
}

// Stop cancels the live stream, if any. Never an error: events from the
// stopped stream are dropped, and the in-flight read is abandoned.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disownLocked()
}

// disownLocked invalidates the current stream generation and cancels its
// context. Callers must hold c.mu.
func (c *Channel) disownLocked() {
	c.gen.Add(1)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.open = false
}

func (c *Channel) run(ctx context.Context, sessionID string, gen uint64, h Handlers) {
	defer func() {
		c.mu.Lock()
		if c.gen.Load() == gen {
			c.open = false
		}
		c.mu.Unlock()
	}()

	body, err := c.openWithRetry(ctx, sessionID)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// caller-initiated cancellation, never surfaced
		case errors.Is(err, domain.ErrSessionExpired):
			c.logger.Warn().Str("session_id", sessionID).Msg("credential refresh failed, session expired")
			c.dispatch(gen, func() {
				if h.OnExpired != nil {
					h.OnExpired()
				}
			})
		default:
			c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to open wizard stream")
			c.dispatch(gen, func() {
				if h.OnError != nil {
					h.OnError(domain.ErrorEvent{Message: transportErrorMessage})
				}
			})
		}
		return
	}
	defer body.Close()

	c.readLoop(ctx, body, gen, h)
}

// openWithRetry opens the stream, refreshing the credential and retrying
// exactly once on an authorization failure. A refresh failure or a second
// authorization failure is unrecoverable session expiry.
func (c *Channel) openWithRetry(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	body, err := c.opener.OpenWizardStream(ctx, sessionID)
	if err == nil {
		return body, nil
	}
	if !errors.Is(err, domain.ErrUnauthorized) {
		return nil, err
	}

	c.logger.Debug().Str("session_id", sessionID).Msg("stream rejected credential, refreshing once")
	if rerr := c.opener.RefreshCredentials(ctx); rerr != nil {
		return nil, domain.ErrSessionExpired
	}

	body, err = c.opener.OpenWizardStream(ctx, sessionID)
	if errors.Is(err, domain.ErrUnauthorized) {
		return nil, domain.ErrSessionExpired
	}
	return body, err
}

// readLoop consumes the body incrementally, buffering partial lines across
// chunks and dispatching each decoded event in arrival order.
func (c *Channel) readLoop(ctx context.Context, body io.Reader, gen uint64, h Handlers) {
	var buf []byte
	chunk := make([]byte, 2048)

	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := string(bytes.TrimRight(buf[:idx], "\r"))
				buf = buf[idx+1:]
				if ended := c.handleLine(line, gen, h); ended {
					return
				}
			}
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("wizard stream read failed")
			c.dispatch(gen, func() {
				if h.OnError != nil {
					h.OnError(domain.ErrorEvent{Message: transportErrorMessage})
				}
			})
			return
		}
	}
}

// handleLine decodes one line. Lines without the data prefix (comments,
// event names, keepalives) are ignored; empty and malformed payloads are
// skipped; the termination sentinel ends the stream.
func (c *Channel) handleLine(line string, gen uint64, h Handlers) (ended bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return false
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "" {
		return false
	}
	if payload == doneSentinel {
		return true
	}

	ev, err := domain.DecodeStreamEvent([]byte(payload))
	if err != nil {
		c.logger.Debug().Err(err).Str("payload", payload).Msg("skipping malformed stream event")
		return false
	}
	if ev == nil {
		// unknown event kind, tolerated for protocol evolution
		return false
	}

	// A disowned stream stops reading entirely.
	return !c.dispatch(gen, func() { dispatchEvent(ev, h) })
}

// dispatch invokes fn unless this stream has been disowned. Returns
// whether fn ran.
func (c *Channel) dispatch(gen uint64, fn func()) bool {
	if c.gen.Load() != gen {
		return false
	}
	fn()
	return true
}

func dispatchEvent(ev domain.StreamEvent, h Handlers) {
	switch e := ev.(type) {
	case domain.TokenEvent:
		if h.OnToken != nil {
			h.OnToken(e)
		}
	case domain.StepChangeEvent:
		if h.OnStepChange != nil {
			h.OnStepChange(e)
		}
	case domain.DoneEvent:
		if h.OnDone != nil {
			h.OnDone(e)
		}
	case domain.ErrorEvent:
		if h.OnError != nil {
			h.OnError(e)
		}
	case domain.BuyerHandoffEvent:
		if h.OnBuyerHandoff != nil {
			h.OnBuyerHandoff(e)
		}
	case domain.AutobuyWaitlistEvent:
		if h.OnAutobuyWaitlist != nil {
			h.OnAutobuyWaitlist(e)
		}
	case domain.SuggestionsEvent:
		if h.OnSuggestions != nil {
			h.OnSuggestions(e)
		}
	case domain.CheckoutReadyEvent:
		if h.OnCheckoutReady != nil {
			h.OnCheckoutReady(e)
		}
	}
}
