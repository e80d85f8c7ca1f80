package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jellevlieshout/carbonbridge/internal/api"
	"github.com/jellevlieshout/carbonbridge/internal/config"
	"github.com/jellevlieshout/carbonbridge/internal/domain"
	"github.com/jellevlieshout/carbonbridge/internal/stream"
	"github.com/jellevlieshout/carbonbridge/internal/wizard"
)

// cliListener renders stream events to the terminal as they arrive and
// signals the REPL when an assistant turn is finished.
type cliListener struct {
	turnDone chan struct{}
}

func (l *cliListener) OnEvent(ev domain.StreamEvent) {
	switch e := ev.(type) {
	case domain.TokenEvent:
		fmt.Print(e.Content)
	case domain.DoneEvent:
		fmt.Println()
		l.signal()
	case domain.ErrorEvent:
		fmt.Printf("\n%s\n", e.Message)
		l.signal()
	case domain.BuyerHandoffEvent:
		fmt.Printf("\n%s\n", e.Message)
	}
}

func (l *cliListener) OnExpired() {
	fmt.Println("\nYour session has expired. Please log in again.")
	l.signal()
}

func (l *cliListener) signal() {
	select {
	case l.turnDone <- struct{}{}:
	default:
	}
}

// autoConfirmPayment stands in for the Stripe payment sheet
type autoConfirmPayment struct{}

func (autoConfirmPayment) ConfirmPayment(ctx context.Context, clientSecret string) error {
	fmt.Printf("Confirming payment (%s)...\n", clientSecret)
	return nil
}

func main() {
	envPaths := []string{".env", "../.env", "../../.env"}
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := api.NewRefreshingTokenSource(cfg.API.BaseURL, cfg.API.Timeout)
	if err := tokens.Login(ctx, cfg.API.Email, cfg.API.Password); err != nil {
		log.Fatal().Err(err).Msg("Login failed")
	}

	client := api.NewClient(cfg.API.BaseURL, tokens, cfg.API.Timeout)
	channel := stream.NewChannel(client, log.Logger)
	coord := wizard.NewCoordinator(client, channel, clockwork.NewRealClock(), cfg.Wizard.IdleNudgeThreshold, log.Logger)
	defer coord.Close()

	listener := &cliListener{turnDone: make(chan struct{}, 1)}
	coord.SetListener(listener)

	fmt.Println("CarbonBridge purchase wizard. Type a message, or 'quit' to exit.")

	if err := coord.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start wizard session")
	}

	snap := coord.Snapshot()
	if len(snap.History) > 0 {
		fmt.Println("Resuming your conversation:")
		for _, msg := range snap.History {
			prefix := "you"
			if msg.Role == domain.RoleAssistant {
				prefix = "wizard"
			}
			fmt.Printf("[%s] %s\n", prefix, msg.Content)
		}
	} else {
		waitForTurn(coord, listener)
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		snap = coord.Snapshot()
		if snap.Expired {
			return
		}
		if done := handleOutcome(ctx, coord, reader, snap); done {
			return
		}

		fmt.Printf("\n[step %d of %d]", snap.Milestone+1, domain.MilestoneCount)
		if len(snap.Suggestions) > 0 {
			fmt.Printf(" suggestions: %s", strings.Join(snap.Suggestions, " | "))
		}
		fmt.Print("\n> ")

		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "quit" || line == "exit" {
			return
		}

		switch err := coord.Send(ctx, line); err {
		case nil:
			waitForTurn(coord, listener)
		case domain.ErrEmptyMessage:
			continue
		case domain.ErrStreamBusy:
			fmt.Println("(still responding, one moment)")
		case domain.ErrSessionExpired:
			fmt.Println("Your session has expired. Please log in again.")
			return
		case domain.ErrSessionTerminal:
			// outcome handling below picks it up
		default:
			log.Error().Err(err).Msg("Failed to send message")
		}
	}
}

// waitForTurn blocks until the current assistant turn has fully streamed,
// including any trailing suggestion or outcome events.
func waitForTurn(coord *wizard.Coordinator, listener *cliListener) {
	select {
	case <-listener.turnDone:
	case <-time.After(2 * time.Minute):
		fmt.Println("\n(no response from the wizard, try again)")
		return
	}
	for coord.Snapshot().Streaming {
		time.Sleep(50 * time.Millisecond)
	}
}

// handleOutcome finishes the conversation once a terminal outcome arrived.
// Returns true when the wizard flow is over and the REPL should exit.
func handleOutcome(ctx context.Context, coord *wizard.Coordinator, reader *bufio.Reader, snap wizard.Snapshot) bool {
	switch snap.Outcome {
	case domain.OutcomeCheckout:
		co := snap.Checkout
		fmt.Printf("\nOrder ready: %s — €%.2f (order %s)\n", co.ProjectName, co.TotalEUR, co.OrderID)
		fmt.Print("Pay now? [y/N] ")
		answer, _ := reader.ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Println("Order left pending. Come back any time.")
			return true
		}
		cert, err := coord.CompleteCheckout(ctx, autoConfirmPayment{})
		if err != nil {
			fmt.Printf("Payment failed: %v\n", err)
			return true
		}
		fmt.Printf("Payment confirmed. Retirement certificate: %s\n", cert)
		return true

	case domain.OutcomeWaitlist:
		fmt.Print("\nYou're on the auto-buy waitlist. Press enter to confirm. ")
		reader.ReadString('\n')
		coord.AcknowledgeWaitlist()
		fmt.Println("Confirmed. We'll email you when auto-buy opens up.")
		return true

	case domain.OutcomeBuyerHandoff:
		fmt.Println("\nYour buying agent has taken over from here.")
		return true
	}
	return false
}
