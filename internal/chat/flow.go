// Package chat implements the assistant conversation and the trade
// confirmation state machine.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tradepilot/companion/internal/clock"
	"github.com/tradepilot/companion/internal/ingest"
	"github.com/tradepilot/companion/internal/metrics"
	"github.com/tradepilot/companion/internal/store"
)

// ConfirmationPrompt marks an assistant turn that proposes a trade.
const ConfirmationPrompt = "Would you like to execute this trade?"

// Assistant turns appended by the flow itself.
const (
	ExecutedMessage     = "Trade executed successfully."
	ExecuteFailedPrefix = "Failed to execute trade: "
	ChatFailedPrefix    = "Failed to get AI response: "
	affirmativeAnswer   = "yes"
	transactionIDPrefix = "tx_"
)

// State is the confirmation flow state.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExecuting            State = "executing"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

// Backend is the assistant and trade execution service.
type Backend interface {
	SendChat(ctx context.Context, subject store.Subject, text string) (ingest.ChatReply, error)
	ExecuteTrade(ctx context.Context, subject store.Subject, request string) error
}

// Refresher reloads positions after a completed trade.
type Refresher interface {
	Refresh(ctx context.Context, subject store.Subject) error
}

// Outcome is the result of handling one input.
type Outcome struct {
	// Reply is the assistant turn appended for this input, if any
	Reply string

	// Transaction is set when the input confirmed a trade
	Transaction *store.Transaction

	State State
}

// Option configures a Flow.
type Option func(*Flow)

// WithHistory records transactions into h.
func WithHistory(h *History) Option {
	return func(f *Flow) { f.history = h }
}

// WithRefresher refreshes positions through r after a completed trade.
func WithRefresher(r Refresher) Option {
	return func(f *Flow) { f.refresher = r }
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(gen func() string) Option {
	return func(f *Flow) { f.newID = gen }
}

// WithClock overrides the clock used for transaction timestamps.
func WithClock(c clock.Clock) Option {
	return func(f *Flow) { f.clock = c }
}

// WithTracker records transaction metrics.
func WithTracker(t *metrics.Tracker) Option {
	return func(f *Flow) { f.tracker = t }
}

// Flow is the conversation for one subject. Inputs are handled one at a
// time; accessors never wait for a pending network call.
type Flow struct {
	subject   store.Subject
	backend   Backend
	history   *History
	refresher Refresher
	newID     func() string
	clock     clock.Clock
	tracker   *metrics.Tracker

	// opMu serializes Handle
	opMu sync.Mutex

	mu         sync.RWMutex
	state      State
	turns      []store.ChatTurn
	pending    string
	hasPending bool

	obsMu     sync.RWMutex
	observers []func(store.Transaction)
}

// NewFlow creates an idle flow for subject.
func NewFlow(subject store.Subject, backend Backend, opts ...Option) *Flow {
	f := &Flow{
		subject: subject,
		backend: backend,
		state:   StateIdle,
		newID:   func() string { return transactionIDPrefix + uuid.NewString() },
		clock:   clock.Real{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.history == nil {
		f.history = NewHistory()
	}
	return f
}

// Subject returns the flow's subject.
func (f *Flow) Subject() store.Subject {
	return f.subject
}

// History returns the transaction history the flow records into.
func (f *Flow) History() *History {
	return f.history
}

// OnTransaction registers fn to observe every recorded transaction state.
// It is called synchronously from Handle.
func (f *Flow) OnTransaction(fn func(store.Transaction)) {
	f.obsMu.Lock()
	f.observers = append(f.observers, fn)
	f.obsMu.Unlock()
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Turns returns a copy of the conversation.
func (f *Flow) Turns() []store.ChatTurn {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]store.ChatTurn(nil), f.turns...)
}

// Pending returns the request awaiting confirmation.
func (f *Flow) Pending() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.pending, f.hasPending
}

// Restore replaces the conversation with turns and derives the state from
// them: a trailing confirmation prompt puts the flow in
// awaiting_confirmation, with the user turn before it as the pending request.
func (f *Flow) Restore(turns []store.ChatTurn) {
	f.opMu.Lock()
	defer f.opMu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.turns = append([]store.ChatTurn(nil), turns...)
	f.state = StateIdle
	f.pending, f.hasPending = "", false

	n := len(turns)
	if n == 0 {
		return
	}
	last := turns[n-1]
	if last.Role != store.RoleAssistant || !IsConfirmationPrompt(last.Content) {
		return
	}

	f.state = StateAwaitingConfirmation
	if n >= 2 && turns[n-2].Role == store.RoleUser {
		f.pending, f.hasPending = turns[n-2].Content, true
	}
}

// Handle processes one line of user input.
func (f *Flow) Handle(ctx context.Context, input string) (Outcome, error) {
	if strings.TrimSpace(input) == "" {
		return Outcome{State: f.State()}, fmt.Errorf("%w: empty message", store.ErrInvalidInput)
	}

	f.opMu.Lock()
	defer f.opMu.Unlock()

	f.mu.Lock()
	awaiting := f.state == StateAwaitingConfirmation
	request, hasRequest := f.pending, f.hasPending
	f.turns = append(f.turns, store.ChatTurn{Role: store.RoleUser, Content: input})
	f.pending, f.hasPending = "", false
	f.mu.Unlock()

	if awaiting && IsAffirmative(input) {
		if !hasRequest {
			f.setState(StateIdle)
			slog.Warn("trade_confirmation_orphaned", "subject", f.subject.Short())
			return Outcome{State: StateIdle}, store.ErrNoPendingRequest
		}
		return f.execute(ctx, request)
	}

	if awaiting {
		slog.Info("trade_confirmation_abandoned", "subject", f.subject.Short())
	}
	return f.chat(ctx, input)
}

// chat sends input to the assistant and inspects the reply for a trade
// proposal.
func (f *Flow) chat(ctx context.Context, input string) (Outcome, error) {
	f.setState(StateIdle)

	reply, err := f.backend.SendChat(ctx, f.subject, input)
	if err != nil {
		msg := ChatFailedPrefix + failureReason(err)
		f.appendTurn(store.RoleAssistant, msg)
		slog.Warn("chat_failed", "subject", f.subject.Short(), "error", err)
		return Outcome{Reply: msg, State: StateIdle}, fmt.Errorf("send chat: %w", err)
	}

	f.mu.Lock()
	f.turns = append(f.turns, store.ChatTurn{Role: store.RoleAssistant, Content: reply.Response})
	if reply.ConfirmationRequired || IsConfirmationPrompt(reply.Response) {
		f.state = StateAwaitingConfirmation
		f.pending, f.hasPending = input, true
	}
	state := f.state
	f.mu.Unlock()

	if state == StateAwaitingConfirmation {
		slog.Info("trade_confirmation_requested", "subject", f.subject.Short())
	}
	return Outcome{Reply: reply.Response, State: state}, nil
}

// execute runs a confirmed trade. It never retries.
func (f *Flow) execute(ctx context.Context, request string) (Outcome, error) {
	f.setState(StateExecuting)

	intent := ParseTradeIntent(request)
	now := f.clock.Now()
	tx := store.Transaction{
		ID:        f.newID(),
		Request:   request,
		Asset:     intent.Asset,
		Amount:    intent.Amount,
		State:     store.TxInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.record(tx)

	tx = f.advance(tx, store.TxInProgress, "")

	slog.Info("trade_executing", "subject", f.subject.Short(), "tx_id", tx.ID, "asset", tx.Asset, "amount", tx.Amount)

	if err := f.backend.ExecuteTrade(ctx, f.subject, request); err != nil {
		reason := failureReason(err)
		tx = f.advance(tx, store.TxFailed, reason)

		msg := ExecuteFailedPrefix + reason
		f.appendTurn(store.RoleAssistant, msg)
		f.setState(StateFailed)

		slog.Warn("trade_failed", "subject", f.subject.Short(), "tx_id", tx.ID, "error", err)
		return Outcome{Reply: msg, Transaction: &tx, State: StateFailed}, fmt.Errorf("execute trade: %w", err)
	}

	tx = f.advance(tx, store.TxCompleted, "")

	if f.refresher != nil {
		if err := f.refresher.Refresh(ctx, f.subject); err != nil {
			slog.Warn("position_refresh_failed", "subject", f.subject.Short(), "error", err)
		}
	}

	f.appendTurn(store.RoleAssistant, ExecutedMessage)
	f.setState(StateCompleted)

	slog.Info("trade_completed", "subject", f.subject.Short(), "tx_id", tx.ID)
	return Outcome{Reply: ExecutedMessage, Transaction: &tx, State: StateCompleted}, nil
}

func (f *Flow) advance(tx store.Transaction, state store.TxState, reason string) store.Transaction {
	tx.State = state
	tx.Reason = reason
	tx.UpdatedAt = f.clock.Now()
	f.record(tx)
	return tx
}

// record stores tx and notifies observers.
func (f *Flow) record(tx store.Transaction) {
	if err := f.history.Record(tx); err != nil {
		slog.Error("transaction_record_failed", "tx_id", tx.ID, "error", err)
		return
	}
	f.tracker.RecordTransaction(string(tx.State))

	f.obsMu.RLock()
	observers := make([]func(store.Transaction), len(f.observers))
	copy(observers, f.observers)
	f.obsMu.RUnlock()

	for _, fn := range observers {
		fn(tx)
	}
}

func (f *Flow) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Flow) appendTurn(role store.ChatRole, content string) {
	f.mu.Lock()
	f.turns = append(f.turns, store.ChatTurn{Role: role, Content: content})
	f.mu.Unlock()
}

// IsConfirmationPrompt reports whether an assistant reply asks to confirm a
// trade.
func IsConfirmationPrompt(text string) bool {
	return strings.Contains(text, ConfirmationPrompt)
}

// IsAffirmative reports whether input confirms a pending trade. Only "yes"
// in any letter case counts; surrounding whitespace is not trimmed.
func IsAffirmative(input string) bool {
	return strings.EqualFold(input, affirmativeAnswer)
}

// failureReason is the text shown to the user for err.
func failureReason(err error) string {
	var rej *store.RemoteRejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return err.Error()
}
