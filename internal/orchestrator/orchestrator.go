// Package orchestrator drives one end-to-end generation: prompt validation,
// the cancellable upstream stream, ledger updates, throttled preview
// rendering and terminal-outcome classification. It is the error boundary
// for the whole feature; nothing it calls is allowed to escape to the HTTP
// layer unclassified.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inklet-app/diagramchat/backend/internal/generate"
	"github.com/inklet-app/diagramchat/backend/internal/model/chat"
	"github.com/inklet-app/diagramchat/backend/internal/render"
	"github.com/inklet-app/diagramchat/backend/internal/session"
	"github.com/inklet-app/diagramchat/backend/internal/store"
)

// MinPromptLen is the shortest prompt accepted. The upper bound is
// configuration.
const MinPromptLen = 3

// DefaultMaxPromptLen bounds the prompt when no limit is configured.
const DefaultMaxPromptLen = 1000

// repairPromptTemplate seeds a re-generation with the failing diagram and
// its error text.
const repairPromptTemplate = "Fix the error in this Mermaid diagram. The diagram is:\n\n```mermaid\n%s\n```\n\nThe exception/error is: %s\n\nPlease fix the Mermaid syntax and regenerate a valid diagram."

// State of the generation state machine. Exposed so the UI can poll it.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateAborted    State = "aborted"
)

// Kind classifies a non-success terminal outcome.
type Kind string

const (
	KindValidation Kind = "validation"
	KindQuota      Kind = "quota"
	KindNetwork    Kind = "network"
	KindParse      Kind = "parse"
	KindAbort      Kind = "abort"
)

// ErrGenerationInFlight rejects a generate call while another stream is
// still running for this session.
var ErrGenerationInFlight = errors.New("a generation is already in progress")

// ErrNothingToRepair rejects a repair call when no assistant message carries
// an error.
var ErrNothingToRepair = errors.New("no failed diagram to repair")

// ValidationError is a prompt-length rejection, raised before any network
// activity.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Outcome describes how one generation settled.
type Outcome struct {
	State   State
	Kind    Kind
	Message string
	Text    string
}

// GenerationClient is the upstream streaming call.
type GenerationClient interface {
	Stream(ctx context.Context, messages []chat.APIMessage, onFragment func(fragment string)) (generate.Result, error)
}

// Config tunes the orchestrator.
type Config struct {
	// MaxPromptLen is the longest accepted prompt, in characters.
	MaxPromptLen int
}

// Orchestrator coordinates the session ledger, the upstream client, the
// render throttle and the conversation store. At most one stream runs at a
// time; a new request while one is running is rejected, and the
// conversation-switching operations abort it first.
type Orchestrator struct {
	cfg      Config
	session  *session.Session
	client   GenerationClient
	throttle *render.Throttle
	renderer *render.Renderer
	store    *store.Service
	logger   *zap.Logger

	mu      sync.Mutex
	settled *sync.Cond
	state   State
	cancel  context.CancelFunc
	running bool
}

func New(cfg Config, sess *session.Session, client GenerationClient, throttle *render.Throttle, renderer *render.Renderer, st *store.Service, logger *zap.Logger) *Orchestrator {
	if cfg.MaxPromptLen <= 0 {
		cfg.MaxPromptLen = DefaultMaxPromptLen
	}
	o := &Orchestrator{
		cfg:      cfg,
		session:  sess,
		client:   client,
		throttle: throttle,
		renderer: renderer,
		store:    st,
		logger:   logger,
		state:    StateIdle,
	}
	o.settled = sync.NewCond(&o.mu)
	return o
}

// State returns the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Generate runs one prompt through the full state machine. onFragment, if
// non-nil, observes every fragment in arrival order (the HTTP layer relays
// them downstream). The returned error is non-nil only for pre-stream
// rejections; everything that happens after the stream starts is reported
// through the Outcome.
func (o *Orchestrator) Generate(ctx context.Context, prompt string, onFragment func(fragment string)) (Outcome, error) {
	prompt = strings.TrimSpace(prompt)
	if err := o.begin(prompt); err != nil {
		return Outcome{State: StateFailed, Kind: rejectionKind(err), Message: err.Error()}, err
	}

	o.session.SetDraft("")
	o.session.Append(chat.Message{Role: chat.RoleUser, Content: prompt})
	o.session.Append(chat.Message{Role: chat.RoleAssistant, Streaming: true})

	return o.run(ctx, o.session.ProjectForAPI(), false, chat.Message{}, onFragment), nil
}

// Repair re-invokes generation seeded with the last failed diagram and its
// error, resetting the errored assistant message in place instead of
// appending a duplicate turn.
func (o *Orchestrator) Repair(ctx context.Context, onFragment func(fragment string)) (Outcome, error) {
	var failed chat.Message
	found := o.session.UpdateLastByRole(chat.RoleAssistant, func(m *chat.Message) {
		failed = *m
	})
	if !found || failed.Error == "" {
		return Outcome{State: StateFailed, Kind: KindValidation, Message: ErrNothingToRepair.Error()}, ErrNothingToRepair
	}

	prompt := fmt.Sprintf(repairPromptTemplate, failed.Content, failed.Error)
	if err := o.beginUnvalidated(); err != nil {
		return Outcome{State: StateFailed, Kind: rejectionKind(err), Message: err.Error()}, err
	}

	messages := append(o.session.ProjectForAPI(), chat.APIMessage{Role: chat.RoleUser, Content: prompt})
	o.session.UpdateLastByRole(chat.RoleAssistant, func(m *chat.Message) {
		m.Content = ""
		m.Error = ""
		m.ErrorKind = ""
		m.Streaming = true
	})

	return o.run(ctx, messages, true, failed, onFragment), nil
}

// Abort cancels a running stream. A no-op when nothing is streaming.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// abortAndWait cancels a running stream and blocks until its outcome has
// settled. The conversation-switching operations use this instead of Abort
// so the cancelled generation finishes unwinding against the session it
// started on, never against its successor.
func (o *Orchestrator) abortAndWait() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	for o.running {
		o.settled.Wait()
	}
	o.mu.Unlock()
}

// begin validates the prompt and claims the single stream slot.
func (o *Orchestrator) begin(prompt string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrGenerationInFlight
	}
	o.state = StateValidating

	n := utf8.RuneCountInString(prompt)
	if n < MinPromptLen {
		o.state = StateIdle
		return &ValidationError{Reason: fmt.Sprintf("prompt is too short, minimum length is %d characters", MinPromptLen)}
	}
	if n > o.cfg.MaxPromptLen {
		o.state = StateIdle
		return &ValidationError{Reason: fmt.Sprintf("prompt is too long, maximum length is %d characters", o.cfg.MaxPromptLen)}
	}
	if limits := o.session.RateLimits(); limits != nil && limits.Remaining == 0 {
		o.state = StateIdle
		return generate.ErrQuotaExhausted
	}

	o.running = true
	return nil
}

// beginUnvalidated claims the stream slot for a repair call, whose prompt is
// machine-built and exempt from length bounds.
func (o *Orchestrator) beginUnvalidated() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrGenerationInFlight
	}
	if limits := o.session.RateLimits(); limits != nil && limits.Remaining == 0 {
		return generate.ErrQuotaExhausted
	}
	o.running = true
	return nil
}

func rejectionKind(err error) Kind {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		return KindValidation
	case errors.Is(err, generate.ErrQuotaExhausted):
		return KindQuota
	default:
		return KindValidation
	}
}

// run owns the Streaming and Finalizing states. repairing indicates the
// assistant message was reset in place; prior holds its previous fields so a
// quota rejection can put them back.
func (o *Orchestrator) run(ctx context.Context, messages []chat.APIMessage, repairing bool, prior chat.Message, onFragment func(fragment string)) Outcome {
	streamCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	o.state = StateStreaming
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.cancel = nil
		o.running = false
		o.settled.Broadcast()
		o.mu.Unlock()
	}()

	o.throttle.Reset()
	o.session.ClearLastValid()

	var accumulated string
	res, streamErr := o.client.Stream(streamCtx, messages, func(fragment string) {
		accumulated += fragment
		o.session.AppendDelta(chat.RoleAssistant, fragment)
		o.throttle.Offer(accumulated)
		if onFragment != nil {
			onFragment(fragment)
		}
	})

	o.setState(StateFinalizing)
	o.session.UpdateLastByRole(chat.RoleAssistant, func(m *chat.Message) {
		m.Streaming = false
	})

	// The quota notice fires on the transition to zero remaining, not on
	// every response that happens to report zero.
	exhausted := false
	if res.RateLimit != nil && res.RateLimitRemaining != nil {
		previous := o.session.SetRateLimits(*res.RateLimit, *res.RateLimitRemaining)
		exhausted = *res.RateLimitRemaining == 0 && (previous == nil || *previous != 0)
	}

	outcome := o.finalize(ctx, accumulated, res, streamErr, repairing, prior)

	// The notice goes in after finalize so the quota branch's placeholder
	// removal cannot swallow it.
	if exhausted {
		o.ensureRateLimitNotice()
	}
	o.setState(outcome.State)
	return outcome
}

func (o *Orchestrator) finalize(ctx context.Context, accumulated string, res generate.Result, streamErr error, repairing bool, prior chat.Message) Outcome {
	switch {
	case streamErr != nil && errors.Is(streamErr, context.Canceled):
		// Cancellation is not an error. Partial output stays on the
		// message; render it once, best effort.
		o.session.SetLastGenerated(accumulated)
		if accumulated != "" {
			o.throttle.Offer(accumulated)
			o.throttle.Flush()
		}
		o.store.SaveActive()
		return Outcome{State: StateAborted, Kind: KindAbort, Text: accumulated}

	case errors.Is(streamErr, generate.ErrQuotaExhausted):
		// Quota exhaustion never marks the assistant turn as failed. The
		// pending placeholder goes away and a system notice takes its place.
		if repairing {
			o.session.UpdateLastByRole(chat.RoleAssistant, func(m *chat.Message) {
				m.Content = prior.Content
				m.Error = prior.Error
				m.ErrorKind = prior.ErrorKind
			})
		} else {
			o.session.RemoveLast()
		}
		o.ensureRateLimitNotice()
		return Outcome{State: StateFailed, Kind: KindQuota, Message: generate.QuotaExhaustedMessage}

	case streamErr != nil:
		o.session.SetLastGenerated(accumulated)
		o.session.UpdateLastByRole(chat.RoleAssistant, func(m *chat.Message) {
			m.Error = streamErr.Error()
			m.ErrorKind = chat.ErrorKindNetwork
		})
		o.store.SaveActive()
		return Outcome{State: StateFailed, Kind: KindNetwork, Message: streamErr.Error(), Text: accumulated}

	default:
		o.session.SetLastGenerated(res.Text)
		o.throttle.Flush()

		// The throttle only renders plausible snapshots, so classification
		// needs an explicit final pass. The renderer caches parses by
		// definition, a snapshot the flush already rendered costs nothing
		// here.
		if renderErr := o.renderer.Render(ctx, res.Text); renderErr != nil {
			o.session.UpdateLastByRole(chat.RoleAssistant, func(m *chat.Message) {
				m.Error = renderErr.Error()
				m.ErrorKind = chat.ErrorKindParse
			})
			o.store.SaveActive()
			return Outcome{State: StateFailed, Kind: KindParse, Message: renderErr.Error(), Text: res.Text}
		}

		o.store.SaveActive()
		return Outcome{State: StateSucceeded, Text: res.Text}
	}
}

// ensureRateLimitNotice appends the quota system message at most once per
// conversation, however many times the zero-remaining condition is observed.
func (o *Orchestrator) ensureRateLimitNotice() {
	if o.session.HasSystemNotice(generate.QuotaExhaustedMessage) {
		return
	}
	o.session.Append(chat.Message{Role: chat.RoleSystem, Content: generate.QuotaExhaustedMessage})
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// RestoreConversation aborts any running stream, switches the session to a
// stored conversation and re-renders its diagram.
func (o *Orchestrator) RestoreConversation(ctx context.Context, id string) (chat.Conversation, bool) {
	o.abortAndWait()
	o.throttle.Reset()

	conv, ok := o.store.Restore(id)
	if !ok {
		return chat.Conversation{}, false
	}

	if limits := o.session.RateLimits(); limits != nil && limits.Remaining == 0 {
		o.ensureRateLimitNotice()
	}
	o.rerender(ctx)
	return conv, true
}

// NewConversation aborts any running stream, flushes the active conversation
// and starts a fresh one, returning its id.
func (o *Orchestrator) NewConversation() string {
	o.abortAndWait()
	o.throttle.Reset()

	id := o.store.CreateFresh()
	if limits := o.session.RateLimits(); limits != nil && limits.Remaining == 0 {
		o.ensureRateLimitNotice()
	}
	o.setState(StateIdle)
	return id
}

// DeleteConversation removes a stored conversation. Deleting the active one
// switches to the most recently updated survivor, or resets to an empty
// session when none remain.
func (o *Orchestrator) DeleteConversation(ctx context.Context, id string) []chat.Conversation {
	active := id == o.session.ID()
	if active {
		o.abortAndWait()
		o.throttle.Reset()
	}

	remaining := o.store.Delete(id)
	if !active {
		return remaining
	}

	// Empty the session before restoring a survivor, otherwise the restore
	// flush would write the just-deleted conversation back.
	o.session.Reset(uuid.NewString())
	if len(remaining) > 0 {
		if _, ok := o.store.Restore(remaining[0].ID); ok {
			o.rerender(ctx)
			return remaining
		}
	}
	o.setState(StateIdle)
	return remaining
}

// DeleteMessage truncates the ledger at an assistant message and re-renders
// whatever assistant content is now the latest.
func (o *Orchestrator) DeleteMessage(ctx context.Context, id string) bool {
	latest, deleted := o.session.DeleteMessage(id)
	if !deleted {
		return false
	}

	if latest != "" {
		if err := o.renderer.Render(ctx, latest); err != nil {
			o.logger.Debug("re-render after delete failed", zap.Error(err))
		}
	}
	o.store.SaveActive()
	return true
}

// InsertMessage renders one specific message's content, publishing it to the
// preview when it parses.
func (o *Orchestrator) InsertMessage(ctx context.Context, id string) error {
	var content string
	for _, msg := range o.session.Messages() {
		if msg.ID == id {
			content = msg.Content
			break
		}
	}
	if content == "" {
		return fmt.Errorf("message %s not found or empty", id)
	}
	return o.renderer.Render(ctx, content)
}

// ActiveConversationID returns the id of the conversation the session is on.
func (o *Orchestrator) ActiveConversationID() string {
	return o.session.ID()
}

// RawSource returns the full text of the latest generation, valid or not.
func (o *Orchestrator) RawSource() string {
	return o.session.LastGenerated()
}

// rerender repaints a restored conversation's diagram, preferring the last
// text known to render over the last generated text. Failures are logged
// and swallowed, a broken stored diagram must not break restore.
func (o *Orchestrator) rerender(ctx context.Context) {
	definition := o.session.LastValid()
	if definition == "" {
		definition = o.session.LastGenerated()
	}
	if definition == "" {
		return
	}
	if err := o.renderer.Render(ctx, definition); err != nil {
		o.logger.Debug("restore re-render failed", zap.Error(err))
	}
}
