package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/approval"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/channels"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/chunker"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/llm"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/store"
)

// User-visible fixed replies.
const (
	replyDuplicate = "That request is already waiting for approval."
	replyApology   = "Sorry, something went wrong while handling your message. (ref: %s)"
	replyNotSaved  = "Sorry, I couldn't save this exchange, so I may not remember it. (ref: %s)\nYour message was not saved: %q"
)

// Utterance is one inbound user message.
type Utterance struct {
	// Key is where the message was posted. Thread is set when it arrived
	// inside a session.
	Key store.Key

	Text       string
	AuthorID   string
	AuthorName string

	// OriginID is the transport message id.
	OriginID string

	// ReplyTo is the transport id of the message being replied to, and
	// QuotedContent its text when the transport provides it.
	ReplyTo       string
	QuotedContent string

	// Target is where replies go. It is set by Orchestrator.Resolve, which
	// also moves Key into the session it opened.
	Target channels.DeliveryTarget
}

func (u Utterance) resolved() bool { return u.Target.ChannelID != "" }

// UtteranceFromMessage converts a transport message.
func UtteranceFromMessage(msg *channels.IncomingMessage) Utterance {
	return Utterance{
		Key: store.Key{
			Surface: msg.Channel,
			Channel: msg.ChannelID,
			Thread:  msg.ThreadID,
		},
		Text:          msg.Content,
		AuthorID:      msg.From,
		AuthorName:    msg.FromName,
		OriginID:      msg.ID,
		ReplyTo:       msg.ReplyTo,
		QuotedContent: msg.QuotedContent,
	}
}

// exchange is an utterance bound to its delivery target. It rides along
// with a pending action as Origin. done releases the conversation and is
// safe to call more than once.
type exchange struct {
	u      Utterance
	key    store.Key
	target channels.DeliveryTarget
	done   func()
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Transport channels.Transport
	Completer llm.Completer
	Context   *ContextWindow
	Intents   *IntentDetector
	Approvals *approval.Manager
	Sessions  *SessionResolver
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Options tune the reply path.
type Options struct {
	SystemPrompt string
	Creative     llm.Options
	Chunker      ChunkerConfig
	WindowSize   int
	SendTyping   bool
}

// Orchestrator drives one exchange per utterance.
type Orchestrator struct {
	Deps
	opts   Options
	logger *slog.Logger
}

// NewOrchestrator wires the orchestrator and registers it for approval
// decisions.
func NewOrchestrator(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Transport == nil || deps.Completer == nil || deps.Context == nil || deps.Approvals == nil {
		return nil, fmt.Errorf("orchestrator: transport, completer, context and approvals are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Intents == nil {
		deps.Intents = NewIntentDetector(deps.Completer, deps.Metrics, logger)
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessionResolver(deps.Transport, nil, false, logger)
	}
	if opts.Chunker.MaxLength <= 0 {
		opts.Chunker.MaxLength = chunker.DefaultMaxLength
	}
	if opts.Creative == (llm.Options{}) {
		opts.Creative = llm.Creative
	}

	o := &Orchestrator{
		Deps:   deps,
		opts:   opts,
		logger: logger.With("component", "orchestrator"),
	}
	deps.Approvals.SetHooks(approval.Hooks{
		OnResolved: o.onResolved,
		OnExpired:  o.onExpired,
		OnDropped:  o.onDropped,
	})
	return o, nil
}

// HandleUtterance processes u end to end. Failures are reported to the
// channel as a single apology and logged; nothing is returned.
func (o *Orchestrator) HandleUtterance(ctx context.Context, u Utterance) {
	o.Handle(ctx, u, nil)
}

// Resolve binds u to its delivery target and final conversation key,
// opening a session when auto-session is on. Blank and already resolved
// utterances are returned unchanged.
func (o *Orchestrator) Resolve(ctx context.Context, u Utterance) Utterance {
	if u.resolved() || strings.TrimSpace(u.Text) == "" {
		return u
	}
	start := time.Now()
	u.Target, u.Key = o.Sessions.Resolve(ctx, u)
	o.Metrics.ObserveStage("resolve", nil, time.Since(start))
	return u
}

// Handle runs the exchange for u and calls done once it is complete. An
// exchange suspended for approval completes when the action is decided,
// expires or is dropped, so done may run on another goroutine after Handle
// returns. done may be nil.
func (o *Orchestrator) Handle(ctx context.Context, u Utterance, done func()) {
	if done == nil {
		done = func() {}
	}
	release := sync.OnceFunc(done)
	if strings.TrimSpace(u.Text) == "" {
		release()
		return
	}
	u = o.Resolve(ctx, u)
	ex := &exchange{u: u, key: u.Key, target: u.Target, done: release}

	o.typing(ctx, ex.target)

	t := time.Now()
	intent := o.Intents.Detect(ctx, u.Text)
	o.Metrics.ObserveStage("intent", nil, time.Since(t))

	if !intent.NeedsAction {
		o.finish(ex, o.respond(ctx, ex, nil))
		return
	}

	t = time.Now()
	outcome, err := o.Approvals.Request(ctx, approval.ActionRequest{
		ChannelKey:    ex.key.Channel,
		Target:        ex.target,
		Kind:          intent.Kind,
		Query:         intent.Query,
		Reason:        intent.Reason,
		RequesterID:   u.AuthorID,
		RequesterName: u.AuthorName,
		Origin:        ex,
	})
	o.Metrics.ObserveStage("approval_request", err, time.Since(t))
	if err != nil {
		o.Metrics.IncApproval("error")
		o.fail(ctx, ex, "approval request", err)
		o.finish(ex, "error")
		return
	}
	o.Metrics.IncApproval(outcome.Kind.String())

	switch outcome.Kind {
	case approval.OutcomePending:
		// The conversation stays held until a decision, expiry or drop.
		o.logger.Info("exchange suspended for approval", "key", ex.key, "request_id", outcome.RequestID)
		o.Metrics.IncUtterance("pending")
	case approval.OutcomeDuplicate:
		o.send(ctx, ex.target, replyDuplicate)
		o.finish(ex, "duplicate")
	case approval.OutcomeHandled:
		note := resultNote(intent.Kind, intent.Query, outcome.Result)
		o.finish(ex, o.respond(ctx, ex, &note))
	}
}

// onResolved resumes an exchange after a human decision.
func (o *Orchestrator) onResolved(ctx context.Context, res *approval.Resolution) {
	ex, ok := res.Action.Origin.(*exchange)
	if !ok {
		o.logger.Warn("resolved action without an exchange", "id", res.Action.ID)
		return
	}
	pa := res.Action
	o.Metrics.IncApproval(strings.ToLower(pa.Status.String()))

	var note llm.Message
	switch {
	case pa.Status == approval.StatusDenied:
		note = llm.Message{Role: llm.RoleSystem, Content: fmt.Sprintf(
			"The %s for %q was declined by %s. Answer without it and mention briefly that it was declined.",
			pa.Kind, pa.Query, pa.DecidedBy)}
	case res.Err != nil:
		o.logger.Warn("approved action failed", "id", pa.ID, "error", res.Err)
		note = llm.Message{Role: llm.RoleSystem, Content: fmt.Sprintf(
			"The approved %s for %q could not be completed. Tell the user it failed and answer as well as you can.",
			pa.Kind, pa.Query)}
	default:
		note = resultNote(pa.Kind, pa.Query, res.Result)
	}
	o.typing(ctx, ex.target)
	o.finish(ex, o.respond(ctx, ex, &note))
}

func (o *Orchestrator) onExpired(pa approval.PendingAction) {
	o.Metrics.IncApproval("expired")
	o.logger.Info("exchange dropped after approval expiry", "id", pa.ID, "channel", pa.ChannelKey)
	if ex, ok := pa.Origin.(*exchange); ok {
		ex.done()
	}
}

func (o *Orchestrator) onDropped(pa approval.PendingAction) {
	o.logger.Info("exchange abandoned on shutdown", "id", pa.ID, "channel", pa.ChannelKey)
	if ex, ok := pa.Origin.(*exchange); ok {
		ex.done()
	}
}

func resultNote(kind approval.Kind, query string, result *approval.ActionResult) llm.Message {
	text := ""
	if result != nil {
		text = result.Text()
	}
	if kind == approval.KindGenerate {
		return llm.Message{Role: llm.RoleSystem, Content: fmt.Sprintf(
			"An image was generated for %q: %s\nShare the link with the user.", query, text)}
	}
	return llm.Message{Role: llm.RoleSystem, Content: fmt.Sprintf(
		"Web search results for %q:\n%s\nUse them to answer and cite the sources you rely on.", query, text)}
}

// respond assembles context, completes, delivers and persists. It returns
// the outcome label for metrics.
func (o *Orchestrator) respond(ctx context.Context, ex *exchange, note *llm.Message) string {
	t := time.Now()
	window, err := o.Context.GetContext(ctx, ex.key, o.opts.WindowSize)
	o.Metrics.ObserveStage("context", err, time.Since(t))
	if err != nil {
		o.fail(ctx, ex, "context", err)
		return "error"
	}

	userText := o.Context.QuoteReply(ctx, ex.key, window, ex.u.ReplyTo, ex.u.QuotedContent) + ex.u.Text
	messages := buildMessages(o.opts.SystemPrompt, window, note, userText)

	t = time.Now()
	reply, err := o.Completer.Complete(ctx, messages, o.opts.Creative)
	o.Metrics.ObserveStage("completion", err, time.Since(t))
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		o.fail(ctx, ex, "completion", err)
		return "error"
	}

	t = time.Now()
	chunks := chunker.Split(strings.TrimSpace(reply), o.opts.Chunker.MaxLength, o.opts.Chunker.Prefix)
	var sendErr error
	for _, c := range chunks {
		if _, err := o.Transport.Send(ctx, ex.target, c); err != nil {
			sendErr = err
			break
		}
	}
	o.Metrics.ObserveStage("send", sendErr, time.Since(t))
	if sendErr != nil {
		// The transport is failing; an apology would go the same way.
		o.logger.Error("delivering reply failed", "key", ex.key, "target", ex.target, "error", sendErr)
		return "error"
	}

	t = time.Now()
	err = o.Context.RecordExchange(ctx, ex.key,
		store.Turn{Content: ex.u.Text, OriginID: ex.u.OriginID, AuthorID: ex.u.AuthorID, ReplyTo: ex.u.ReplyTo},
		store.Turn{Content: reply},
	)
	o.Metrics.ObserveStage("persist", err, time.Since(t))
	if err != nil {
		ref := correlationID()
		o.logger.Error("persisting exchange failed", "ref", ref, "key", ex.key, "retryable", errors.Is(err, ErrRetryable), "error", err)
		o.send(ctx, ex.target, fmt.Sprintf(replyNotSaved, ref, truncateRunes(ex.u.Text, 200)))
		return "not_saved"
	}
	return "ok"
}

func buildMessages(system string, window []store.Turn, note *llm.Message, userText string) []llm.Message {
	messages := make([]llm.Message, 0, len(window)+3)
	if system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	for _, t := range window {
		role := llm.RoleUser
		switch t.Role {
		case store.RoleAssistant:
			role = llm.RoleAssistant
		case store.RoleSystem:
			role = llm.RoleSystem
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Content})
	}
	if note != nil {
		messages = append(messages, *note)
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: userText})
}

// fail logs err under a fresh correlation id and sends one apology.
func (o *Orchestrator) fail(ctx context.Context, ex *exchange, stage string, err error) {
	ref := correlationID()
	o.logger.Error("exchange failed", "ref", ref, "stage", stage, "key", ex.key, "error", err)
	o.send(ctx, ex.target, fmt.Sprintf(replyApology, ref))
}

func (o *Orchestrator) send(ctx context.Context, target channels.DeliveryTarget, content string) {
	for _, c := range chunker.Split(content, o.opts.Chunker.MaxLength, o.opts.Chunker.Prefix) {
		if _, err := o.Transport.Send(ctx, target, c); err != nil {
			o.logger.Warn("send failed", "target", target, "error", err)
			return
		}
	}
}

func (o *Orchestrator) typing(ctx context.Context, target channels.DeliveryTarget) {
	if !o.opts.SendTyping {
		return
	}
	if p, ok := o.Transport.(channels.PresenceTransport); ok {
		if err := p.SendTyping(ctx, target); err != nil {
			o.logger.Debug("typing indicator failed", "target", target, "error", err)
		}
	}
}

// finish counts the outcome and releases the conversation.
func (o *Orchestrator) finish(ex *exchange, outcome string) {
	o.Metrics.IncUtterance(outcome)
	ex.done()
}

func correlationID() string {
	return uuid.NewString()[:8]
}
