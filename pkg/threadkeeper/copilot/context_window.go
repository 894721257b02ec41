package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/llm"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/store"
)

// ErrRetryable marks failures the caller may retry, such as a persistence
// timeout. Nothing retries automatically.
var ErrRetryable = errors.New("retryable failure")

// ConversationStore is the durable side of the context window.
type ConversationStore interface {
	FetchTurns(ctx context.Context, key store.Key, limit int) ([]store.Turn, error)
	FetchTurnsBefore(ctx context.Context, key store.Key, beforeID int64, limit int) ([]store.Turn, error)
	CountTurns(ctx context.Context, key store.Key) (int, error)
	FetchTurnByOrigin(ctx context.Context, key store.Key, originID string) (store.Turn, error)
	FetchLatestSummary(ctx context.Context, key store.Key) (store.Summary, error)
	InsertSummary(ctx context.Context, key store.Key, sum store.Summary) error
	BeginTx(ctx context.Context) (store.Tx, error)
}

const summaryInstruction = "Summarize the conversation below for your own later reference. " +
	"Keep names, decisions and open questions. Fold in the previous summary if one is given. " +
	"Reply with the summary only, in at most two short paragraphs."

// ContextWindow assembles bounded context for a conversation and records
// finished exchanges.
type ContextWindow struct {
	store          ConversationStore
	completer      llm.Completer
	cfg            ContextConfig
	persistTimeout time.Duration
	metrics        *Metrics
	logger         *slog.Logger

	mu        sync.Mutex
	summaries map[string]store.Summary
}

// NewContextWindow creates a context window manager. persistTimeout bounds
// RecordExchange; zero means 30s.
func NewContextWindow(st ConversationStore, completer llm.Completer, cfg ContextConfig, persistTimeout time.Duration, metrics *Metrics, logger *slog.Logger) *ContextWindow {
	if logger == nil {
		logger = slog.Default()
	}
	if persistTimeout <= 0 {
		persistTimeout = 30 * time.Second
	}
	return &ContextWindow{
		store:          st,
		completer:      completer,
		cfg:            cfg.Effective(),
		persistTimeout: persistTimeout,
		metrics:        metrics,
		logger:         logger.With("component", "context"),
		summaries:      make(map[string]store.Summary),
	}
}

// GetContext returns up to windowSize recent turns in chronological order.
// Once the conversation has reached the summary trigger the result starts
// with a synthetic system turn carrying the latest rolling summary.
// windowSize <= 0 uses the configured window.
func (w *ContextWindow) GetContext(ctx context.Context, key store.Key, windowSize int) ([]store.Turn, error) {
	if windowSize <= 0 {
		windowSize = w.cfg.WindowSize
	}
	recent, err := w.store.FetchTurns(ctx, key, windowSize)
	if err != nil {
		return nil, fmt.Errorf("fetching context: %w", err)
	}
	slices.Reverse(recent)

	count, err := w.store.CountTurns(ctx, key)
	if err != nil {
		w.logger.Warn("counting turns failed, skipping summary", "key", key, "error", err)
		count = len(recent)
	}

	var older []store.Turn
	out := make([]store.Turn, 0, len(recent)+1)
	if count >= w.cfg.SummaryTrigger {
		var sum *store.Summary
		sum, older = w.summary(ctx, key, count, recent)
		if sum != nil {
			out = append(out, store.Turn{
				Role:      store.RoleSystem,
				Content:   "Summary of the earlier conversation:\n" + sum.Text,
				CreatedAt: sum.CreatedAt,
			})
		}
	}

	inWindow := make(map[string]bool, len(recent))
	for _, t := range recent {
		if t.OriginID != "" {
			inWindow[t.OriginID] = true
		}
	}
	for _, t := range recent {
		if t.ReplyTo != "" && !inWindow[t.ReplyTo] {
			if prefix := w.replyPrefix(ctx, key, t.ReplyTo, older); prefix != "" {
				t.Content = prefix + t.Content
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// QuoteReply returns the reply prefix for a new message replying to
// replyTo, or "" when the target is already in window. quoted is the
// transport's copy of the target text and wins over a store lookup.
func (w *ContextWindow) QuoteReply(ctx context.Context, key store.Key, window []store.Turn, replyTo, quoted string) string {
	if replyTo == "" {
		return ""
	}
	for _, t := range window {
		if t.OriginID == replyTo {
			return ""
		}
	}
	if quoted != "" {
		return formatReplyPrefix(quoted, w.cfg.ReplyExcerptChars)
	}
	return w.replyPrefix(ctx, key, replyTo, nil)
}

func (w *ContextWindow) replyPrefix(ctx context.Context, key store.Key, originID string, known []store.Turn) string {
	for _, t := range known {
		if t.OriginID == originID {
			return formatReplyPrefix(t.Content, w.cfg.ReplyExcerptChars)
		}
	}
	t, err := w.store.FetchTurnByOrigin(ctx, key, originID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("reply lookup failed", "key", key, "origin", originID, "error", err)
		}
		return ""
	}
	return formatReplyPrefix(t.Content, w.cfg.ReplyExcerptChars)
}

func formatReplyPrefix(content string, limit int) string {
	excerpt := strings.Join(strings.Fields(content), " ")
	if r := []rune(excerpt); len(r) > limit {
		excerpt = string(r[:limit]) + "..."
	}
	return fmt.Sprintf("[replying to %q] ", excerpt)
}

// summary returns the summary to prefix, generating a new one when the
// latest does not cover the conversation up to the last trigger boundary.
// It also returns the older turns it fetched, for reply lookups.
func (w *ContextWindow) summary(ctx context.Context, key store.Key, count int, recent []store.Turn) (*store.Summary, []store.Turn) {
	prev, havePrev := w.latestSummary(ctx, key)
	if havePrev && prev.CoveredTurnCount > count-w.cfg.SummaryTrigger {
		return &prev, nil
	}

	var older []store.Turn
	if len(recent) > 0 {
		var err error
		older, err = w.store.FetchTurnsBefore(ctx, key, recent[0].ID, w.cfg.SummaryInputTurns)
		if err != nil {
			w.logger.Warn("fetching turns to summarize failed", "key", key, "error", err)
			return w.fallback(prev, havePrev), nil
		}
		slices.Reverse(older)
	}
	if len(older) == 0 {
		return w.fallback(prev, havePrev), nil
	}

	start := time.Now()
	text, err := w.generateSummary(ctx, prev.Text, older)
	w.metrics.ObserveStage("summarize", err, time.Since(start))
	if err != nil {
		w.metrics.IncSummary("error")
		w.logger.Warn("summarization failed, continuing without a new summary", "key", key, "error", err)
		return w.fallback(prev, havePrev), older
	}

	sum := store.Summary{Text: text, CoveredTurnCount: count, CreatedAt: time.Now()}
	if err := w.store.InsertSummary(ctx, key, sum); err != nil {
		w.metrics.IncSummary("error")
		w.logger.Warn("persisting summary failed", "key", key, "error", err)
	} else {
		w.metrics.IncSummary("ok")
	}
	w.mu.Lock()
	w.summaries[key.String()] = sum
	w.mu.Unlock()
	w.logger.Info("summary generated", "key", key, "covered_turns", count, "input_turns", len(older))
	return &sum, older
}

func (w *ContextWindow) fallback(prev store.Summary, ok bool) *store.Summary {
	if !ok {
		return nil
	}
	return &prev
}

func (w *ContextWindow) latestSummary(ctx context.Context, key store.Key) (store.Summary, bool) {
	w.mu.Lock()
	cached, ok := w.summaries[key.String()]
	w.mu.Unlock()

	stored, err := w.store.FetchLatestSummary(ctx, key)
	switch {
	case err == nil:
		if !ok || stored.CoveredTurnCount >= cached.CoveredTurnCount {
			w.mu.Lock()
			w.summaries[key.String()] = stored
			w.mu.Unlock()
			return stored, true
		}
	case !errors.Is(err, store.ErrNotFound):
		w.logger.Warn("summary lookup failed", "key", key, "error", err)
	}
	return cached, ok
}

func (w *ContextWindow) generateSummary(ctx context.Context, previous string, turns []store.Turn) (string, error) {
	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation:\n")
	for _, t := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}

	text, err := w.completer.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: summaryInstruction},
		{Role: llm.RoleUser, Content: sb.String()},
	}, llm.Deterministic)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty summary")
	}
	return text, nil
}

// RecordExchange appends the user and assistant turns in one transaction
// bounded by the persistence timeout. Any failure rolls back and wraps
// ErrRetryable.
func (w *ContextWindow) RecordExchange(ctx context.Context, key store.Key, user, assistant store.Turn) error {
	ctx, cancel := context.WithTimeout(ctx, w.persistTimeout)
	defer cancel()

	user.Role = store.RoleUser
	assistant.Role = store.RoleAssistant

	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	defer tx.Rollback()

	if err := tx.AppendTurn(ctx, key, user); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	if err := tx.AppendTurn(ctx, key, assistant); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	return nil
}
