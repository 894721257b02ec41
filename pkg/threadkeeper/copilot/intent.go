package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/approval"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/llm"
)

// Intent is the outcome of intent detection.
type Intent struct {
	NeedsAction bool
	Kind        approval.Kind
	Query       string
	Reason      string

	// Degraded is set when the heuristic fallback produced the decision.
	Degraded bool
}

var (
	classifyOptions = llm.Options{Temperature: 0, MaxTokens: 3}
	extractOptions  = llm.Options{Temperature: 0.2, MaxTokens: 80}
)

const classifyInstruction = "You decide whether a chat message needs a live web search " +
	"(current events, weather, prices, scores, anything time-sensitive) or an image to be generated. " +
	"Answer with exactly one word: YES or NO."

const extractInstruction = "Turn the chat message into one action. Reply with exactly one line, either\n" +
	"search: <a concise web search query>\n" +
	"or\n" +
	"generate: <a descriptive image prompt>"

// IntentDetector decides whether an utterance needs a side-effecting action.
type IntentDetector struct {
	completer llm.Completer
	metrics   *Metrics
	logger    *slog.Logger
}

// NewIntentDetector creates a detector. A nil completer always uses the
// heuristic.
func NewIntentDetector(completer llm.Completer, metrics *Metrics, logger *slog.Logger) *IntentDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentDetector{
		completer: completer,
		metrics:   metrics,
		logger:    logger.With("component", "intent"),
	}
}

// Detect classifies utterance. It never fails: when the completion service
// misbehaves the heuristic decides.
func (d *IntentDetector) Detect(ctx context.Context, utterance string) Intent {
	intent, err := d.detect(ctx, utterance)
	source := "model"
	if err != nil {
		d.logger.Warn("intent classification failed, using heuristics", "error", err)
		intent = DetectHeuristic(utterance)
		source = "heuristic"
	}
	kind := "none"
	if intent.NeedsAction {
		kind = string(intent.Kind)
	}
	d.metrics.IncIntent(kind, source)
	return intent
}

func (d *IntentDetector) detect(ctx context.Context, utterance string) (Intent, error) {
	if d.completer == nil {
		return Intent{}, fmt.Errorf("no completion service")
	}
	answer, err := d.completer.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: classifyInstruction},
		{Role: llm.RoleUser, Content: utterance},
	}, classifyOptions)
	if err != nil {
		return Intent{}, fmt.Errorf("classify: %w", err)
	}
	needs, err := parseYesNo(answer)
	if err != nil {
		return Intent{}, err
	}
	if !needs {
		return Intent{}, nil
	}

	line, err := d.completer.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: extractInstruction},
		{Role: llm.RoleUser, Content: utterance},
	}, extractOptions)
	if err != nil {
		return Intent{}, fmt.Errorf("extract: %w", err)
	}
	kind, query, ok := parseExtraction(line)
	if !ok {
		// Positive classification stands; the heuristic picks kind and query.
		h := DetectHeuristic(utterance)
		kind, query = h.Kind, h.Query
		if kind == "" {
			kind, query = approval.KindSearch, cleanQuery(utterance)
		}
	}
	return Intent{
		NeedsAction: true,
		Kind:        kind,
		Query:       query,
		Reason:      reasonFor(kind),
	}, nil
}

func parseYesNo(answer string) (bool, error) {
	a := strings.ToUpper(strings.TrimSpace(answer))
	a = strings.TrimLeft(a, "\"'*` ")
	switch {
	case strings.HasPrefix(a, "YES"):
		return true, nil
	case strings.HasPrefix(a, "NO"):
		return false, nil
	}
	return false, fmt.Errorf("unexpected classification %q", truncateRunes(answer, 40))
}

func parseExtraction(line string) (approval.Kind, string, bool) {
	for _, l := range strings.Split(line, "\n") {
		l = strings.Trim(strings.TrimSpace(l), "`*")
		head, rest, found := strings.Cut(l, ":")
		if !found {
			continue
		}
		rest = strings.Trim(strings.TrimSpace(rest), `"`)
		if rest == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(head)) {
		case "search":
			return approval.KindSearch, rest, true
		case "generate":
			return approval.KindGenerate, rest, true
		}
	}
	return "", "", false
}

func reasonFor(kind approval.Kind) string {
	if kind == approval.KindGenerate {
		return "the message asks for an image"
	}
	return "the message needs current information from the web"
}

var (
	generationPattern = regexp.MustCompile(`(?i)\b(draw|paint|sketch|illustrate|render)\b|\b(generate|create|make|design)\b.{0,40}\b(image|picture|pic|drawing|illustration|logo|artwork|wallpaper|poster)s?\b`)
	recencyPattern    = regexp.MustCompile(`(?i)\b(right now|currently|at the moment|today|tonight|tomorrow|yesterday|latest|newest|recent(ly)?|this (week|weekend|month|year)|breaking|live|up to date)\b`)
	lookupPattern     = regexp.MustCompile(`(?i)\b(weather|forecast|temperature in|news|headlines|price of|stock price|exchange rate|score|who won|results? of|search (for|the web)|look up|google|release date)\b`)
	questionPattern   = regexp.MustCompile(`(?i)\?\s*$|^\s*(what|who|when|where|which|how|is|are|did|does|do|will|can you tell)\b`)

	queryLeadPattern = regexp.MustCompile(`(?i)^\s*(hey|hi|ok|okay|please|can you|could you|would you|pls|bot)[,!\s]+`)
	searchLead       = regexp.MustCompile(`(?i)^\s*(search( the web)? for|look up|google|find( out)?)\s+`)
)

// DetectHeuristic approximates Detect with pattern families. It is pure.
func DetectHeuristic(utterance string) Intent {
	text := strings.TrimSpace(utterance)
	if text == "" {
		return Intent{Degraded: true}
	}
	if generationPattern.MatchString(text) {
		return Intent{
			NeedsAction: true,
			Kind:        approval.KindGenerate,
			Query:       cleanQuery(text),
			Reason:      reasonFor(approval.KindGenerate),
			Degraded:    true,
		}
	}
	lookup := lookupPattern.MatchString(text)
	recent := recencyPattern.MatchString(text) && questionPattern.MatchString(text)
	if lookup || recent {
		return Intent{
			NeedsAction: true,
			Kind:        approval.KindSearch,
			Query:       cleanQuery(text),
			Reason:      reasonFor(approval.KindSearch),
			Degraded:    true,
		}
	}
	return Intent{Degraded: true}
}

// cleanQuery strips conversational lead-ins and trailing punctuation.
func cleanQuery(text string) string {
	q := strings.TrimSpace(text)
	for {
		next := queryLeadPattern.ReplaceAllString(q, "")
		if next == q {
			break
		}
		q = next
	}
	q = searchLead.ReplaceAllString(q, "")
	q = strings.TrimRight(q, "?!. ")
	return strings.Join(strings.Fields(q), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
