package approval

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// sanitizeForMarkdown prevents backtick injection in Discord markdown
// by inserting a zero-width space after each backtick.
func sanitizeForMarkdown(s string) string {
	return strings.ReplaceAll(s, "`", "`\u200b")
}

// NormalizeQuery lowercases q, drops punctuation and collapses whitespace.
func NormalizeQuery(q string) string {
	fields := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// DedupeKey is the key under which at most one action may be awaiting approval.
func DedupeKey(channelKey, query string) string {
	return channelKey + "|" + NormalizeQuery(query)
}

func formatPrompt(pa *PendingAction) string {
	var b strings.Builder
	b.WriteString("⚠️ **Approval required**\n")
	fmt.Fprintf(&b, "%s `%s`\n", verb(pa.Kind), sanitizeForMarkdown(pa.Query))
	if pa.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", sanitizeForMarkdown(pa.Reason))
	}
	if pa.RequesterName != "" {
		fmt.Fprintf(&b, "Requested by %s\n", sanitizeForMarkdown(pa.RequesterName))
	}
	fmt.Fprintf(&b, "Expires <t:%d:R>", pa.ExpiresAt.Unix())
	return b.String()
}

func formatApproved(pa *PendingAction, failed bool) string {
	status := "✅ Approved"
	if failed {
		status = "⚠️ Approved, but the action failed"
	}
	return fmt.Sprintf("%s by %s: %s `%s`", status, sanitizeForMarkdown(pa.DecidedBy), strings.ToLower(verb(pa.Kind)), sanitizeForMarkdown(pa.Query))
}

func formatDenied(pa *PendingAction) string {
	return fmt.Sprintf("❌ Denied by %s: %s `%s`", sanitizeForMarkdown(pa.DecidedBy), strings.ToLower(verb(pa.Kind)), sanitizeForMarkdown(pa.Query))
}

func formatExpired(pa *PendingAction, at time.Time) string {
	return fmt.Sprintf("⌛ Expired at %s without a decision: %s `%s`", at.UTC().Format("15:04 MST"), strings.ToLower(verb(pa.Kind)), sanitizeForMarkdown(pa.Query))
}

func verb(k Kind) string {
	if k == KindGenerate {
		return "Generate"
	}
	return "Search"
}
