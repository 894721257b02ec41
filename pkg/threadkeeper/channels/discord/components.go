package discord

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/channels"
)

// Custom id prefixes for approval buttons.
const (
	approvePrefix = "approve:"
	denyPrefix    = "deny:"
)

// claimResult is the outcome of a button press against the prompt registry.
type claimResult int

const (
	claimOK claimResult = iota
	claimGone
	claimForbidden
)

type livePrompt struct {
	controls channels.ApprovalControls
	postedAt time.Time
}

// promptRegistry tracks approval prompts with live buttons, keyed by
// request id. Both buttons of a prompt share one entry, so the first
// accepted press consumes the pair.
type promptRegistry struct {
	mu      sync.Mutex
	prompts map[string]livePrompt
	now     func() time.Time
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newPromptRegistry(logger *slog.Logger) *promptRegistry {
	r := &promptRegistry{
		prompts: make(map[string]livePrompt),
		now:     time.Now,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *promptRegistry) add(c channels.ApprovalControls) {
	r.mu.Lock()
	r.prompts[c.RequestID] = livePrompt{controls: c, postedAt: r.now()}
	r.mu.Unlock()
}

func (r *promptRegistry) remove(requestID string) {
	r.mu.Lock()
	delete(r.prompts, requestID)
	r.mu.Unlock()
}

// claim consumes the prompt for requestID on behalf of userID. A user
// outside AllowedUsers leaves the prompt live for someone else.
func (r *promptRegistry) claim(requestID, userID string) (channels.ApprovalControls, claimResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prompts[requestID]
	if !ok {
		return channels.ApprovalControls{}, claimGone
	}
	if r.expired(p) {
		delete(r.prompts, requestID)
		return channels.ApprovalControls{}, claimGone
	}
	if len(p.controls.AllowedUsers) > 0 && !slices.Contains(p.controls.AllowedUsers, userID) {
		return channels.ApprovalControls{}, claimForbidden
	}
	delete(r.prompts, requestID)
	return p.controls, claimOK
}

func (r *promptRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func (r *promptRegistry) expired(p livePrompt) bool {
	return p.controls.TTL > 0 && r.now().Sub(p.postedAt) > p.controls.TTL
}

func (r *promptRegistry) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *promptRegistry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, p := range r.prompts {
		if r.expired(p) {
			delete(r.prompts, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("dropped expired approval buttons", "count", n)
	}
}

func (r *promptRegistry) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// approvalRow renders the approve and deny buttons for requestID.
func approvalRow(requestID string) discordgo.MessageComponent {
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{CustomID: approvePrefix + requestID, Label: "Approve", Style: discordgo.SuccessButton},
			discordgo.Button{CustomID: denyPrefix + requestID, Label: "Deny", Style: discordgo.DangerButton},
		},
	}
}

// parseApprovalID extracts the request id and decision from a button id.
func parseApprovalID(customID string) (requestID string, approved bool, ok bool) {
	if id, found := strings.CutPrefix(customID, approvePrefix); found {
		return id, true, true
	}
	if id, found := strings.CutPrefix(customID, denyPrefix); found {
		return id, false, true
	}
	return "", false, false
}
