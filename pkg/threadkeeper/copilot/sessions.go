package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/channels"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/keylock"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/store"
)

// SessionFinder is implemented by transports that can look up an existing
// session by name, e.g. after a restart.
type SessionFinder interface {
	FindSession(ctx context.Context, channelID, name string) (sessionID string, found bool, err error)
}

// SessionResolver decides where an exchange is delivered. Utterances
// already inside a session stay there. With auto-session enabled, top-level
// utterances get a per-author session created at most once per name.
type SessionResolver struct {
	transport  channels.Transport
	locks      *keylock.Manager
	autoThread bool
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]string // channelID|name -> sessionID
}

// NewSessionResolver creates a resolver. locks may be shared.
func NewSessionResolver(transport channels.Transport, locks *keylock.Manager, autoThread bool, logger *slog.Logger) *SessionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = keylock.New(logger)
	}
	return &SessionResolver{
		transport:  transport,
		locks:      locks,
		autoThread: autoThread,
		logger:     logger.With("component", "sessions"),
		sessions:   make(map[string]string),
	}
}

// Resolve returns the delivery target and conversation key for u. Failing
// to open a session degrades to the channel itself.
func (r *SessionResolver) Resolve(ctx context.Context, u Utterance) (channels.DeliveryTarget, store.Key) {
	key := u.Key
	if key.Thread != "" {
		return channels.SessionTarget(key.Channel, key.Thread), key
	}

	opener, ok := r.transport.(channels.SessionOpener)
	if !r.autoThread || !ok {
		return channels.ChannelTarget(key.Channel), key
	}

	name := SessionName(u.AuthorName, u.AuthorID)
	sessionID, err := r.findOrOpen(ctx, opener, key.Channel, name, u.OriginID)
	if err != nil {
		r.logger.Warn("opening session failed, replying in channel",
			"channel", key.Channel, "name", name, "error", err)
		return channels.ChannelTarget(key.Channel), key
	}
	key.Thread = sessionID
	return channels.SessionTarget(key.Channel, sessionID), key
}

// findOrOpen runs under a keylock on channelID|name so concurrent
// utterances share one created session.
func (r *SessionResolver) findOrOpen(ctx context.Context, opener channels.SessionOpener, channelID, name, fromMessageID string) (string, error) {
	lockKey := channelID + "|" + name
	id, leader, err := keylock.Do(ctx, r.locks, lockKey, func() (string, error) {
		r.mu.Lock()
		id, ok := r.sessions[lockKey]
		r.mu.Unlock()
		if ok {
			return id, nil
		}

		if finder, ok := r.transport.(SessionFinder); ok {
			id, found, err := finder.FindSession(ctx, channelID, name)
			if err != nil {
				r.logger.Debug("session lookup failed", "channel", channelID, "name", name, "error", err)
			} else if found {
				r.remember(lockKey, id)
				return id, nil
			}
		}

		id, err := opener.OpenSession(ctx, channelID, name, fromMessageID)
		if err != nil {
			return "", fmt.Errorf("open session %q: %w", name, err)
		}
		r.remember(lockKey, id)
		r.logger.Info("session opened", "channel", channelID, "name", name, "session", id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	if !leader {
		r.logger.Debug("joined in-flight session creation", "channel", channelID, "name", name)
	}
	return id, nil
}

func (r *SessionResolver) remember(lockKey, id string) {
	r.mu.Lock()
	r.sessions[lockKey] = id
	r.mu.Unlock()
}

// Forget drops a remembered session, e.g. after it was archived.
func (r *SessionResolver) Forget(channelID, name string) {
	r.mu.Lock()
	delete(r.sessions, channelID+"|"+name)
	r.mu.Unlock()
}

// SessionName is the per-author session name.
func SessionName(authorName, authorID string) string {
	n := strings.TrimSpace(authorName)
	if n == "" {
		n = authorID
	}
	return truncateRunes("chat with "+n, 90)
}
