// Package discord implements the Discord transport using discordgo.
//
// Features:
//   - Send and edit text messages
//   - Approve/deny buttons with TTL and approver allowlist
//   - Thread sessions (find or create by name)
//   - Typing indicators
//   - Guild and channel allowlists
//   - Automatic reconnection via discordgo's gateway
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/channels"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/chunker"
)

// messageLimit is Discord's hard per-message character limit.
const messageLimit = 2000

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Threads are matched by their parent channel. Empty means all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// RespondToThreads enables responding inside threads.
	RespondToThreads bool `yaml:"respond_to_threads"`

	// AutoThread opens a thread per author for conversations started in a channel.
	AutoThread bool `yaml:"auto_thread"`

	// SendTyping sends "typing..." indicators while processing.
	SendTyping bool `yaml:"send_typing"`

	// ThreadArchiveMinutes is the auto-archive duration for created threads.
	ThreadArchiveMinutes int `yaml:"thread_archive_minutes"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RespondToThreads:     true,
		SendTyping:           true,
		ThreadArchiveMinutes: 1440,
	}
}

// Discord implements channels.Channel, channels.SessionOpener and
// channels.PresenceTransport.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// messages is the channel for incoming messages forwarded to the dispatcher.
	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// prompts holds approval prompts whose buttons are still live.
	prompts *promptRegistry

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("component", "discord")
	return &Discord{
		cfg:      cfg,
		logger:   l,
		messages: make(chan *channels.IncomingMessage, 256),
		prompts:  newPromptRegistry(l),
		ctx:      context.Background(),
	}
}

// ---------- Channel Interface ----------

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onInteractionCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.session = session
	d.mu.Unlock()
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.prompts.stop()
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.logger.Warn("discord: close failed", "error", err)
		}
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

func (d *Discord) gateway() (*discordgo.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.session == nil {
		return nil, channels.ErrChannelDisconnected
	}
	return d.session, nil
}

// Send posts content to the target. Content is expected to be chunked by
// the caller; anything over Discord's limit is split again as a safeguard
// and the ref of the first message is returned.
func (d *Discord) Send(ctx context.Context, target channels.DeliveryTarget, content string) (channels.MessageRef, error) {
	s, err := d.gateway()
	if err != nil {
		return channels.MessageRef{}, err
	}
	to := target.Destination()

	var first channels.MessageRef
	for _, part := range chunker.Split(content, messageLimit, "") {
		msg, err := s.ChannelMessageSendComplex(to, &discordgo.MessageSend{Content: part}, discordgo.WithContext(ctx))
		if err != nil {
			d.errorCount.Add(1)
			return first, fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
		}
		if first.IsZero() {
			first = channels.MessageRef{DestinationID: to, MessageID: msg.ID}
		}
	}
	return first, nil
}

// Edit replaces the content of a previously sent message and strips any
// components it carried.
func (d *Discord) Edit(ctx context.Context, ref channels.MessageRef, content string) error {
	s, err := d.gateway()
	if err != nil {
		return err
	}
	empty := []discordgo.MessageComponent{}
	edit := discordgo.NewMessageEdit(ref.DestinationID, ref.MessageID).SetContent(truncate(content))
	edit.Components = &empty
	if _, err := s.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: edit %s: %w", ref.MessageID, err)
	}
	return nil
}

// SendWithApprovalControls posts content with approve and deny buttons.
// Activating either button consumes both and reports the decision through
// controls.OnDecision.
func (d *Discord) SendWithApprovalControls(ctx context.Context, target channels.DeliveryTarget, content string, controls channels.ApprovalControls) (channels.MessageRef, error) {
	s, err := d.gateway()
	if err != nil {
		return channels.MessageRef{}, err
	}
	if controls.RequestID == "" || controls.OnDecision == nil {
		return channels.MessageRef{}, fmt.Errorf("discord: approval controls need a request id and handler")
	}

	d.prompts.add(controls)

	to := target.Destination()
	msg, err := s.ChannelMessageSendComplex(to, &discordgo.MessageSend{
		Content:    truncate(content),
		Components: []discordgo.MessageComponent{approvalRow(controls.RequestID)},
	}, discordgo.WithContext(ctx))
	if err != nil {
		d.prompts.remove(controls.RequestID)
		d.errorCount.Add(1)
		return channels.MessageRef{}, fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return channels.MessageRef{DestinationID: to, MessageID: msg.ID}, nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// ---------- Sessions ----------

// FindSession returns the id of an active thread named name under channelID.
func (d *Discord) FindSession(ctx context.Context, channelID, name string) (string, bool, error) {
	s, err := d.gateway()
	if err != nil {
		return "", false, err
	}
	parent, err := d.channel(s, channelID)
	if err != nil {
		return "", false, err
	}
	if parent.GuildID == "" {
		return "", false, nil
	}
	guild, err := s.State.Guild(parent.GuildID)
	if err != nil {
		return "", false, nil
	}
	for _, th := range guild.Threads {
		if th.ParentID == channelID && th.Name == name {
			if th.ThreadMetadata != nil && th.ThreadMetadata.Archived {
				continue
			}
			return th.ID, true, nil
		}
	}
	return "", false, nil
}

// OpenSession creates a public thread under channelID. When fromMessageID is
// set the thread is attached to that message.
func (d *Discord) OpenSession(ctx context.Context, channelID, name, fromMessageID string) (string, error) {
	s, err := d.gateway()
	if err != nil {
		return "", err
	}
	start := &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: d.cfg.ThreadArchiveMinutes,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	}

	var th *discordgo.Channel
	if fromMessageID != "" {
		th, err = s.MessageThreadStartComplex(channelID, fromMessageID, start, discordgo.WithContext(ctx))
	} else {
		th, err = s.ThreadStartComplex(channelID, start, discordgo.WithContext(ctx))
	}
	if err != nil {
		return "", fmt.Errorf("discord: starting thread %q: %w", name, err)
	}
	d.logger.Info("discord: thread created", "channel", channelID, "thread", th.ID, "name", name)
	return th.ID, nil
}

// ---------- PresenceTransport Interface ----------

// SendTyping sends a typing indicator to the target.
func (d *Discord) SendTyping(ctx context.Context, target channels.DeliveryTarget) error {
	if !d.cfg.SendTyping {
		return nil
	}
	s, err := d.gateway()
	if err != nil {
		return nil
	}
	return s.ChannelTyping(target.Destination(), discordgo.WithContext(ctx))
}

// ---------- Event Handlers ----------

// onMessageCreate handles incoming Discord messages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}

	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !slices.Contains(d.cfg.AllowedGuilds, m.GuildID) {
		return
	}

	channelID, threadID := m.ChannelID, ""
	if m.GuildID != "" {
		ch, err := d.channel(s, m.ChannelID)
		if err != nil {
			d.logger.Warn("discord: channel lookup failed", "channel", m.ChannelID, "error", err)
		} else if ch.IsThread() {
			if !d.cfg.RespondToThreads {
				return
			}
			channelID, threadID = ch.ParentID, ch.ID
		}
	}

	if len(d.cfg.AllowedChannels) > 0 && !slices.Contains(d.cfg.AllowedChannels, channelID) {
		return
	}

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		SurfaceID: m.GuildID,
		ChannelID: channelID,
		ThreadID:  threadID,
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.ReferencedMessage != nil {
		incoming.ReplyTo = m.ReferencedMessage.ID
		incoming.QuotedContent = m.ReferencedMessage.Content
	} else if m.MessageReference != nil {
		incoming.ReplyTo = m.MessageReference.MessageID
	}

	d.lastMsg.Store(time.Now())
	d.errorCount.Store(0)

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// onInteractionCreate handles approval button presses.
func (d *Discord) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	customID := i.MessageComponentData().CustomID
	requestID, approved, ok := parseApprovalID(customID)
	if !ok {
		return
	}

	userID, username := interactionUser(i)
	if userID == "" {
		respondEphemeral(s, i, "Could not identify user.")
		return
	}

	// Two users clicking at once: only one claim succeeds.
	controls, res := d.prompts.claim(requestID, userID)
	switch res {
	case claimGone:
		respondEphemeral(s, i, "This request has expired or was already handled.")
		return
	case claimForbidden:
		respondEphemeral(s, i, "You are not allowed to decide on this request.")
		return
	}

	// Acknowledge immediately to satisfy Discord's 3s limit.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		d.logger.Warn("failed to ack interaction", "request_id", requestID, "error", err)
	}

	d.mu.RLock()
	base := d.ctx
	d.mu.RUnlock()

	go func() {
		ctx, cancel := context.WithTimeout(base, 2*time.Minute)
		defer cancel()

		controls.OnDecision(ctx, channels.ApprovalDecision{
			RequestID: requestID,
			Approved:  approved,
			UserID:    userID,
			Username:  username,
		})

		// The decision handler edits the prompt text; drop the buttons.
		empty := []discordgo.MessageComponent{}
		if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Components: &empty}); err != nil {
			d.logger.Debug("failed to clear approval buttons", "request_id", requestID, "error", err)
		}
	}()
}

func (d *Discord) channel(s *discordgo.Session, id string) (*discordgo.Channel, error) {
	if ch, err := s.State.Channel(id); err == nil {
		return ch, nil
	}
	return s.Channel(id)
}

func interactionUser(i *discordgo.InteractionCreate) (id, name string) {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID, i.Member.User.Username
	}
	if i.User != nil {
		return i.User.ID, i.User.Username
	}
	return "", ""
}

// respondEphemeral sends an ephemeral (visible only to the user) response.
func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// truncate clips content that would be rejected by Discord.
func truncate(content string) string {
	parts, _, _ := chunker.SplitParts(content, messageLimit-1, "")
	if len(parts) <= 1 {
		return content
	}
	return parts[0].Body + "…"
}

// Compile-time interface verification.
var (
	_ channels.Channel           = (*Discord)(nil)
	_ channels.SessionOpener     = (*Discord)(nil)
	_ channels.PresenceTransport = (*Discord)(nil)
)
