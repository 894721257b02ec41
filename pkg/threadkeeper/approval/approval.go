// Package approval gates side-effecting actions behind a human decision.
//
// Each action moves REQUESTED -> APPROVED | DENIED | EXPIRED exactly once.
// At most one action may be REQUESTED per (channel, normalized query); the
// check-and-create runs under a keylock so near-simultaneous identical
// requests cannot both create one. Executed results are cached separately
// from the action for a bounded retention window.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/channels"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/keylock"
)

const (
	DefaultExpiry          = 5 * time.Minute
	DefaultResultRetention = time.Hour
	DefaultResultCacheSize = 1024

	// editTimeout bounds prompt edits made outside a caller's context.
	editTimeout = 30 * time.Second
)

var (
	// ErrAlreadyHandled is returned for decisions on actions that expired,
	// were already decided, or never existed.
	ErrAlreadyHandled = errors.New("action expired or already handled")

	// ErrUnknownKind is returned for actions the executor cannot run.
	ErrUnknownKind = errors.New("unknown action kind")

	errDuplicate = errors.New("duplicate pending action")
)

// Kind is the type of side-effecting action.
type Kind string

const (
	KindSearch   Kind = "search"
	KindGenerate Kind = "generate"
)

// Status is the lifecycle state of a PendingAction.
type Status int

const (
	StatusRequested Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "REQUESTED"
	case StatusApproved:
		return "APPROVED"
	case StatusDenied:
		return "DENIED"
	case StatusExpired:
		return "EXPIRED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s != StatusRequested }

// Executor runs approved actions.
type Executor interface {
	RunSearch(ctx context.Context, query string) (string, error)
	RunGeneration(ctx context.Context, prompt, kind, style string) (artifactRef string, err error)
}

// Config controls when approval is required and how long state lives.
type Config struct {
	// Required enables the approval gate. When false every action runs
	// immediately.
	Required bool `yaml:"required"`

	// ExemptChannels run actions without approval.
	ExemptChannels []string `yaml:"exempt_channels"`

	// Approvers restricts who may decide. Empty means anyone in the channel.
	Approvers []string `yaml:"approvers"`

	Expiry          time.Duration `yaml:"expiry"`
	ResultRetention time.Duration `yaml:"result_retention"`
	ResultCacheSize int           `yaml:"result_cache_size"`

	// SweepSchedule is the cron spec for purging stale results.
	SweepSchedule string `yaml:"sweep_schedule"`

	// GenerationStyle is passed to the executor for generate actions.
	GenerationStyle string `yaml:"generation_style"`
}

// DefaultConfig returns the approval defaults.
func DefaultConfig() Config {
	return Config{
		Required:        true,
		Expiry:          DefaultExpiry,
		ResultRetention: DefaultResultRetention,
		ResultCacheSize: DefaultResultCacheSize,
		SweepSchedule:   "@hourly",
		GenerationStyle: "vivid",
	}
}

// Effective fills zero values with defaults.
func (c Config) Effective() Config {
	def := DefaultConfig()
	if c.Expiry <= 0 {
		c.Expiry = def.Expiry
	}
	if c.ResultRetention <= 0 {
		c.ResultRetention = def.ResultRetention
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = def.ResultCacheSize
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = def.SweepSchedule
	}
	if c.GenerationStyle == "" {
		c.GenerationStyle = def.GenerationStyle
	}
	return c
}

// ActionRequest asks for an action to be run on behalf of a channel.
type ActionRequest struct {
	// ChannelKey scopes dedupe and exemption.
	ChannelKey string

	// Target is where the approval prompt is posted.
	Target channels.DeliveryTarget

	Kind   Kind
	Query  string
	Reason string

	RequesterID   string
	RequesterName string

	// Origin is caller state handed back on resolution.
	Origin any
}

// PendingAction is an action awaiting a decision.
type PendingAction struct {
	ID         string
	Kind       Kind
	Query      string
	Reason     string
	ChannelKey string
	Target     channels.DeliveryTarget

	RequesterID   string
	RequesterName string

	CreatedAt time.Time
	ExpiresAt time.Time
	Status    Status

	DecidedBy string
	DecidedAt time.Time

	// Prompt is the approval message, set once it has been posted.
	Prompt channels.MessageRef

	Origin any

	dedupeKey string
	timer     Timer
}

// OutcomeKind tells the caller what Request did.
type OutcomeKind int

const (
	// OutcomePending means a prompt was posted and a decision is awaited.
	OutcomePending OutcomeKind = iota
	// OutcomeDuplicate means an identical action is already awaiting approval.
	OutcomeDuplicate
	// OutcomeHandled means approval was not required and the action already ran.
	OutcomeHandled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePending:
		return "pending"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeHandled:
		return "handled"
	}
	return "unknown"
}

// RequestOutcome is the result of Request.
type RequestOutcome struct {
	Kind      OutcomeKind
	RequestID string        // set for OutcomePending
	Result    *ActionResult // set for OutcomeHandled
}

// Resolution describes a decided action.
type Resolution struct {
	Action PendingAction
	Result *ActionResult

	// Err is set when an approved action failed to execute.
	Err error
}

// Hooks are notified after state changes. Hooks run without the manager
// lock held. Every action that was pending reaches exactly one of them.
type Hooks struct {
	// OnResolved runs after an action is approved or denied.
	OnResolved func(ctx context.Context, res *Resolution)

	// OnExpired runs after an action expires.
	OnExpired func(pa PendingAction)

	// OnDropped runs for each live action discarded by Close.
	OnDropped func(pa PendingAction)
}

// Manager owns the live action map, the expiry timers and the result cache.
type Manager struct {
	cfg       Config
	transport channels.Transport
	executor  Executor
	locks     *keylock.Manager
	clock     Clock
	logger    *slog.Logger

	mu       sync.Mutex
	pending  map[string]*PendingAction
	byDedupe map[string]string
	hooks    Hooks
	closed   bool

	results *resultCache
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithHooks sets the state change hooks.
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// New creates a Manager. locks may be shared with other components; nil
// creates a private one.
func New(cfg Config, transport channels.Transport, executor Executor, locks *keylock.Manager, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if transport == nil || executor == nil {
		return nil, fmt.Errorf("approval: transport and executor are required")
	}
	if locks == nil {
		locks = keylock.New(logger)
	}
	cfg = cfg.Effective()
	results, err := newResultCache(cfg.ResultCacheSize, cfg.ResultRetention)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		transport: transport,
		executor:  executor,
		locks:     locks,
		clock:     SystemClock(),
		logger:    logger.With("component", "approval"),
		pending:   make(map[string]*PendingAction),
		byDedupe:  make(map[string]string),
		results:   results,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetHooks replaces the state change hooks.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// RequiresApproval reports whether actions on channelKey go through the gate.
func (m *Manager) RequiresApproval(channelKey string) bool {
	return m.cfg.Required && !slices.Contains(m.cfg.ExemptChannels, channelKey)
}

// Request creates an approval-gated action, or runs it immediately when the
// channel does not require approval.
func (m *Manager) Request(ctx context.Context, req ActionRequest) (RequestOutcome, error) {
	if req.Kind != KindSearch && req.Kind != KindGenerate {
		return RequestOutcome{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}

	if !m.RequiresApproval(req.ChannelKey) {
		pa := PendingAction{
			ID:         newRequestID(req.ChannelKey, m.clock.Now()),
			Kind:       req.Kind,
			Query:      req.Query,
			ChannelKey: req.ChannelKey,
		}
		result, err := m.execute(ctx, pa)
		if err != nil {
			return RequestOutcome{}, err
		}
		m.logger.Info("action ran without approval", "id", pa.ID, "kind", pa.Kind, "channel", req.ChannelKey)
		return RequestOutcome{Kind: OutcomeHandled, RequestID: pa.ID, Result: result}, nil
	}

	key := DedupeKey(req.ChannelKey, req.Query)
	pa, leader, err := keylock.Do(ctx, m.locks, key, func() (*PendingAction, error) {
		return m.create(ctx, key, req)
	})
	if !leader {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return RequestOutcome{}, ctxErr
		}
		m.logger.Debug("identical request in flight", "dedupe_key", key)
		return RequestOutcome{Kind: OutcomeDuplicate}, nil
	}
	if errors.Is(err, errDuplicate) {
		m.logger.Debug("identical request already pending", "dedupe_key", key)
		return RequestOutcome{Kind: OutcomeDuplicate}, nil
	}
	if err != nil {
		return RequestOutcome{}, err
	}
	return RequestOutcome{Kind: OutcomePending, RequestID: pa.ID}, nil
}

// create runs under the dedupe key lock.
func (m *Manager) create(ctx context.Context, key string, req ActionRequest) (*PendingAction, error) {
	now := m.clock.Now()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("approval: manager closed")
	}
	if _, exists := m.byDedupe[key]; exists {
		m.mu.Unlock()
		return nil, errDuplicate
	}
	pa := &PendingAction{
		ID:            newRequestID(req.ChannelKey, now),
		Kind:          req.Kind,
		Query:         req.Query,
		Reason:        req.Reason,
		ChannelKey:    req.ChannelKey,
		Target:        req.Target,
		RequesterID:   req.RequesterID,
		RequesterName: req.RequesterName,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.Expiry),
		Status:        StatusRequested,
		Origin:        req.Origin,
		dedupeKey:     key,
	}
	m.pending[pa.ID] = pa
	m.byDedupe[key] = pa.ID
	prompt := formatPrompt(pa)
	m.mu.Unlock()

	ref, err := m.transport.SendWithApprovalControls(ctx, req.Target, prompt, channels.ApprovalControls{
		RequestID:    pa.ID,
		TTL:          m.cfg.Expiry,
		AllowedUsers: m.cfg.Approvers,
		OnDecision:   m.HandleDecision,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.evictLocked(pa)
		return nil, fmt.Errorf("posting approval prompt: %w", err)
	}
	pa.Prompt = ref
	if pa.Status == StatusRequested {
		id := pa.ID
		pa.timer = m.clock.AfterFunc(m.cfg.Expiry, func() { m.expire(id) })
	}

	m.logger.Info("approval requested",
		"id", pa.ID,
		"kind", pa.Kind,
		"channel", pa.ChannelKey,
		"requester", pa.RequesterID,
	)
	snapshot := *pa
	return &snapshot, nil
}

// Approve moves a REQUESTED action to APPROVED, runs it and caches the
// result. Missing or terminal actions return ErrAlreadyHandled without
// touching the executor.
func (m *Manager) Approve(ctx context.Context, id, approver string) (*Resolution, error) {
	pa, ok := m.decide(id, approver, StatusApproved)
	if !ok {
		m.logger.Info("approve ignored: expired or already handled", "id", id, "approver", approver)
		return nil, ErrAlreadyHandled
	}
	m.logger.Info("approval granted", "id", id, "approver", approver)

	res := &Resolution{Action: pa}
	result, err := m.execute(ctx, pa)
	m.editPrompt(ctx, pa, formatApproved(&pa, err != nil))
	res.Result, res.Err = result, err
	m.notifyResolved(ctx, res)
	if err != nil {
		return res, err
	}
	return res, nil
}

// Deny moves a REQUESTED action to DENIED. It reports whether a pending
// action existed.
func (m *Manager) Deny(ctx context.Context, id, denier string) (bool, error) {
	pa, ok := m.decide(id, denier, StatusDenied)
	if !ok {
		m.logger.Info("deny ignored: expired or already handled", "id", id, "denier", denier)
		return false, nil
	}
	m.logger.Info("approval denied", "id", id, "denier", denier)
	m.editPrompt(ctx, pa, formatDenied(&pa))
	m.notifyResolved(ctx, &Resolution{Action: pa})
	return true, nil
}

func (m *Manager) notifyResolved(ctx context.Context, res *Resolution) {
	m.mu.Lock()
	hook := m.hooks.OnResolved
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, res)
	}
}

// HandleDecision applies a decision reported by the transport. Late
// decisions are expected and only logged.
func (m *Manager) HandleDecision(ctx context.Context, d channels.ApprovalDecision) {
	who := d.Username
	if who == "" {
		who = d.UserID
	}
	if !d.Approved {
		_, _ = m.Deny(ctx, d.RequestID, who)
		return
	}
	if _, err := m.Approve(ctx, d.RequestID, who); err != nil && !errors.Is(err, ErrAlreadyHandled) {
		m.logger.Warn("approved action failed", "id", d.RequestID, "error", err)
	}
}

// decide performs the single transition out of REQUESTED and evicts.
func (m *Manager) decide(id, who string, to Status) (PendingAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.pending[id]
	if !ok || pa.Status.Terminal() {
		return PendingAction{}, false
	}
	pa.Status = to
	pa.DecidedBy = who
	pa.DecidedAt = m.clock.Now()
	m.evictLocked(pa)
	return *pa, true
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	pa, ok := m.pending[id]
	if !ok || pa.Status.Terminal() || m.closed {
		m.mu.Unlock()
		return
	}
	pa.Status = StatusExpired
	pa.DecidedAt = m.clock.Now()
	m.evictLocked(pa)
	snapshot := *pa
	hook := m.hooks.OnExpired
	m.mu.Unlock()

	m.logger.Info("approval expired", "id", id, "channel", snapshot.ChannelKey)

	ctx, cancel := context.WithTimeout(context.Background(), editTimeout)
	defer cancel()
	m.editPrompt(ctx, snapshot, formatExpired(&snapshot, snapshot.DecidedAt))

	if hook != nil {
		hook(snapshot)
	}
}

func (m *Manager) evictLocked(pa *PendingAction) {
	if pa.timer != nil {
		pa.timer.Stop()
		pa.timer = nil
	}
	delete(m.pending, pa.ID)
	if m.byDedupe[pa.dedupeKey] == pa.ID {
		delete(m.byDedupe, pa.dedupeKey)
	}
}

func (m *Manager) editPrompt(ctx context.Context, pa PendingAction, content string) {
	if pa.Prompt.IsZero() {
		return
	}
	if err := m.transport.Edit(ctx, pa.Prompt, content); err != nil {
		m.logger.Warn("failed to edit approval prompt", "id", pa.ID, "error", err)
	}
}

func (m *Manager) execute(ctx context.Context, pa PendingAction) (*ActionResult, error) {
	result := ActionResult{RequestID: pa.ID, Kind: pa.Kind, Query: pa.Query}
	switch pa.Kind {
	case KindSearch:
		out, err := m.executor.RunSearch(ctx, pa.Query)
		if err != nil {
			return nil, fmt.Errorf("running search %s: %w", pa.ID, err)
		}
		result.Output = out
	case KindGenerate:
		ref, err := m.executor.RunGeneration(ctx, pa.Query, "image", m.cfg.GenerationStyle)
		if err != nil {
			return nil, fmt.Errorf("running generation %s: %w", pa.ID, err)
		}
		result.ArtifactRef = ref
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, pa.Kind)
	}
	now := m.clock.Now()
	result.ProducedAt = now
	m.results.put(result, now)
	return &result, nil
}

// Result returns a cached result younger than the retention window.
func (m *Manager) Result(id string) (*ActionResult, bool) {
	return m.results.get(id, m.clock.Now())
}

// Sweep purges results older than the retention window.
func (m *Manager) Sweep() int {
	n := m.results.sweep(m.clock.Now())
	if n > 0 {
		m.logger.Debug("swept action results", "removed", n, "remaining", m.results.len())
	}
	return n
}

// Pending returns a snapshot of a live action.
func (m *Manager) Pending(id string) (PendingAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.pending[id]
	if !ok {
		return PendingAction{}, false
	}
	return *pa, true
}

// PendingCount returns the number of actions awaiting a decision.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close stops every expiry timer. Live actions are dropped and reported
// to OnDropped. Close is idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	dropped := make([]PendingAction, 0, len(m.pending))
	for _, pa := range m.pending {
		if pa.timer != nil {
			pa.timer.Stop()
		}
		dropped = append(dropped, *pa)
	}
	clear(m.pending)
	clear(m.byDedupe)
	hook := m.hooks.OnDropped
	m.mu.Unlock()

	if len(dropped) > 0 {
		m.logger.Info("dropping live actions on close", "count", len(dropped))
	}
	if hook == nil {
		return
	}
	for _, pa := range dropped {
		hook(pa)
	}
}

func newRequestID(channelKey string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", channelKey, strconv.FormatInt(now.UnixNano(), 36), uuid.NewString()[:8])
}
