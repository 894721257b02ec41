package copilot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/approval"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/channels"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/database"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/llm"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/store"
)

// ---------- transport ----------

type sentMessage struct {
	target  channels.DeliveryTarget
	content string
}

type promptRecord struct {
	target   channels.DeliveryTarget
	content  string
	controls channels.ApprovalControls
	ref      channels.MessageRef
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMessage
	prompts  []promptRecord
	edits    map[string]string
	typing   int
	opened   []string
	openHold chan struct{}
	sendErr  error
	nextID   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{edits: make(map[string]string)}
}

func (f *fakeTransport) id() string {
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID)
}

func (f *fakeTransport) Send(_ context.Context, target channels.DeliveryTarget, content string) (channels.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return channels.MessageRef{}, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{target: target, content: content})
	return channels.MessageRef{DestinationID: target.Destination(), MessageID: f.id()}, nil
}

func (f *fakeTransport) Edit(_ context.Context, ref channels.MessageRef, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[ref.MessageID] = content
	return nil
}

func (f *fakeTransport) SendWithApprovalControls(_ context.Context, target channels.DeliveryTarget, content string, controls channels.ApprovalControls) (channels.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := channels.MessageRef{DestinationID: target.Destination(), MessageID: f.id()}
	f.prompts = append(f.prompts, promptRecord{target: target, content: content, controls: controls, ref: ref})
	return ref, nil
}

func (f *fakeTransport) SendTyping(context.Context, channels.DeliveryTarget) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeTransport) Prompts() []promptRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]promptRecord(nil), f.prompts...)
}

func (f *fakeTransport) Edited(ref channels.MessageRef) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edits[ref.MessageID]
}

// sessionTransport adds session support to fakeTransport.
type sessionTransport struct {
	*fakeTransport
}

func (s sessionTransport) OpenSession(_ context.Context, channelID, name, _ string) (string, error) {
	if s.openHold != nil {
		<-s.openHold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, channelID+"|"+name)
	return fmt.Sprintf("thread-%d", len(s.opened)), nil
}

// ---------- completion ----------

type scriptedCompleter struct {
	mu       sync.Mutex
	classify func(utterance string) (string, error)
	extract  func(utterance string) (string, error)
	summary  func(input string) (string, error)
	reply    func(messages []llm.Message) (string, error)
	calls    map[string]int
	lastOpts map[string]llm.Options
	replies  [][]llm.Message
}

func newScriptedCompleter() *scriptedCompleter {
	return &scriptedCompleter{
		classify: func(string) (string, error) { return "NO", nil },
		extract:  func(u string) (string, error) { return "search: " + u, nil },
		summary:  func(string) (string, error) { return "they talked about things", nil },
		reply:    func([]llm.Message) (string, error) { return "sure thing", nil },
		calls:    make(map[string]int),
		lastOpts: make(map[string]llm.Options),
	}
}

func (c *scriptedCompleter) Complete(_ context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	kind := "reply"
	if len(messages) > 0 {
		switch messages[0].Content {
		case classifyInstruction:
			kind = "classify"
		case extractInstruction:
			kind = "extract"
		case summaryInstruction:
			kind = "summary"
		}
	}
	c.mu.Lock()
	c.calls[kind]++
	c.lastOpts[kind] = opts
	if kind == "reply" {
		c.replies = append(c.replies, messages)
	}
	c.mu.Unlock()

	last := messages[len(messages)-1].Content
	switch kind {
	case "classify":
		return c.classify(last)
	case "extract":
		return c.extract(last)
	case "summary":
		return c.summary(last)
	}
	return c.reply(messages)
}

func (c *scriptedCompleter) Calls(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[kind]
}

func (c *scriptedCompleter) LastReplyMessages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return nil
	}
	return c.replies[len(c.replies)-1]
}

// ---------- executor ----------

type fakeExecutor struct {
	mu       sync.Mutex
	searches []string
	out      string
	err      error
}

func (e *fakeExecutor) RunSearch(_ context.Context, query string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.searches = append(e.searches, query)
	return e.out, e.err
}

func (e *fakeExecutor) RunGeneration(_ context.Context, prompt, _, _ string) (string, error) {
	return "https://img.example/" + strings.ReplaceAll(prompt, " ", "-") + ".png", e.err
}

func (e *fakeExecutor) Searches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.searches)
}

// ---------- clock ----------

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) approval.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// ---------- store ----------

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "conversations.db")
	b, err := database.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return store.New(b, nil)
}

// seedTurns appends n alternating user/assistant turns with origin ids m0..m(n-1).
func seedTurns(t *testing.T, st *store.Store, key store.Key, n int) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	for i := 0; i < n; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		if err := tx.AppendTurn(ctx, key, store.Turn{
			Role:     role,
			Content:  fmt.Sprintf("turn %d", i),
			OriginID: fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

// failingStore wraps a store and fails selected operations.
type failingStore struct {
	ConversationStore
	failAppend  bool
	failSummary bool
	blockCommit bool
}

var errInjected = errors.New("injected failure")

func (f *failingStore) InsertSummary(ctx context.Context, key store.Key, sum store.Summary) error {
	if f.failSummary {
		return errInjected
	}
	return f.ConversationStore.InsertSummary(ctx, key, sum)
}

func (f *failingStore) BeginTx(ctx context.Context) (store.Tx, error) {
	tx, err := f.ConversationStore.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, parent: f, ctx: ctx}, nil
}

type failingTx struct {
	store.Tx
	parent *failingStore
	ctx    context.Context
	calls  int
}

func (t *failingTx) AppendTurn(ctx context.Context, key store.Key, turn store.Turn) error {
	t.calls++
	if t.parent.failAppend && t.calls == 2 {
		return errInjected
	}
	return t.Tx.AppendTurn(ctx, key, turn)
}

func (t *failingTx) Commit() error {
	if t.parent.blockCommit {
		<-t.ctx.Done()
		t.Tx.Rollback()
		return t.ctx.Err()
	}
	return t.Tx.Commit()
}
