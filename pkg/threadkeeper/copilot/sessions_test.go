package copilot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/channels"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/store"
)

func TestResolve_ThreadPassthrough(t *testing.T) {
	r := NewSessionResolver(sessionTransport{newFakeTransport()}, nil, true, nil)
	u := Utterance{Key: store.Key{Surface: "discord", Channel: "c1", Thread: "t7"}}

	target, key := r.Resolve(context.Background(), u)
	if target.Kind != channels.TargetSession || target.SessionID != "t7" || key != u.Key {
		t.Errorf("unexpected resolution %v %v", target, key)
	}
}

func TestResolve_ChannelWithoutAutoThread(t *testing.T) {
	tr := sessionTransport{newFakeTransport()}
	r := NewSessionResolver(tr, nil, false, nil)
	u := Utterance{Key: store.Key{Surface: "discord", Channel: "c1"}, AuthorName: "alice"}

	target, key := r.Resolve(context.Background(), u)
	if target.Kind != channels.TargetChannel || key.Thread != "" {
		t.Errorf("unexpected resolution %v %v", target, key)
	}
	if len(tr.opened) != 0 {
		t.Error("no session should be opened")
	}
}

func TestResolve_TransportWithoutSessions(t *testing.T) {
	r := NewSessionResolver(newFakeTransport(), nil, true, nil)
	target, _ := r.Resolve(context.Background(), Utterance{Key: store.Key{Surface: "discord", Channel: "c1"}})
	if target.Kind != channels.TargetChannel {
		t.Errorf("expected channel target, got %v", target)
	}
}

func TestResolve_ConcurrentCreationSharesOneSession(t *testing.T) {
	ft := newFakeTransport()
	ft.openHold = make(chan struct{})
	tr := sessionTransport{ft}
	r := NewSessionResolver(tr, nil, true, nil)
	u := Utterance{Key: store.Key{Surface: "discord", Channel: "c1"}, AuthorName: "alice", AuthorID: "u1"}

	const callers = 5
	var wg sync.WaitGroup
	keys := make([]store.Key, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, keys[i] = r.Resolve(context.Background(), u)
		}(i)
	}
	// Let every caller reach the lock before the first creation completes.
	time.Sleep(50 * time.Millisecond)
	close(ft.openHold)
	wg.Wait()

	ft.mu.Lock()
	opened := len(ft.opened)
	ft.mu.Unlock()
	if opened != 1 {
		t.Fatalf("expected one session to be opened, got %d", opened)
	}
	for _, k := range keys {
		if k.Thread != "thread-1" {
			t.Errorf("caller resolved to %q", k.Thread)
		}
	}

	// Later utterances reuse the remembered session.
	_, k := r.Resolve(context.Background(), u)
	if k.Thread != "thread-1" || len(ft.opened) != 1 {
		t.Errorf("expected remembered session, got %q", k.Thread)
	}

	r.Forget("c1", SessionName("alice", "u1"))
	ft.openHold = nil
	_, k = r.Resolve(context.Background(), u)
	if k.Thread != "thread-2" {
		t.Errorf("expected a new session after Forget, got %q", k.Thread)
	}
}

func TestSessionName(t *testing.T) {
	if got := SessionName("alice", "u1"); got != "chat with alice" {
		t.Errorf("got %q", got)
	}
	if got := SessionName("  ", "u1"); got != "chat with u1" {
		t.Errorf("got %q", got)
	}
}
