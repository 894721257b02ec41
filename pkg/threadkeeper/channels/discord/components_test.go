package discord

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/channels"
)

func testRegistry(t *testing.T) *promptRegistry {
	t.Helper()
	r := newPromptRegistry(slog.Default())
	t.Cleanup(r.stop)
	return r
}

func TestPromptRegistry_ClaimOnce(t *testing.T) {
	r := testRegistry(t)
	r.add(channels.ApprovalControls{RequestID: "req-1"})
	r.add(channels.ApprovalControls{RequestID: "req-2"})

	if _, res := r.claim("req-1", "u1"); res != claimOK {
		t.Fatalf("expected first claim to succeed, got %v", res)
	}
	if _, res := r.claim("req-1", "u2"); res != claimGone {
		t.Fatalf("expected second claim to find nothing, got %v", res)
	}
	if r.len() != 1 {
		t.Fatalf("expected the other request to stay live, have %d", r.len())
	}
}

func TestPromptRegistry_ConcurrentClaims(t *testing.T) {
	r := testRegistry(t)
	r.add(channels.ApprovalControls{RequestID: "req"})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, res := r.claim("req", "u"); res == claimOK {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestPromptRegistry_TTL(t *testing.T) {
	r := testRegistry(t)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }
	r.add(channels.ApprovalControls{RequestID: "x", TTL: time.Minute})
	r.add(channels.ApprovalControls{RequestID: "y", TTL: time.Minute})

	now = now.Add(2 * time.Minute)
	if _, res := r.claim("x", "u"); res != claimGone {
		t.Fatal("expected expired prompt to be gone")
	}
	r.sweep()
	if r.len() != 0 {
		t.Fatalf("expected sweep to drop expired prompts, have %d", r.len())
	}
}

func TestPromptRegistry_AllowedUsers(t *testing.T) {
	r := testRegistry(t)
	r.add(channels.ApprovalControls{RequestID: "r", AllowedUsers: []string{"mod"}})

	if _, res := r.claim("r", "random"); res != claimForbidden {
		t.Fatalf("expected forbidden, got %v", res)
	}
	if _, res := r.claim("r", "mod"); res != claimOK {
		t.Fatalf("an allowed user must still be able to decide, got %v", res)
	}
}

func TestParseApprovalID(t *testing.T) {
	tests := []struct {
		in       string
		id       string
		approved bool
		ok       bool
	}{
		{"approve:c1-abc-1234", "c1-abc-1234", true, true},
		{"deny:c1-abc-1234", "c1-abc-1234", false, true},
		{"other:thing", "", false, false},
	}
	for _, tt := range tests {
		id, approved, ok := parseApprovalID(tt.in)
		if id != tt.id || approved != tt.approved || ok != tt.ok {
			t.Errorf("parseApprovalID(%q) = %q,%v,%v", tt.in, id, approved, ok)
		}
	}
}

func TestTruncate(t *testing.T) {
	short := "hello"
	if truncate(short) != short {
		t.Error("short content changed")
	}
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	got := truncate(string(long))
	if n := len([]rune(got)); n > messageLimit {
		t.Errorf("truncated content has %d runes", n)
	}
}
