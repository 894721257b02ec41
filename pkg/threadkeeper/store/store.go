// Package store persists conversation turns and rolling summaries.
//
// Turns are append-only per conversation key. Summaries are never updated;
// a regeneration inserts a new row and readers take the latest one.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/database"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Key identifies a logical conversation. Thread is empty for top-level
// channel conversations.
type Key struct {
	Surface string
	Channel string
	Thread  string
}

// String returns the stored form "surface/channel[/thread]".
func (k Key) String() string {
	if k.Thread == "" {
		return k.Surface + "/" + k.Channel
	}
	return k.Surface + "/" + k.Channel + "/" + k.Thread
}

// ParseKey parses the stored form produced by Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 2:
		return Key{Surface: parts[0], Channel: parts[1]}, nil
	case 3:
		return Key{Surface: parts[0], Channel: parts[1], Thread: parts[2]}, nil
	}
	return Key{}, fmt.Errorf("invalid conversation key %q", s)
}

// Turn is one stored message.
type Turn struct {
	ID        int64
	Role      Role
	Content   string
	OriginID  string
	AuthorID  string
	ReplyTo   string
	CreatedAt time.Time
}

// Summary is a rolling summary of a conversation's older turns.
type Summary struct {
	ID               int64
	Text             string
	CoveredTurnCount int
	CreatedAt        time.Time
}

// Store is the SQL conversation store.
type Store struct {
	backend *database.Backend
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a store on an open backend.
func New(backend *database.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger.With("component", "store"),
		now:     time.Now,
	}
}

const turnColumns = "id, role, content, origin_id, author_id, reply_to, created_at"

// FetchTurns returns up to limit turns for key, most recent first.
func (s *Store) FetchTurns(ctx context.Context, key Key, limit int) ([]Turn, error) {
	rows, err := s.backend.DB.QueryContext(ctx, s.backend.Rebind(
		"SELECT "+turnColumns+" FROM turns WHERE conversation_key = ? ORDER BY id DESC LIMIT ?"),
		key.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch turns: %w", err)
	}
	return scanTurns(rows)
}

// FetchTurnsBefore returns up to limit turns older than beforeID, most
// recent first.
func (s *Store) FetchTurnsBefore(ctx context.Context, key Key, beforeID int64, limit int) ([]Turn, error) {
	rows, err := s.backend.DB.QueryContext(ctx, s.backend.Rebind(
		"SELECT "+turnColumns+" FROM turns WHERE conversation_key = ? AND id < ? ORDER BY id DESC LIMIT ?"),
		key.String(), beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch older turns: %w", err)
	}
	return scanTurns(rows)
}

// CountTurns returns the number of stored turns for key.
func (s *Store) CountTurns(ctx context.Context, key Key) (int, error) {
	var n int
	err := s.backend.DB.QueryRowContext(ctx, s.backend.Rebind(
		"SELECT COUNT(*) FROM turns WHERE conversation_key = ?"), key.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

// FetchTurnByOrigin returns the turn whose transport message id is originID.
func (s *Store) FetchTurnByOrigin(ctx context.Context, key Key, originID string) (Turn, error) {
	rows, err := s.backend.DB.QueryContext(ctx, s.backend.Rebind(
		"SELECT "+turnColumns+" FROM turns WHERE conversation_key = ? AND origin_id = ? ORDER BY id DESC LIMIT 1"),
		key.String(), originID)
	if err != nil {
		return Turn{}, fmt.Errorf("fetch turn by origin: %w", err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return Turn{}, err
	}
	if len(turns) == 0 {
		return Turn{}, ErrNotFound
	}
	return turns[0], nil
}

// FetchLatestSummary returns the most recent summary for key.
func (s *Store) FetchLatestSummary(ctx context.Context, key Key) (Summary, error) {
	var sum Summary
	err := s.backend.DB.QueryRowContext(ctx, s.backend.Rebind(
		"SELECT id, text, covered_turn_count, created_at FROM summaries WHERE conversation_key = ? ORDER BY id DESC LIMIT 1"),
		key.String()).Scan(&sum.ID, &sum.Text, &sum.CoveredTurnCount, &sum.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("fetch latest summary: %w", err)
	}
	return sum, nil
}

// InsertSummary stores a summary in its own transaction.
func (s *Store) InsertSummary(ctx context.Context, key Key, sum Summary) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.InsertSummary(ctx, key, sum); err != nil {
		return err
	}
	return tx.Commit()
}

// ListConversations returns the stored conversation keys starting with prefix.
func (s *Store) ListConversations(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.backend.DB.QueryContext(ctx, s.backend.Rebind(
		"SELECT DISTINCT conversation_key FROM turns WHERE conversation_key LIKE ? ORDER BY conversation_key"),
		prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan conversation key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Tx groups writes that commit or roll back together. Rollback after
// Commit is a no-op, so it can always be deferred.
type Tx interface {
	AppendTurn(ctx context.Context, key Key, turn Turn) error
	InsertSummary(ctx context.Context, key Key, sum Summary) error
	Commit() error
	Rollback() error
}

// BeginTx starts a write transaction.
func (s *Store) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.backend.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqlTx{tx: tx, backend: s.backend, now: s.now}, nil
}

type sqlTx struct {
	tx      *sql.Tx
	backend *database.Backend
	now     func() time.Time
	done    bool
}

// AppendTurn appends turn to the conversation. A zero CreatedAt is
// stamped with the current time.
func (t *sqlTx) AppendTurn(ctx context.Context, key Key, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = t.now()
	}
	_, err := t.tx.ExecContext(ctx, t.backend.Rebind(`
		INSERT INTO turns (conversation_key, role, content, origin_id, author_id, reply_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		key.String(), string(turn.Role), turn.Content, turn.OriginID, turn.AuthorID, turn.ReplyTo,
		turn.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// InsertSummary adds a new summary row for key.
func (t *sqlTx) InsertSummary(ctx context.Context, key Key, sum Summary) error {
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = t.now()
	}
	_, err := t.tx.ExecContext(ctx, t.backend.Rebind(`
		INSERT INTO summaries (conversation_key, text, covered_turn_count, created_at)
		VALUES (?, ?, ?, ?)`),
		key.String(), sum.Text, sum.CoveredTurnCount, sum.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

// Commit commits the transaction.
func (t *sqlTx) Commit() error {
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction.
func (t *sqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	var turns []Turn
	for rows.Next() {
		var (
			t    Turn
			role string
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &t.OriginID, &t.AuthorID, &t.ReplyTo, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}
