package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	_ "modernc.org/sqlite"

	"github.com/lkarlslund/tutorrouter/pkg/chat"
)

var (
	ErrSessionNotFound = errors.New("chat session not found")
	ErrMessageConflict = errors.New("message id already exists")
)

const DefaultOpTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS chat_session (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	lecture_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	total_prompts_used INTEGER NOT NULL DEFAULT 0,
	total_tokens_used INTEGER NOT NULL DEFAULT 0,
	security_updated_ms INTEGER NOT NULL DEFAULT 0,
	created_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_session_user ON chat_session(user_id, created_ms);

CREATE TABLE IF NOT EXISTS chat_message (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES chat_session(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	is_bot INTEGER NOT NULL,
	kind TEXT NOT NULL DEFAULT 'chat',
	content TEXT NOT NULL,
	total_tokens INTEGER,
	prompt_tokens INTEGER,
	completion_tokens INTEGER,
	created_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_message_session ON chat_message(session_id, seq);

CREATE TABLE IF NOT EXISTS ai_preferences (
	scope TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	prefs_json TEXT NOT NULL,
	updated_ms INTEGER NOT NULL,
	PRIMARY KEY (scope, scope_id)
);
`

// Store persists chat sessions and AI preferences in SQLite. Usage counters
// are only ever changed by AppendMessages, as atomic increments.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
	now       func() time.Time
}

func Open(path string, opTimeout time.Duration) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// one writer keeps per-session appends serialized
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &Store{db: db, opTimeout: opTimeout, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) CreateSession(ctx context.Context, userID, lectureID, title string) (chat.Session, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	now := s.now().UTC()
	sess := chat.Session{
		ID:        shortuuid.New(),
		UserID:    strings.TrimSpace(userID),
		LectureID: strings.TrimSpace(lectureID),
		Title:     strings.TrimSpace(title),
		Messages:  []chat.Message{},
		Security:  chat.Security{LastUpdated: now},
		CreatedAt: now,
	}
	if sess.Title == "" {
		sess.Title = "New chat"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_session (id, user_id, lecture_id, title, security_updated_ms, created_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.LectureID, sess.Title, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return chat.Session{}, fmt.Errorf("insert chat session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (chat.Session, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var (
		sess             chat.Session
		secMS, createdMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, lecture_id, title, total_prompts_used, total_tokens_used, security_updated_ms, created_ms FROM chat_session WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.LectureID, &sess.Title, &sess.Security.TotalPromptsUsed, &sess.Security.TotalTokensUsed, &secMS, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("load chat session: %w", err)
	}
	sess.Security.LastUpdated = time.UnixMilli(secMS).UTC()
	sess.CreatedAt = time.UnixMilli(createdMS).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, is_bot, kind, content, total_tokens, prompt_tokens, completion_tokens, created_ms FROM chat_message WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return chat.Session{}, fmt.Errorf("load chat messages: %w", err)
	}
	defer rows.Close()
	sess.Messages = []chat.Message{}
	for rows.Next() {
		var (
			m                         chat.Message
			isBot                     int
			kind                      string
			total, prompt, completion sql.NullInt64
			ms                        int64
		)
		if err := rows.Scan(&m.ID, &isBot, &kind, &m.Content, &total, &prompt, &completion, &ms); err != nil {
			return chat.Session{}, fmt.Errorf("scan chat message: %w", err)
		}
		m.IsBot = isBot != 0
		m.Kind = chat.MessageKind(kind)
		m.Timestamp = time.UnixMilli(ms).UTC()
		if total.Valid {
			m.TokenUsage = &chat.TokenUsage{
				Total:      int(total.Int64),
				Prompt:     int(prompt.Int64),
				Completion: int(completion.Int64),
			}
		}
		sess.Messages = append(sess.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return chat.Session{}, fmt.Errorf("iterate chat messages: %w", err)
	}
	return sess, nil
}

// AppendMessages inserts msgs at the end of the session and increments the
// usage counters by their delta in the same transaction.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, msgs ...chat.Message) (chat.Security, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Security{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	prompts, tokens := chat.UsageDelta(msgs...)
	res, err := tx.ExecContext(ctx,
		`UPDATE chat_session SET total_prompts_used = total_prompts_used + ?, total_tokens_used = total_tokens_used + ?, security_updated_ms = ? WHERE id = ?`,
		prompts, tokens, now.UnixMilli(), sessionID)
	if err != nil {
		return chat.Security{}, fmt.Errorf("increment usage counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Security{}, ErrSessionNotFound
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM chat_message WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return chat.Security{}, fmt.Errorf("read message sequence: %w", err)
	}
	for _, m := range msgs {
		seq++
		kind := m.Kind
		if kind == "" {
			kind = chat.KindChat
		}
		var total, prompt, completion sql.NullInt64
		if m.TokenUsage != nil {
			total = sql.NullInt64{Int64: int64(m.TokenUsage.Total), Valid: true}
			prompt = sql.NullInt64{Int64: int64(m.TokenUsage.Prompt), Valid: true}
			completion = sql.NullInt64{Int64: int64(m.TokenUsage.Completion), Valid: true}
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chat_message (id, session_id, seq, is_bot, kind, content, total_tokens, prompt_tokens, completion_tokens, created_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, sessionID, seq, boolInt(m.IsBot), string(kind), m.Content, total, prompt, completion, ts.UnixMilli())
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return chat.Security{}, fmt.Errorf("%w: %s", ErrMessageConflict, m.ID)
			}
			return chat.Security{}, fmt.Errorf("insert chat message: %w", err)
		}
	}

	var sec chat.Security
	var secMS int64
	if err := tx.QueryRowContext(ctx,
		`SELECT total_prompts_used, total_tokens_used, security_updated_ms FROM chat_session WHERE id = ?`, sessionID).
		Scan(&sec.TotalPromptsUsed, &sec.TotalTokensUsed, &secMS); err != nil {
		return chat.Security{}, fmt.Errorf("read usage counters: %w", err)
	}
	sec.LastUpdated = time.UnixMilli(secMS).UTC()
	if err := tx.Commit(); err != nil {
		return chat.Security{}, fmt.Errorf("commit append: %w", err)
	}
	return sec, nil
}

// DeleteMessages removes messages from a session. Counters are not touched.
func (s *Store) DeleteMessages(ctx context.Context, sessionID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	args := make([]any, 0, len(ids)+1)
	args = append(args, sessionID)
	placeholders := make([]string, 0, len(ids))
	for _, id := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_message WHERE session_id = ? AND id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete chat messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type PreferenceScope string

const (
	ScopeUser    PreferenceScope = "user"
	ScopeLecture PreferenceScope = "lecture"
)

func (s *Store) GetPreferences(ctx context.Context, scope PreferenceScope, scopeID string) (chat.Preferences, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT prefs_json FROM ai_preferences WHERE scope = ? AND scope_id = ?`, string(scope), scopeID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Preferences{}, false, nil
	}
	if err != nil {
		return chat.Preferences{}, false, fmt.Errorf("load preferences: %w", err)
	}
	var p chat.Preferences
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return chat.Preferences{}, false, fmt.Errorf("decode preferences: %w", err)
	}
	return p, true, nil
}

func (s *Store) SetPreferences(ctx context.Context, scope PreferenceScope, scopeID string, p chat.Preferences) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ai_preferences (scope, scope_id, prefs_json, updated_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT(scope, scope_id) DO UPDATE SET prefs_json = excluded.prefs_json, updated_ms = excluded.updated_ms`,
		string(scope), scopeID, string(b), s.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
