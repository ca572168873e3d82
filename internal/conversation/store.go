// Package conversation stores counselor chat conversations: an ordered,
// append-only log of user, assistant and tool messages per conversation.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/nugget/counselor-agent/internal/records"
)

// ErrNotFound is returned for conversations that do not exist or belong
// to another counselor. It matches [records.ErrNotFound].
var ErrNotFound = fmt.Errorf("conversation: %w", records.ErrNotFound)

// Metadata keys written by the agent.
const (
	MetaPartial = "partial"
	MetaCached  = "cached"
	MetaError   = "error"
	MetaModel   = "model"
)

// TitleMaxRunes bounds a conversation title derived from its first message.
const TitleMaxRunes = 60

// Conversation is a chat thread owned by one counselor.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry in a conversation. Seq fixes the order.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	ToolCalls      []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID     string         `json:"tool_call_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Partial reports whether the message was saved from an interrupted turn.
func (m Message) Partial() bool {
	p, _ := m.Metadata[MetaPartial].(bool)
	return p
}

// Store is a SQLite-backed conversation store.
type Store struct {
	db         *sql.DB
	maxHistory int
	logger     *slog.Logger
	now        func() time.Time
}

// NewStore creates the schema if needed. maxHistory bounds how many
// trailing messages [Store.History] replays.
func NewStore(db *sql.DB, maxHistory int, logger *slog.Logger) (*Store, error) {
	if maxHistory <= 0 {
		maxHistory = 40
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, maxHistory: maxHistory, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		title      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tool_calls      TEXT,
		tool_call_id    TEXT,
		metadata        TEXT,
		created_at      TEXT NOT NULL,
		UNIQUE (conversation_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(records.TimeLayout)
}

// TitleFrom derives a conversation title from its first user message.
func TitleFrom(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) > TitleMaxRunes {
		title = string([]rune(title)[:TitleMaxRunes])
	}
	return title
}

// Create starts a new conversation for owner.
func (s *Store) Create(ctx context.Context, ownerID, title string) (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := s.stamp()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id.String(), ownerID, title, now, now,
	); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return s.Get(ctx, ownerID, id.String())
}

// Get returns the owner's conversation, or [ErrNotFound].
func (s *Store) Get(ctx context.Context, ownerID, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM conversations WHERE id = ? AND owner_id = ?`,
		id, ownerID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

// Resolve returns the conversation named by id, or creates one titled
// from firstMessage when id is empty. created reports which happened.
func (s *Store) Resolve(ctx context.Context, ownerID, id, firstMessage string) (conv *Conversation, created bool, err error) {
	if id != "" {
		conv, err = s.Get(ctx, ownerID, id)
		return conv, false, err
	}
	conv, err = s.Create(ctx, ownerID, TitleFrom(firstMessage))
	return conv, err == nil, err
}

// List returns the owner's conversations, most recently active first.
func (s *Store) List(ctx context.Context, ownerID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM conversations
		 WHERE owner_id = ? ORDER BY updated_at DESC, id DESC LIMIT ?`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Append adds m to its conversation, assigning ID, Seq and CreatedAt,
// and touches the conversation's updated_at.
func (s *Store) Append(ctx context.Context, m *Message) error {
	if m.ConversationID == "" {
		return errors.New("append: conversation id is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}

	var toolCalls, metadata sql.NullString
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}
	if len(m.Metadata) > 0 {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		m.ConversationID).Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	now := s.now().UTC()
	stamp := now.Format(records.TimeLayout)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, content, tool_calls, tool_call_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), m.ConversationID, seq, m.Role, m.Content, toolCalls,
		sql.NullString{String: m.ToolCallID, Valid: m.ToolCallID != ""}, metadata, stamp,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, stamp, m.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	m.ID = id.String()
	m.Seq = seq
	m.CreatedAt = now
	s.logger.Log(ctx, llm.LevelTrace, "message appended",
		"conversation_id", m.ConversationID, "seq", seq, "role", m.Role, "tool_calls", len(m.ToolCalls))
	return nil
}

// Messages returns every message of a conversation in order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	return s.query(ctx,
		`SELECT id, conversation_id, seq, role, content, tool_calls, tool_call_id, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
}

// History returns the trailing window of a conversation that is safe to
// replay to the engine: at most maxHistory messages, with incomplete
// tool exchanges pruned (see [Replayable]).
func (s *Store) History(ctx context.Context, conversationID string) ([]Message, error) {
	msgs, err := s.query(ctx,
		`SELECT id, conversation_id, seq, role, content, tool_calls, tool_call_id, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`,
		conversationID, s.maxHistory)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	kept, dropped := Replayable(msgs)
	if dropped > 0 {
		s.logger.Warn("pruned incomplete tool exchange from replay",
			"conversation_id", conversationID, "dropped", dropped)
	}
	return kept, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                           Message
			toolCalls, toolCallID, meta sql.NullString
			created                     string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content,
			&toolCalls, &toolCallID, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", m.ID, err)
			}
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
			}
		}
		m.ToolCallID = toolCallID.String
		m.CreatedAt, _ = time.Parse(records.TimeLayout, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(r scanner) (*Conversation, error) {
	var c Conversation
	var created, updated string
	if err := r.Scan(&c.ID, &c.OwnerID, &c.Title, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(records.TimeLayout, created)
	c.UpdatedAt, _ = time.Parse(records.TimeLayout, updated)
	return &c, nil
}
