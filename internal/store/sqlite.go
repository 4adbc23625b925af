package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"

	"github.com/samsaffron/chatrelay/internal/llm"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    model TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT 'New conversation',
    summary TEXT NOT NULL DEFAULT '',
    summary_tokens INTEGER NOT NULL DEFAULT 0,
    summary_upto INTEGER NOT NULL DEFAULT -1,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    content TEXT NOT NULL DEFAULT '',
    thinking TEXT,
    tool_call_id TEXT,
    images TEXT,
    tool_calls TEXT,
    compacted BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sequence);

-- Full-text search over message content
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    content,
    content='messages',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
    INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
END;

-- Owner-scoped notes extracted from [MEMORY: ...] tags
CREATE TABLE IF NOT EXISTS memory_notes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner TEXT NOT NULL,
    note TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_memory_notes_owner ON memory_notes(owner, created_at DESC);
`

// Open creates (or opens) the conversation database at path.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite writers are exclusive; a single connection avoids
	// SQLITE_BUSY churn under concurrent turns.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, owner, model string) (*Conversation, error) {
	conv := &Conversation{
		ID:          shortuuid.New(),
		Owner:       owner,
		Model:       model,
		Title:       "New conversation",
		SummaryUpTo: -1,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, owner, model, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Owner, conv.Model, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id, owner string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, model, title, summary, summary_tokens, summary_upto, created_at, updated_at
		FROM conversations WHERE id = ? AND owner = ?`, id, owner)
	conv := &Conversation{}
	err := row.Scan(&conv.ID, &conv.Owner, &conv.Model, &conv.Title,
		&conv.Summary, &conv.SummaryTokens, &conv.SummaryUpTo,
		&conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) List(ctx context.Context, owner string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, model, title, summary, summary_tokens, summary_upto, created_at, updated_at
		FROM conversations WHERE owner = ? ORDER BY updated_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.Owner, &conv.Model, &conv.Title,
			&conv.Summary, &conv.SummaryTokens, &conv.SummaryUpTo,
			&conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) Rename(ctx context.Context, id, owner, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND owner = ?`,
		title, time.Now(), id, owner)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) Delete(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) AddMessage(ctx context.Context, convID string, msg *Message) error {
	msg.ConvID = convID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	images, toolCalls, err := encodeMessageJSON(msg)
	if err != nil {
		return err
	}

	// Transaction for atomic sequence allocation.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM messages WHERE conversation_id = ?`,
		convID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("get max sequence: %w", err)
	}
	msg.Sequence = 0
	if maxSeq.Valid {
		msg.Sequence = int(maxSeq.Int64) + 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sequence, role, content, thinking, tool_call_id, images, tool_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, convID, msg.Sequence, string(msg.Role), msg.Content,
		nullString(msg.Thinking), nullString(msg.ToolCallID), images, toolCalls, msg.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), convID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

// UpdateMessage overwrites the content of an existing message. Used
// for incremental persistence of the streaming placeholder.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, convID, msgID, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ? WHERE id = ? AND conversation_id = ?`,
		content, msgID, convID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return requireRow(res)
}

// FinalizeMessage writes the completed turn into the placeholder
// record: final content, captured thinking and any tool calls.
func (s *SQLiteStore) FinalizeMessage(ctx context.Context, convID, msgID, content, thinking string, toolCalls []llm.ToolCall) error {
	var callsJSON sql.NullString
	if len(toolCalls) > 0 {
		b, err := json.Marshal(toolCalls)
		if err != nil {
			return fmt.Errorf("serialize tool calls: %w", err)
		}
		callsJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, thinking = ?, tool_calls = ? WHERE id = ? AND conversation_id = ?`,
		content, nullString(thinking), callsJSON, msgID, convID)
	if err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) Messages(ctx context.Context, convID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sequence, role, content, thinking, tool_call_id, images, tool_calls, compacted, created_at
		FROM messages WHERE conversation_id = ? ORDER BY sequence`, convID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var role string
		var thinking, toolCallID, images, toolCalls sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConvID, &msg.Sequence, &role, &msg.Content,
			&thinking, &toolCallID, &images, &toolCalls, &msg.Compacted, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = llm.Role(role)
		msg.Thinking = thinking.String
		msg.ToolCallID = toolCallID.String
		if images.Valid && images.String != "" {
			if err := json.Unmarshal([]byte(images.String), &msg.Images); err != nil {
				return nil, fmt.Errorf("decode images: %w", err)
			}
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// TruncateMessages deletes every message with sequence >= fromSeq.
// Used by regenerate/fork.
func (s *SQLiteStore) TruncateMessages(ctx context.Context, convID string, fromSeq int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND sequence >= ?`, convID, fromSeq)
	if err != nil {
		return fmt.Errorf("truncate messages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearMessages(ctx context.Context, convID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET summary = '', summary_tokens = 0, summary_upto = -1, updated_at = ? WHERE id = ?`,
		time.Now(), convID); err != nil {
		return fmt.Errorf("reset summary: %w", err)
	}
	return tx.Commit()
}

// SetSummary records a new compaction summary and marks every message
// up to upToSeq as compacted. The summary only ever moves forward:
// a write with a lower upToSeq than the current one is rejected.
func (s *SQLiteStore) SetSummary(ctx context.Context, convID, text string, tokens, upToSeq int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT summary_upto FROM conversations WHERE id = ?`, convID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("read summary range: %w", err)
	}
	if upToSeq < current {
		return fmt.Errorf("summary range moved backwards: %d < %d", upToSeq, current)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET summary = ?, summary_tokens = ?, summary_upto = ?, updated_at = ? WHERE id = ?`,
		text, tokens, upToSeq, time.Now(), convID); err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET compacted = TRUE WHERE conversation_id = ? AND sequence <= ?`,
		convID, upToSeq); err != nil {
		return fmt.Errorf("mark compacted: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Search(ctx context.Context, owner, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, snippet(messages_fts, 0, '[', ']', '...', 12), m.role
		FROM messages_fts
		JOIN messages m ON m.rowid = messages_fts.rowid
		JOIN conversations c ON c.id = m.conversation_id
		WHERE messages_fts MATCH ? AND c.owner = ?
		ORDER BY rank LIMIT ?`, ftsQuery, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var res SearchResult
		var role string
		if err := rows.Scan(&res.ConvID, &res.Title, &res.Snippet, &role); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		res.Role = llm.Role(role)
		results = append(results, res)
	}
	return results, rows.Err()
}

// buildFTSQuery quotes user input term-by-term so FTS5 operators in
// the raw query cannot break the MATCH expression.
func buildFTSQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, `"`, "")
		if term == "" {
			continue
		}
		quoted = append(quoted, `"`+term+`"`)
	}
	return strings.Join(quoted, " ")
}

func encodeMessageJSON(msg *Message) (images, toolCalls sql.NullString, err error) {
	if len(msg.Images) > 0 {
		b, merr := json.Marshal(msg.Images)
		if merr != nil {
			return images, toolCalls, fmt.Errorf("serialize images: %w", merr)
		}
		images = sql.NullString{String: string(b), Valid: true}
	}
	if len(msg.ToolCalls) > 0 {
		b, merr := json.Marshal(msg.ToolCalls)
		if merr != nil {
			return images, toolCalls, fmt.Errorf("serialize tool calls: %w", merr)
		}
		toolCalls = sql.NullString{String: string(b), Valid: true}
	}
	return images, toolCalls, nil
}

// AddMemoryNote persists one extracted memory for an owner.
func (s *SQLiteStore) AddMemoryNote(ctx context.Context, owner, note string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_notes (owner, note) VALUES (?, ?)`, owner, note)
	if err != nil {
		return fmt.Errorf("insert memory note: %w", err)
	}
	return nil
}

// MemoryNotes returns the most recent notes for an owner, newest first.
func (s *SQLiteStore) MemoryNotes(ctx context.Context, owner string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT note FROM memory_notes WHERE owner = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query memory notes: %w", err)
	}
	defer rows.Close()

	var notes []string
	for rows.Next() {
		var note string
		if err := rows.Scan(&note); err != nil {
			return nil, fmt.Errorf("scan memory note: %w", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
