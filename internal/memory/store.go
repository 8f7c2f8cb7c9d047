package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/quilldesk/sheetsense/internal/chat"
)

// ErrNotFound reports a missing conversation or chunk within the
// caller's own scope.
var ErrNotFound = errors.New("not found")

// Store persists conversations, messages, chunks and their embedding
// vectors in sqlite. Every read and write is filtered by the owning
// user id; a lookup that lands on another tenant's row fails with
// ErrScopeViolation instead of being silently filtered.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			functions TEXT NOT NULL DEFAULT '[]',
			contains_formula INTEGER NOT NULL DEFAULT 0,
			difficulty TEXT NOT NULL DEFAULT 'basic',
			token_estimate INTEGER NOT NULL DEFAULT 0,
			embedded INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_user ON chunks(user_id, embedded)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			chunk_id TEXT PRIMARY KEY REFERENCES chunks(id),
			user_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			dim INTEGER NOT NULL,
			vector BLOB NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_user ON embeddings(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// CreateConversation starts a new conversation for the user. The title
// is derived from the opening message when non-empty.
func (s *Store) CreateConversation(userID, firstMessage string) (chat.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return chat.Conversation{}, fmt.Errorf("create conversation: empty user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := chat.Conversation{
		ID:     uuid.NewString(),
		UserID: userID,
		Title:  chat.TitleFromFirstMessage(firstMessage),
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.UserID, conv.Title, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation owned by the user. A hit on a
// different tenant's conversation is a scope violation.
func (s *Store) GetConversation(conversationID, userID string) (chat.Conversation, error) {
	var conv chat.Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE id = ?
	`, conversationID).Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, fmt.Errorf("get conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if conv.UserID != userID {
		return chat.Conversation{}, fmt.Errorf("get conversation %s for user %s: %w", conversationID, userID, ErrScopeViolation)
	}
	conv.CreatedAt = parseStoredTime(createdAt)
	conv.UpdatedAt = parseStoredTime(updatedAt)
	return conv, nil
}

// ListConversations returns the user's conversations, most recently
// updated first.
func (s *Store) ListConversations(userID string, limit int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC, id ASC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	result := make([]chat.Conversation, 0)
	for rows.Next() {
		var conv chat.Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.CreatedAt = parseStoredTime(createdAt)
		conv.UpdatedAt = parseStoredTime(updatedAt)
		result = append(result, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return result, nil
}

// AppendMessage persists one turn message under the conversation after
// verifying ownership.
func (s *Store) AppendMessage(conversationID, userID string, msg chat.Message) error {
	if _, err := s.GetConversation(conversationID, userID); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (conversation_id, user_id, role, content, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conversationID, userID, msg.Role, msg.Text, chat.EstimateTokens(msg.Text), ts.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), conversationID); err != nil {
		return fmt.Errorf("append message touch conversation: %w", err)
	}
	return nil
}

// RecentMessages returns the newest messages of a conversation in
// chronological order, up to limit.
func (s *Store) RecentMessages(conversationID, userID string, limit int) ([]chat.Message, error) {
	if _, err := s.GetConversation(conversationID, userID); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT role, content, created_at
		FROM (
			SELECT id, role, content, created_at
			FROM messages
			WHERE conversation_id = ? AND user_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`, conversationID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	result := make([]chat.Message, 0, limit)
	for rows.Next() {
		var msg chat.Message
		var createdAt string
		if err := rows.Scan(&msg.Role, &msg.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = parseStoredTime(createdAt)
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

// InsertChunk persists a closed chunk. The chunk id is assigned here
// when empty.
func (s *Store) InsertChunk(chunk *Chunk) error {
	if chunk.UserID == "" || chunk.ConversationID == "" {
		return fmt.Errorf("insert chunk: missing scope ids")
	}
	if strings.TrimSpace(chunk.Text) == "" {
		return fmt.Errorf("insert chunk: empty text")
	}
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}

	functions, err := json.Marshal(chunk.Functions)
	if err != nil {
		return fmt.Errorf("insert chunk: marshal functions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO chunks (id, conversation_id, user_id, content, functions, contains_formula, difficulty, token_estimate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, chunk.ID, chunk.ConversationID, chunk.UserID, chunk.Text, string(functions),
		boolToInt(chunk.ContainsFormula), chunk.Difficulty, chunk.TokenEstimate)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// StoreEmbedding attaches a vector to a chunk the user owns and marks
// the chunk embedded. Re-storing is idempotent.
func (s *Store) StoreEmbedding(rec EmbeddingRecord) error {
	if len(rec.Vector) == 0 {
		return fmt.Errorf("store embedding: empty vector")
	}

	var owner string
	err := s.db.QueryRow(`SELECT user_id FROM chunks WHERE id = ?`, rec.ChunkID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store embedding: chunk %s: %w", rec.ChunkID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	if owner != rec.UserID {
		return fmt.Errorf("store embedding for chunk %s: %w", rec.ChunkID, ErrScopeViolation)
	}

	blob, err := EncodeVector(rec.Vector)
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT INTO embeddings (chunk_id, user_id, model, dim, vector)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET model = excluded.model, dim = excluded.dim, vector = excluded.vector
	`, rec.ChunkID, rec.UserID, rec.Model, len(rec.Vector), blob); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE chunks SET embedded = 1 WHERE id = ?`, rec.ChunkID); err != nil {
		return fmt.Errorf("store embedding mark chunk: %w", err)
	}
	return nil
}

// QueryNearest ranks the user's embedded chunks by cosine similarity
// to the query vector and returns up to k matches. Rows belonging to
// other tenants are excluded by the SQL filter itself.
func (s *Store) QueryNearest(ctx context.Context, userID string, queryVector []float32, k int) ([]SemanticMatch, error) {
	if userID == "" {
		return nil, fmt.Errorf("query nearest: %w", ErrScopeViolation)
	}
	if k <= 0 {
		k = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.conversation_id, c.user_id, c.content, c.functions,
		       c.contains_formula, c.difficulty, c.token_estimate, c.created_at, e.vector
		FROM chunks c
		JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.user_id = ? AND e.user_id = ?
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query nearest: %w: %v", ErrProviderUnavailable, err)
	}
	defer rows.Close()

	matches := make([]SemanticMatch, 0)
	for rows.Next() {
		var chunk Chunk
		var functions, createdAt string
		var containsFormula int
		var blob []byte
		if err := rows.Scan(&chunk.ID, &chunk.ConversationID, &chunk.UserID, &chunk.Text, &functions,
			&containsFormula, &chunk.Difficulty, &chunk.TokenEstimate, &createdAt, &blob); err != nil {
			return nil, fmt.Errorf("scan nearest row: %w", err)
		}
		chunk.ContainsFormula = containsFormula == 1
		chunk.CreatedAt = parseStoredTime(createdAt)
		if err := json.Unmarshal([]byte(functions), &chunk.Functions); err != nil {
			chunk.Functions = nil
		}

		vec, err := DecodeVector(blob)
		if err != nil {
			continue
		}
		score, err := CosineSimilarity(queryVector, vec)
		if err != nil {
			continue
		}
		matches = append(matches, SemanticMatch{Chunk: chunk, Similarity: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest rows: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity == matches[j].Similarity {
			return matches[i].Chunk.ID < matches[j].Chunk.ID
		}
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// MissingEmbeddings returns chunks not yet embedded in insertion
// order, across all tenants. Each chunk keeps its own scope ids so the
// backfill writes stay within the owning tenant.
func (s *Store) MissingEmbeddings(limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, conversation_id, user_id, content, functions, contains_formula, difficulty, token_estimate, created_at
		FROM chunks
		WHERE embedded = 0 AND TRIM(content) != ''
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query missing embeddings: %w", err)
	}
	defer rows.Close()

	result := make([]Chunk, 0, limit)
	for rows.Next() {
		var chunk Chunk
		var functions, createdAt string
		var containsFormula int
		if err := rows.Scan(&chunk.ID, &chunk.ConversationID, &chunk.UserID, &chunk.Text, &functions,
			&containsFormula, &chunk.Difficulty, &chunk.TokenEstimate, &createdAt); err != nil {
			return nil, fmt.Errorf("scan missing embeddings row: %w", err)
		}
		chunk.ContainsFormula = containsFormula == 1
		chunk.CreatedAt = parseStoredTime(createdAt)
		if err := json.Unmarshal([]byte(functions), &chunk.Functions); err != nil {
			chunk.Functions = nil
		}
		result = append(result, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missing embeddings rows: %w", err)
	}
	return result, nil
}

func parseStoredTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", value); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
