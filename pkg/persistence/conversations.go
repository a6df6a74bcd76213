package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/contextmgr"
)

// ErrConversationNotFound is returned when a requested conversation does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationStore persists conversations with their full context.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore returns a store backed by db.
func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// ConversationInfo is the listing view of a conversation, without its context.
type ConversationInfo struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Turns     int       `json:"turns"`
}

// Create inserts a new conversation. It fails if the id already exists.
func (s *ConversationStore) Create(ctx context.Context, conv *contextmgr.Conversation) error {
	ctxJSON, metricsJSON, err := encodeConversation(conv)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, context_json, metrics_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.Title, ctxJSON, metricsJSON, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Save upserts a conversation.
func (s *ConversationStore) Save(ctx context.Context, conv *contextmgr.Conversation) error {
	ctxJSON, metricsJSON, err := encodeConversation(conv)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, context_json, metrics_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			context_json = excluded.context_json,
			metrics_json = excluded.metrics_json,
			updated_at = excluded.updated_at
	`, conv.ID, conv.Title, ctxJSON, metricsJSON, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Get loads a conversation by id.
// Returns ErrConversationNotFound if the conversation does not exist.
func (s *ConversationStore) Get(ctx context.Context, id string) (*contextmgr.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, context_json, metrics_json, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id)

	var (
		conv                 contextmgr.Conversation
		ctxJSON, metricsJSON string
		created, updated     string
	)
	err := row.Scan(&conv.ID, &conv.Title, &ctxJSON, &metricsJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}

	if ctxJSON != "" {
		var cx contextmgr.Context
		if err := json.Unmarshal([]byte(ctxJSON), &cx); err != nil {
			return nil, fmt.Errorf("decode context of %s: %w", id, err)
		}
		conv.Context = &cx
	}
	if err := json.Unmarshal([]byte(metricsJSON), &conv.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics of %s: %w", id, err)
	}
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)
	conv.SetConversationID()
	return &conv, nil
}

// Delete removes a conversation.
// Returns ErrConversationNotFound if the conversation does not exist.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

// List returns conversations, most recently updated first. A limit of zero lists all.
func (s *ConversationStore) List(ctx context.Context, limit int) ([]ConversationInfo, error) {
	query := `SELECT id, title, metrics_json, created_at, updated_at FROM conversations ORDER BY updated_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ConversationInfo
	for rows.Next() {
		var (
			info             ConversationInfo
			metricsJSON      string
			created, updated string
			metrics          contextmgr.Metrics
		)
		if err := rows.Scan(&info.ID, &info.Title, &metricsJSON, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(metricsJSON), &metrics); err == nil {
			info.Turns = metrics.Turns
		}
		info.CreatedAt = parseTime(created)
		info.UpdatedAt = parseTime(updated)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return out, nil
}

func encodeConversation(conv *contextmgr.Conversation) (ctxJSON, metricsJSON string, err error) {
	if conv == nil || conv.ID == "" {
		return "", "", errors.New("conversation id is required")
	}
	conv.SetConversationID()
	if conv.Context != nil {
		b, err := json.Marshal(conv.Context)
		if err != nil {
			return "", "", fmt.Errorf("encode context of %s: %w", conv.ID, err)
		}
		ctxJSON = string(b)
	}
	b, err := json.Marshal(conv.Metrics)
	if err != nil {
		return "", "", fmt.Errorf("encode metrics of %s: %w", conv.ID, err)
	}
	return ctxJSON, string(b), nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
