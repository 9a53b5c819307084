// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

// Conversation is a titled chat thread owned by one account.
type Conversation struct {
	ID          int64     `json:"id"`
	Owner       string    `json:"-"`
	Title       string    `json:"title"`
	Model       string    `json:"model"`
	Personality string    `json:"personality"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is one persisted turn.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrConversationNotFound is returned when a conversation does not exist or
// belongs to another owner. Use errors.Is to check for it.
var ErrConversationNotFound = &ConversationError{Message: "conversation not found"}

// ConversationError represents a conversation-related error.
type ConversationError struct {
	Message string
}

func (e *ConversationError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing conversation errors.
func (e *ConversationError) Is(target error) bool {
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// Conversations persists conversations and their messages.
type Conversations struct {
	db *sql.DB
}

const conversationColumns = "id, owner, title, model, personality, created_at, updated_at"

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var (
		conv             Conversation
		created, updated int64
	)
	err := row.Scan(&conv.ID, &conv.Owner, &conv.Title, &conv.Model, &conv.Personality, &created, &updated)
	conv.CreatedAt = fromMillis(created)
	conv.UpdatedAt = fromMillis(updated)
	return conv, err
}

// Create inserts conv and returns it with its id and timestamps.
func (c *Conversations) Create(ctx context.Context, conv Conversation) (Conversation, error) {
	now := time.Now()
	if conv.Personality == "" {
		conv.Personality = "default"
	}
	res, err := c.db.ExecContext(ctx,
		"INSERT INTO conversations (owner, title, model, personality, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		conv.Owner, conv.Title, conv.Model, conv.Personality, millis(now), millis(now))
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	conv.ID, err = res.LastInsertId()
	if err != nil {
		return Conversation{}, err
	}
	conv.CreatedAt, conv.UpdatedAt = now, now
	return conv, nil
}

// UpdateMeta sets the title and model of a conversation.
func (c *Conversations) UpdateMeta(ctx context.Context, owner string, id int64, title, model string) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE conversations SET title = ?, model = ?, updated_at = ? WHERE id = ? AND owner = ?",
		title, model, millis(time.Now()), id, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// Get returns one conversation.
func (c *Conversations) Get(ctx context.Context, owner string, id int64) (Conversation, error) {
	conv, err := scanConversation(c.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ? AND owner = ?", id, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// List returns the owner's conversations, most recently updated first.
func (c *Conversations) List(ctx context.Context, owner string) ([]Conversation, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE owner = ? ORDER BY updated_at DESC, id DESC", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Delete removes a conversation and its messages.
func (c *Conversations) Delete(ctx context.Context, owner string, id int64) error {
	res, err := c.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ? AND owner = ?", id, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// AppendMessage adds a message and bumps the conversation's updated time.
func (c *Conversations) AppendMessage(ctx context.Context, conversationID int64, role, content string) (Message, error) {
	now := time.Now()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		conversationID, role, content, millis(now))
	if err != nil {
		return Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", millis(now), conversationID); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return Message{ID: id, ConversationID: conversationID, Role: role, Content: content, CreatedAt: now}, nil
}

// Messages returns a conversation's messages in insertion order.
func (c *Conversations) Messages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY id", conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// SEARCH
// =============================================================================

// SearchHit is the first matching message of one conversation.
type SearchHit struct {
	ConversationID int64     `json:"conversation_id"`
	Title          string    `json:"title"`
	Snippet        string    `json:"snippet"`
	Role           string    `json:"role"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// snippetContext is the number of runes kept either side of a match.
const snippetContext = 40

// Search finds the owner's messages containing query, newest first, and
// returns at most one hit per conversation. Matching is case-insensitive for
// ASCII, as SQLite's LIKE is.
func (c *Conversations) Search(ctx context.Context, owner, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + likeEscaper.Replace(query) + "%"
	rows, err := c.db.QueryContext(ctx, `
		SELECT m.conversation_id, c.title, m.role, m.content, c.updated_at
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE c.owner = ? AND m.content LIKE ? ESCAPE '\'
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`, owner, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	seen := make(map[int64]bool)
	hits := []SearchHit{}
	for rows.Next() {
		var (
			h       SearchHit
			content string
			updated int64
		)
		if err := rows.Scan(&h.ConversationID, &h.Title, &h.Role, &content, &updated); err != nil {
			return nil, err
		}
		if seen[h.ConversationID] {
			continue
		}
		seen[h.ConversationID] = true
		h.UpdatedAt = fromMillis(updated)
		h.Snippet = snippet(content, query)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// snippet returns the text around the first case-insensitive match of query,
// with ellipses where it was cut.
func snippet(content, query string) string {
	text := []rune(content)
	lower := []rune(strings.ToLower(content))
	q := []rune(strings.ToLower(query))
	if len(lower) != len(text) {
		lower = text
	}

	idx := indexRunes(lower, q)
	if idx < 0 {
		idx = 0
	}
	start := max(0, idx-snippetContext)
	end := min(len(text), idx+len(q)+snippetContext)

	out := string(text[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(text) {
		out += "..."
	}
	return out
}

func indexRunes(s, sub []rune) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		match := true
		for j := range sub {
			if s[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
