package chat

import (
	"strings"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation. Messages are append-only: once
// stored they are never edited or reordered.
type Message struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// Conversation is an ordered, append-only sequence of messages owned by
// one user.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const titleMaxLen = 50

// TitleFromFirstMessage derives a conversation title from the opening
// user message, truncated with an ellipsis past 50 characters.
func TitleFromFirstMessage(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= titleMaxLen {
		return trimmed
	}
	return trimmed[:titleMaxLen] + "..."
}

// EstimateTokens approximates the token count of a text. It is a coarse
// character heuristic, so budgets derived from it are soft ceilings and
// callers should leave headroom.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateMessageTokens sums the token estimate over messages, including
// a small per-message overhead for role framing.
func EstimateMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Text) + 4
	}
	return total
}
