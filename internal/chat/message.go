package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message. Finalized messages are immutable; only
// the in-flight assistant placeholder has its Content/Reasoning replaced,
// and only with cumulative supersets of what is already there.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Conversation is an ordered, chronological message sequence with a title
// derived once from its first user message.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

const (
	defaultTitle  = "New Chat"
	titleMaxWords = 5
	titleMaxRunes = 30
)

func newID() string { return uuid.NewString() }

func nowMillis() int64 { return time.Now().UnixMilli() }

// deriveTitle builds a conversation title from its first message: the first
// five words joined by single spaces, truncated to 30 characters with a
// trailing ellipsis when longer.
func deriveTitle(content string) string {
	words := strings.Fields(content)
	if len(words) > titleMaxWords {
		words = words[:titleMaxWords]
	}
	joined := strings.Join(words, " ")
	if r := []rune(joined); len(r) > titleMaxRunes {
		return string(r[:titleMaxRunes]) + "..."
	}
	if joined == "" {
		return defaultTitle
	}
	return joined
}
