package chat

import (
	"strings"
	"time"
)

// TitleMaxLen bounds the derived conversation title.
const TitleMaxLen = 50

// Conversation is a persisted chat snapshot. Exactly one conversation is
// active at a time; the store holds the rest.
type Conversation struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Messages          []Message `json:"messages"`
	DraftPrompt       string    `json:"draftPrompt"`
	LastGeneratedText string    `json:"lastGeneratedText,omitempty"`
	// LastValidDiagram is only ever set to text that rendered successfully
	// at least once.
	LastValidDiagram string    `json:"lastValidDiagram,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DeriveTitle summarizes the first user message into a conversation title.
// Truncation counts characters, not bytes, so a multi-byte message is never
// cut mid-rune.
func DeriveTitle(firstUserMessage string) string {
	trimmed := strings.TrimSpace(firstUserMessage)
	runes := []rune(trimmed)
	if len(runes) <= TitleMaxLen {
		return trimmed
	}
	return string(runes[:TitleMaxLen-3]) + "..."
}
