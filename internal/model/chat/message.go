package chat

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ErrorKind classifies how an assistant turn failed.
type ErrorKind string

const (
	ErrorKindParse   ErrorKind = "parse"
	ErrorKindNetwork ErrorKind = "network"
	ErrorKindOther   ErrorKind = "other"
)

// Message is a single turn in a conversation. The pending assistant message
// keeps Streaming=true while fragments are still arriving.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Streaming bool      `json:"isStreaming,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
}

// APIMessage is the role/content-only projection sent upstream.
type APIMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
