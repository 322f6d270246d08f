// Package session holds the mutable state of the active conversation: the
// message ledger, the draft prompt, generation artifacts and the last known
// rate-limit snapshot.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inklet-app/diagramchat/backend/internal/model/chat"
)

// Messages sent upstream: the most recent user message plus at most the last
// two assistant messages. Bounded on purpose, full history does not fit the
// upstream context window comfortably.
const projectedAssistantMessages = 2

// Session is the explicit state object for one open conversation. All
// mutation goes through its methods; handlers read snapshots.
type Session struct {
	mu            sync.RWMutex
	id            string
	messages      []chat.Message
	draftPrompt   string
	lastGenerated string
	lastValid     string
	rateLimits    *chat.RateLimits
}

// New creates an empty session with a fresh conversation id.
func New() *Session {
	return &Session{id: uuid.NewString()}
}

// ID returns the active conversation id.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Reset clears every per-conversation field and switches to the given id.
// Rate limits survive, they belong to the client, not the conversation.
func (s *Session) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.messages = nil
	s.draftPrompt = ""
	s.lastGenerated = ""
	s.lastValid = ""
}

// Append assigns an id and timestamp and appends the message, returning the
// stored copy.
func (s *Session) Append(msg chat.Message) chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, msg)
	return msg
}

// UpdateLastByRole applies fn to the last message with the given role. The
// last matching message is not necessarily the tail: a system notice may sit
// after the assistant placeholder. Returns false if no message matched.
func (s *Session) UpdateLastByRole(role chat.Role, fn func(*chat.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == role {
			fn(&s.messages[i])
			return true
		}
	}
	return false
}

// AppendDelta concatenates a streaming fragment onto the last message with
// the given role. Safe to call at fragment arrival rate.
func (s *Session) AppendDelta(role chat.Role, delta string) bool {
	return s.UpdateLastByRole(role, func(m *chat.Message) {
		m.Content += delta
	})
}

// RemoveLast drops the tail message, used to discard the pending assistant
// placeholder when the daily quota is exhausted mid-request.
func (s *Session) RemoveLast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > 0 {
		s.messages = s.messages[:len(s.messages)-1]
	}
}

// DeleteMessage removes the assistant message with the given id together
// with everything after it and the user prompt immediately before it
// (clamped at the start of the conversation). It returns the content of the
// assistant message that is now the latest, for re-rendering, and whether
// anything was deleted.
func (s *Session) DeleteMessage(id string) (latestAssistant string, deleted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, msg := range s.messages {
		if msg.ID == id && msg.Role == chat.RoleAssistant {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", false
	}

	keep := idx - 1
	if keep < 0 {
		keep = 0
	}
	s.messages = s.messages[:keep]

	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == chat.RoleAssistant {
			return s.messages[i].Content, true
		}
	}
	return "", true
}

// ProjectForAPI builds the bounded role/content list sent upstream.
func (s *Session) ProjectForAPI() []chat.APIMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var projected []chat.APIMessage

	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == chat.RoleUser {
			projected = append(projected, chat.APIMessage{
				Role:    chat.RoleUser,
				Content: s.messages[i].Content,
			})
			break
		}
	}

	var assistants []chat.APIMessage
	for _, msg := range s.messages {
		if msg.Role == chat.RoleAssistant {
			assistants = append(assistants, chat.APIMessage{
				Role:    chat.RoleAssistant,
				Content: msg.Content,
			})
		}
	}
	if len(assistants) > projectedAssistantMessages {
		assistants = assistants[len(assistants)-projectedAssistantMessages:]
	}

	return append(projected, assistants...)
}

// Messages returns a copy of the ledger.
func (s *Session) Messages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make([]chat.Message, len(s.messages))
	copy(copied, s.messages)
	return copied
}

// HasUserMessage reports whether at least one user turn exists.
func (s *Session) HasUserMessage() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages {
		if msg.Role == chat.RoleUser {
			return true
		}
	}
	return false
}

// HasSystemNotice reports whether a system message containing the given text
// is already present, so notices are never duplicated across restores.
func (s *Session) HasSystemNotice(text string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages {
		if msg.Role == chat.RoleSystem && strings.Contains(msg.Content, text) {
			return true
		}
	}
	return false
}

// SetDraft stores the unsent prompt text.
func (s *Session) SetDraft(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draftPrompt = prompt
}

// Draft returns the unsent prompt text.
func (s *Session) Draft() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draftPrompt
}

// SetLastGenerated records the full accumulated text of the latest
// generation, valid or not.
func (s *Session) SetLastGenerated(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastGenerated = text
}

// LastGenerated returns the full text of the latest generation.
func (s *Session) LastGenerated() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastGenerated
}

// SetLastValid records diagram text that rendered successfully. Callers must
// only pass text the renderer accepted.
func (s *Session) SetLastValid(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastValid = text
}

// ClearLastValid discards the valid-render marker at the start of a new
// generation.
func (s *Session) ClearLastValid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastValid = ""
}

// LastValid returns the most recent successfully rendered diagram text.
func (s *Session) LastValid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastValid
}

// SetRateLimits updates the rate-limit snapshot and returns the previous
// remaining value (nil if none was known).
func (s *Session) SetRateLimits(limit, remaining int) (previousRemaining *int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rateLimits != nil {
		prev := s.rateLimits.Remaining
		previousRemaining = &prev
	}
	s.rateLimits = &chat.RateLimits{Limit: limit, Remaining: remaining}
	return previousRemaining
}

// RateLimits returns a copy of the snapshot, or nil if the endpoint never
// reported one.
func (s *Session) RateLimits() *chat.RateLimits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rateLimits == nil {
		return nil
	}
	limits := *s.rateLimits
	return &limits
}

// Snapshot captures the conversation for persistence. System notices are
// transient and excluded.
func (s *Session) Snapshot() chat.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := make([]chat.Message, 0, len(s.messages))
	for _, msg := range s.messages {
		if msg.Role == chat.RoleSystem {
			continue
		}
		messages = append(messages, msg)
	}

	return chat.Conversation{
		ID:                s.id,
		Messages:          messages,
		DraftPrompt:       s.draftPrompt,
		LastGeneratedText: s.lastGenerated,
		LastValidDiagram:  s.lastValid,
	}
}

// Restore replaces the active state with a stored conversation.
func (s *Session) Restore(conv chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.id = conv.ID
	s.messages = append([]chat.Message(nil), conv.Messages...)
	s.draftPrompt = conv.DraftPrompt
	s.lastGenerated = conv.LastGeneratedText
	s.lastValid = conv.LastValidDiagram
}
