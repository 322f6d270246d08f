package store

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inklet-app/diagramchat/backend/internal/model/chat"
	"github.com/inklet-app/diagramchat/backend/internal/session"
)

// DefaultMaxConversations is the retention cap when none is configured.
const DefaultMaxConversations = 10

var timeNow = func() time.Time { return time.Now().UTC() }

// Service applies the conversation retention policy on top of the database:
// implicit save on navigation, title derivation, capacity pruning.
// Persistence is best-effort; failures are logged, never surfaced.
type Service struct {
	db      *Database
	session *session.Session
	logger  *zap.Logger
	max     int
}

// NewService binds the database to the active session.
func NewService(db *Database, sess *session.Session, maxConversations int, logger *zap.Logger) *Service {
	if maxConversations <= 0 {
		maxConversations = DefaultMaxConversations
	}
	return &Service{
		db:      db,
		session: sess,
		logger:  logger,
		max:     maxConversations,
	}
}

// SaveActive upserts the active conversation. Skipped while the conversation
// has no messages or no user turn yet. An unchanged message list keeps the
// stored update time so re-saves don't reorder the history menu.
func (s *Service) SaveActive() {
	snap := s.session.Snapshot()
	if len(snap.Messages) == 0 {
		return
	}

	var firstUser string
	for _, msg := range snap.Messages {
		if msg.Role == chat.RoleUser {
			firstUser = msg.Content
			break
		}
	}
	if firstUser == "" {
		return
	}
	snap.Title = chat.DeriveTitle(firstUser)

	existing, found, err := s.db.Get(snap.ID)
	if err != nil {
		s.logger.Warn("failed to load stored conversation", zap.Error(err), zap.String("id", snap.ID))
	}

	if found && !messagesChanged(existing.Messages, snap.Messages) {
		snap.UpdatedAt = existing.UpdatedAt
	} else {
		snap.UpdatedAt = timeNow()
	}

	if err := s.db.Upsert(snap); err != nil {
		s.logger.Warn("failed to persist conversation", zap.Error(err), zap.String("id", snap.ID))
		return
	}
	if err := s.db.Prune(s.max); err != nil {
		s.logger.Warn("failed to prune conversations", zap.Error(err))
	}
}

func messagesChanged(stored, current []chat.Message) bool {
	if len(stored) != len(current) {
		return true
	}
	for i := range stored {
		if stored[i].ID != current[i].ID || stored[i].Content != current[i].Content {
			return true
		}
	}
	return false
}

// List returns saved conversations, most recent first.
func (s *Service) List() []chat.Conversation {
	conversations, err := s.db.List()
	if err != nil {
		s.logger.Warn("failed to list conversations", zap.Error(err))
		return nil
	}
	return conversations
}

// Restore flushes the active conversation and switches to the stored one.
func (s *Service) Restore(id string) (chat.Conversation, bool) {
	s.SaveActive()

	conv, found, err := s.db.Get(id)
	if err != nil {
		s.logger.Warn("failed to restore conversation", zap.Error(err), zap.String("id", id))
		return chat.Conversation{}, false
	}
	if !found {
		return chat.Conversation{}, false
	}

	s.session.Restore(conv)
	return conv, true
}

// Delete removes a stored conversation and returns the remaining list.
func (s *Service) Delete(id string) []chat.Conversation {
	if err := s.db.Delete(id); err != nil {
		s.logger.Warn("failed to delete conversation", zap.Error(err), zap.String("id", id))
	}
	return s.List()
}

// CreateFresh flushes the active conversation and resets the session to a
// new empty conversation, returning its id.
func (s *Service) CreateFresh() string {
	s.SaveActive()
	id := uuid.NewString()
	s.session.Reset(id)
	return id
}
