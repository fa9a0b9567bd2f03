package repository

import (
	"context"
	"errors"

	"inteltrace/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a create collides with an existing record.
	ErrConflict = errors.New("already exists")
)

// DefaultListLimit and MaxListLimit bound the list operations.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// AnalysisStore persists analysis results.
type AnalysisStore interface {
	// SaveAnalysis stores a new analysis.
	SaveAnalysis(ctx context.Context, analysis *models.Analysis) error
	// GetAnalysis retrieves an analysis by its ID.
	GetAnalysis(ctx context.Context, id string) (*models.Analysis, error)
	// ListAnalyses returns the newest analyses of owner, or of everyone when
	// owner is empty.
	ListAnalyses(ctx context.Context, owner string, limit int) ([]*models.Analysis, error)
}

// UserStore persists analysts.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// CreateUser returns ErrConflict when the email is taken.
	CreateUser(ctx context.Context, user *models.User) error
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	// CreateConversation returns ErrConflict when the ID is taken.
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// ListConversations returns the conversations of owner, most recently
	// updated first.
	ListConversations(ctx context.Context, owner string, limit int) ([]*models.Conversation, error)
	// AddMessage appends a message and moves the conversation's UpdatedAt
	// forward. It returns ErrNotFound for an unknown conversation.
	AddMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns the messages of a conversation, oldest first.
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
}

// Repository is the full storage surface of the service.
type Repository interface {
	AnalysisStore
	UserStore
	ConversationStore
	Ping(ctx context.Context) error
	Close() error
}

// ClampLimit applies the default and maximum list sizes.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
