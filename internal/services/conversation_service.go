package services

import (
	"context"
	"errors"
	"fmt"

	"inteltrace/internal/repository"
	"inteltrace/pkg/models"
)

// ConversationService reads back the conversations AnalysisService records.
type ConversationService struct {
	store AnalysisRepository
}

// NewConversationService creates a new ConversationService.
func NewConversationService(store AnalysisRepository) *ConversationService {
	return &ConversationService{store: store}
}

// List returns the conversations of owner, most recently updated first.
func (s *ConversationService) List(ctx context.Context, owner string, limit int) ([]*models.Conversation, error) {
	return s.store.ListConversations(ctx, owner, limit)
}

// Messages returns the messages of a conversation owned by owner, oldest
// first, each with its analysis attached. Another analyst's conversation is
// reported as not found.
func (s *ConversationService) Messages(ctx context.Context, owner, id string) ([]*models.Message, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Owner != owner {
		return nil, repository.ErrNotFound
	}

	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for _, m := range msgs {
		if m.AnalysisID == "" {
			continue
		}
		a, err := s.store.GetAnalysis(ctx, m.AnalysisID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load analysis %s: %w", m.AnalysisID, err)
		}
		m.Analysis = a
	}
	return msgs, nil
}
