// Package history serves past-conversation queries: the message log between
// two identities and the contact list with aggregate chat time.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taralok/consult/internal/errs"
	"github.com/taralok/consult/internal/repository"
)

type Service struct {
	repo repository.Repository
}

func NewService(repo repository.Repository) *Service {
	return &Service{repo: repo}
}

// ChatContact is one entry of the contact list: a counterpart the identity
// has exchanged messages with, plus the time the pair spent chatting.
type ChatContact struct {
	IdentityID     string `json:"identityId"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	Role           string `json:"role"`
	TotalChatTime  string `json:"totalChatTime"`
}

// Conversation returns the full message log between two identities across
// every room they shared, oldest first.
func (s *Service) Conversation(ctx context.Context, identityID, counterpartID string) ([]repository.Message, error) {
	if _, err := s.repo.GetIdentity(ctx, identityID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.NotFound("identity %s not found", identityID)
		}
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	messages, err := s.repo.ListMessagesBetween(ctx, identityID, counterpartID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return messages, nil
}

// Contacts lists every identity the given identity has chatted with,
// decorated with the aggregate chat time for the pair.
func (s *Service) Contacts(ctx context.Context, identityID string) ([]ChatContact, error) {
	if _, err := s.repo.GetIdentity(ctx, identityID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.NotFound("identity %s not found", identityID)
		}
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	counterparts, err := s.repo.ListCounterparts(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list counterparts: %w", err)
	}

	contacts := make([]ChatContact, 0, len(counterparts))
	for _, counterpart := range counterparts {
		messages, err := s.repo.ListMessagesBetween(ctx, identityID, counterpart.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversation with %s: %w", counterpart.ID, err)
		}
		contacts = append(contacts, ChatContact{
			IdentityID:     counterpart.ID,
			Name:           counterpart.DisplayName,
			ProfilePicture: counterpart.ProfilePicture,
			Role:           string(counterpart.Role),
			TotalChatTime:  formatChatTime(totalChatTime(messages)),
		})
	}
	return contacts, nil
}

// totalChatTime sums the gaps between consecutive messages of a
// conversation. Messages must be ordered oldest first.
func totalChatTime(messages []repository.Message) time.Duration {
	var total time.Duration
	for i := 1; i < len(messages); i++ {
		gap := messages[i].SentAt.Sub(messages[i-1].SentAt)
		if gap > 0 {
			total += gap
		}
	}
	return total
}

func formatChatTime(d time.Duration) string {
	totalSeconds := int64(d.Seconds())
	return fmt.Sprintf("%d min %d sec", totalSeconds/60, totalSeconds%60)
}
