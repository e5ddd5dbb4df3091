package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/pairline/internal/domain"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrMessageExists   = errors.New("message id already used")
)

// MessageStore is the persistence collaborator the router hands chat
// content to. Implementations must be safe for concurrent use.
type MessageStore interface {
	// Save stores a new message. It never overwrites: an id that is
	// already stored yields ErrMessageExists.
	Save(ctx context.Context, m domain.Message) error
	Get(ctx context.Context, id string) (domain.Message, error)
	MarkRead(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Edit(ctx context.Context, id, text string, at time.Time) error
	React(ctx context.Context, id string, user domain.UserID, emoji string) error
	Conversation(ctx context.Context, a, b domain.UserID) ([]domain.Message, error)
	Unread(ctx context.Context, user domain.UserID) ([]domain.Message, error)
	Close() error
}
