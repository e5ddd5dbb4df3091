package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/pairline/internal/core"
	"github.com/dkeye/pairline/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// MemoryStore keeps messages for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*domain.Message
	order []string
}

var _ core.MessageStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*domain.Message)}
}

func (s *MemoryStore) Save(_ context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return core.ErrMessageExists
	}
	s.order = append(s.order, m.ID)
	s.byID[m.ID] = &m
	log.Debug().Str("module", "storage.memory").Str("id", m.ID).Msg("message saved")
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return domain.Message{}, core.ErrMessageNotFound
	}
	return cloneMessage(*m), nil
}

func (s *MemoryStore) update(id string, fn func(*domain.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return core.ErrMessageNotFound
	}
	fn(m)
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id string) error {
	return s.update(id, func(m *domain.Message) { m.Read = true })
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	return s.update(id, func(m *domain.Message) { m.Deleted = true })
}

func (s *MemoryStore) Edit(_ context.Context, id, text string, at time.Time) error {
	return s.update(id, func(m *domain.Message) {
		m.Message = text
		m.EditedAt = lo.ToPtr(at.UTC())
	})
}

func (s *MemoryStore) React(_ context.Context, id string, user domain.UserID, emoji string) error {
	return s.update(id, func(m *domain.Message) { m.ToggleReaction(user, emoji) })
}

func (s *MemoryStore) Conversation(_ context.Context, a, b domain.UserID) ([]domain.Message, error) {
	return s.collect(func(m *domain.Message) bool { return m.Between(a, b) }), nil
}

func (s *MemoryStore) Unread(_ context.Context, user domain.UserID) ([]domain.Message, error) {
	return s.collect(func(m *domain.Message) bool { return m.ToUserID == user && !m.Read }), nil
}

func (s *MemoryStore) collect(keep func(*domain.Message) bool) []domain.Message {
	s.mu.RLock()
	out := lo.FilterMap(s.order, func(id string, _ int) (domain.Message, bool) {
		m := s.byID[id]
		if !keep(m) {
			return domain.Message{}, false
		}
		return cloneMessage(*m), true
	})
	s.mu.RUnlock()
	sortByTimestamp(out)
	return out
}

func (s *MemoryStore) Close() error { return nil }

func sortByTimestamp(ms []domain.Message) {
	slices.SortStableFunc(ms, func(x, y domain.Message) int {
		return x.Timestamp.Compare(y.Timestamp)
	})
}

// cloneMessage detaches the reactions map so callers cannot mutate stored state.
func cloneMessage(m domain.Message) domain.Message {
	if m.Reactions != nil {
		r := make(map[string][]domain.UserID, len(m.Reactions))
		for k, v := range m.Reactions {
			r[k] = slices.Clone(v)
		}
		m.Reactions = r
	}
	return m
}
