package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dkeye/pairline/internal/core"
	"github.com/dkeye/pairline/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const messagePrefix = "msg:"

// BadgerStore persists messages in BadgerDB under "msg:{id}".
type BadgerStore struct {
	db *badger.DB
}

var _ core.MessageStore = (*BadgerStore)(nil)

// OpenBadger opens (or creates) a store at path. An empty path opens an
// in-memory database.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func messageKey(id string) []byte { return []byte(messagePrefix + id) }

func (s *BadgerStore) Save(_ context.Context, m domain.Message) error {
	bytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(messageKey(m.ID))
		if err == nil {
			return core.ErrMessageExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(messageKey(m.ID), bytes)
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (domain.Message, error) {
	var m domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return core.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &m)
		})
	})
	if err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// update is a read-modify-write inside one transaction; badger retries are
// left to the caller since every router update is best effort.
func (s *BadgerStore) update(id string, fn func(*domain.Message)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return core.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var m domain.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		fn(&m)
		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return txn.Set(messageKey(id), out)
	})
}

func (s *BadgerStore) MarkRead(_ context.Context, id string) error {
	return s.update(id, func(m *domain.Message) { m.Read = true })
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	return s.update(id, func(m *domain.Message) { m.Deleted = true })
}

func (s *BadgerStore) Edit(_ context.Context, id, text string, at time.Time) error {
	return s.update(id, func(m *domain.Message) {
		m.Message = text
		m.EditedAt = lo.ToPtr(at.UTC())
	})
}

func (s *BadgerStore) React(_ context.Context, id string, user domain.UserID, emoji string) error {
	return s.update(id, func(m *domain.Message) { m.ToggleReaction(user, emoji) })
}

func (s *BadgerStore) Conversation(ctx context.Context, a, b domain.UserID) ([]domain.Message, error) {
	return s.scan(ctx, func(m *domain.Message) bool { return m.Between(a, b) })
}

func (s *BadgerStore) Unread(ctx context.Context, user domain.UserID) ([]domain.Message, error) {
	return s.scan(ctx, func(m *domain.Message) bool { return m.ToUserID == user && !m.Read })
}

func (s *BadgerStore) scan(ctx context.Context, keep func(*domain.Message) bool) ([]domain.Message, error) {
	var out []domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(messagePrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var m domain.Message
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			})
			if err != nil {
				log.Warn().Err(err).Str("module", "storage.badger").Str("key", string(it.Item().Key())).Msg("skipping undecodable message")
				continue
			}
			if keep(&m) {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByTimestamp(out)
	return out, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }
