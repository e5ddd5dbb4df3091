package app

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/pairline/internal/core"
	"github.com/dkeye/pairline/internal/domain"
	"github.com/rs/zerolog/log"
)

const defaultStoreTimeout = 5 * time.Second

// ErrNotPermitted marks an update to a message the sender may not change.
var ErrNotPermitted = errors.New("not permitted")

// Router forwards directed events between connected users. Chat content is
// also handed to the message store; signaling is never persisted.
type Router struct {
	Registry *Registry
	Store    core.MessageStore
	// Invites bounds call-user frequency per sender; nil disables it.
	Invites *RateLimiter

	StoreTimeout time.Duration
	now          func() time.Time
}

func NewRouter(reg *Registry, store core.MessageStore, invites *RateLimiter) *Router {
	return &Router{
		Registry:     reg,
		Store:        store,
		Invites:      invites,
		StoreTimeout: defaultStoreTimeout,
		now:          time.Now,
	}
}

// Receive handles one frame that arrived on from's connection.
func (rt *Router) Receive(ctx context.Context, from domain.UserID, data core.Frame) {
	ev, err := domain.Decode(data)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEvent) {
			log.Warn().Str("module", "app.router").Str("user", string(from)).Err(err).Msg("dropping unknown event")
		} else {
			log.Warn().Str("module", "app.router").Str("user", string(from)).Err(err).Msg("dropping malformed event")
		}
		return
	}

	if ev.Kind() == domain.TypePing {
		_ = rt.Registry.SendEvent(from, &domain.Pong{})
		return
	}
	if ev.To() == "" {
		log.Warn().Str("module", "app.router").Str("user", string(from)).Str("type", string(ev.Kind())).Msg("dropping undirected event")
		return
	}
	if ev.From() != from {
		log.Warn().Str("module", "app.router").Str("user", string(from)).Str("claimed", string(ev.From())).Str("type", string(ev.Kind())).Msg("dropping event with foreign sender")
		return
	}

	switch e := ev.(type) {
	case *domain.SendMessage:
		if !rt.persist(ctx, ev, func(ctx context.Context) error {
			return rt.Store.Save(ctx, domain.NewMessage(e, rt.now()))
		}) {
			return
		}
	case *domain.MessageRead:
		if !rt.persist(ctx, ev, rt.guarded(e.MessageID, inConversation(ev), func(ctx context.Context) error {
			return rt.Store.MarkRead(ctx, e.MessageID)
		})) {
			return
		}
	case *domain.DeleteMessage:
		if !rt.persist(ctx, ev, rt.guarded(e.MessageID, authoredBy(ev), func(ctx context.Context) error {
			return rt.Store.Delete(ctx, e.MessageID)
		})) {
			return
		}
	case *domain.EditMessage:
		if !rt.persist(ctx, ev, rt.guarded(e.MessageID, authoredBy(ev), func(ctx context.Context) error {
			return rt.Store.Edit(ctx, e.MessageID, e.NewMessage, rt.now())
		})) {
			return
		}
	case *domain.ReactMessage:
		if !rt.persist(ctx, ev, rt.guarded(e.MessageID, inConversation(ev), func(ctx context.Context) error {
			return rt.Store.React(ctx, e.MessageID, e.UserID, e.Emoji)
		})) {
			return
		}
	case *domain.CallUser:
		if rt.Invites != nil && !rt.Invites.Allow(from) {
			log.Warn().Str("module", "app.router").Str("user", string(from)).Str("to", string(e.ToUserID)).Msg("call-user rate limited")
			return
		}
	}

	rt.forward(ev, data)
}

// persist runs op against the store and reports whether ev may still be
// forwarded. Store faults are logged and do not block delivery; a refused
// write does.
func (rt *Router) persist(ctx context.Context, ev domain.Event, op func(context.Context) error) bool {
	if rt.Store == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, rt.StoreTimeout)
	defer cancel()
	err := op(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrNotPermitted), errors.Is(err, core.ErrMessageExists):
		log.Warn().Err(err).Str("module", "app.router").Str("user", string(ev.From())).Str("type", string(ev.Kind())).Msg("dropping refused message update")
		return false
	default:
		log.Error().Err(err).Str("module", "app.router").Str("to", string(ev.To())).Msg("message store update failed")
		return true
	}
}

// guarded loads the message first and runs op only when allowed accepts it.
func (rt *Router) guarded(id string, allowed func(domain.Message) bool, op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		m, err := rt.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !allowed(m) {
			return ErrNotPermitted
		}
		return op(ctx)
	}
}

// authoredBy admits only the author writing to the original recipient.
func authoredBy(ev domain.Event) func(domain.Message) bool {
	return func(m domain.Message) bool { return m.SentBy(ev.From(), ev.To()) }
}

// inConversation admits either end of the message writing to the other.
func inConversation(ev domain.Event) func(domain.Message) bool {
	return func(m domain.Message) bool { return m.Between(ev.From(), ev.To()) }
}

// forward relays the original frame unmodified.
func (rt *Router) forward(ev domain.Event, data core.Frame) {
	err := rt.Registry.Send(ev.To(), data)
	switch {
	case err == nil:
		log.Debug().Str("module", "app.router").Str("type", string(ev.Kind())).Str("from", string(ev.From())).Str("to", string(ev.To())).Msg("forwarded")
	case errors.Is(err, ErrRecipientOffline) && ev.Kind().IsSignaling():
		log.Debug().Str("module", "app.router").Str("type", string(ev.Kind())).Str("to", string(ev.To())).Msg("signaling dropped, recipient offline")
	case errors.Is(err, ErrRecipientOffline):
		log.Debug().Str("module", "app.router").Str("type", string(ev.Kind())).Str("to", string(ev.To())).Msg("recipient offline, kept in store")
	default:
		log.Warn().Err(err).Str("module", "app.router").Str("type", string(ev.Kind())).Str("to", string(ev.To())).Msg("forward failed")
	}
}

// Disconnected releases per-user router state.
func (rt *Router) Disconnected(id domain.UserID) {
	if rt.Invites != nil {
		rt.Invites.Forget(id)
	}
}
