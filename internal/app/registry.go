package app

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/pairline/internal/core"
	"github.com/dkeye/pairline/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

var ErrRecipientOffline = errors.New("recipient offline")

// Session is one live connection of a user.
type Session struct {
	User     domain.User
	Conn     core.SignalConnection
	JoinedAt time.Time
}

// Registry tracks at most one live connection per user and broadcasts the
// presence list on every change.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.UserID]*Session
	order    []domain.UserID

	// presenceMu keeps users-update frames in mutation order on every conn.
	presenceMu sync.Mutex

	policy Policy
	now    func() time.Time
}

func NewRegistry(policy Policy) *Registry {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Registry{
		sessions: make(map[domain.UserID]*Session),
		policy:   policy,
		now:      time.Now,
	}
}

// Register binds conn to user, replacing (and closing) any previous
// connection of that user, then broadcasts presence.
func (r *Registry) Register(id domain.UserID, username string, conn core.SignalConnection) {
	r.mu.Lock()
	prev, replaced := r.sessions[id]
	r.sessions[id] = &Session{
		User:     domain.User{ID: id, Username: username},
		Conn:     conn,
		JoinedAt: r.now(),
	}
	if !replaced {
		r.order = append(r.order, id)
	}
	r.mu.Unlock()

	if replaced && prev.Conn != conn {
		prev.Conn.Close()
		log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("replaced previous connection")
	}
	log.Info().Str("module", "app.registry").Str("user", string(id)).Str("username", username).Msg("registered")
	r.broadcastPresence()
}

// Unregister removes the user's session. Absent users are a no-op.
func (r *Registry) Unregister(id domain.UserID) {
	if r.remove(id, nil) {
		r.broadcastPresence()
	}
}

// UnregisterConn removes the user's session only while conn is still the
// bound connection, so a superseded connection cannot evict its successor.
func (r *Registry) UnregisterConn(id domain.UserID, conn core.SignalConnection) bool {
	if !r.remove(id, conn) {
		return false
	}
	r.broadcastPresence()
	return true
}

func (r *Registry) remove(id domain.UserID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || (conn != nil && s.Conn != conn) {
		return false
	}
	delete(r.sessions, id)
	r.order = slices.DeleteFunc(r.order, func(u domain.UserID) bool { return u == id })
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("unregistered")
	return true
}

func (r *Registry) Lookup(id domain.UserID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Snapshot returns the presence list in insertion order.
func (r *Registry) Snapshot() []domain.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(id domain.UserID, _ int) domain.User {
		return r.sessions[id].User
	})
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send delivers f to the user's connection without blocking.
func (r *Registry) Send(id domain.UserID, f core.Frame) error {
	s, ok := r.Lookup(id)
	if !ok {
		return ErrRecipientOffline
	}
	err := s.Conn.TrySend(f)
	if errors.Is(err, core.ErrBackpressure) {
		r.applyPolicy([]Session{s})
	}
	return err
}

// SendEvent encodes ev and delivers it to the user.
func (r *Registry) SendEvent(id domain.UserID, ev domain.Event) error {
	b, err := domain.Encode(ev)
	if err != nil {
		return err
	}
	return r.Send(id, b)
}

func (r *Registry) broadcastPresence() {
	r.presenceMu.Lock()
	r.mu.RLock()
	users := lo.Map(r.order, func(id domain.UserID, _ int) domain.User {
		return r.sessions[id].User
	})
	targets := lo.Map(r.order, func(id domain.UserID, _ int) Session {
		return *r.sessions[id]
	})
	r.mu.RUnlock()

	frame, err := domain.Encode(&domain.UsersUpdate{Users: users})
	if err != nil {
		r.presenceMu.Unlock()
		log.Error().Err(err).Str("module", "app.registry").Msg("encode users-update")
		return
	}

	var dropped []Session
	for _, s := range targets {
		if err := s.Conn.TrySend(frame); err != nil {
			if errors.Is(err, core.ErrBackpressure) {
				dropped = append(dropped, s)
			}
			log.Warn().Err(err).Str("module", "app.registry").Str("user", string(s.User.ID)).Msg("users-update not delivered")
		}
	}
	r.presenceMu.Unlock()
	log.Debug().Str("module", "app.registry").Int("users", len(users)).Int("dropped", len(dropped)).Msg("presence broadcast")

	r.applyPolicy(dropped)
}

func (r *Registry) applyPolicy(slow []Session) {
	for _, s := range slow {
		switch r.policy.OnBackPressure(s) {
		case KickMember:
			log.Warn().Str("module", "app.registry").Str("user", string(s.User.ID)).Msg("kicking slow connection")
			s.Conn.Close()
			r.UnregisterConn(s.User.ID, s.Conn)
		case DropFrame, NoAction:
		}
	}
}
