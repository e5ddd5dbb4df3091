// Package client is the reconnecting event channel of one local session.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/pairline/internal/dispatch"
	"github.com/dkeye/pairline/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("not connected")

// Handler receives decoded events on the dispatch loop.
type Handler func(domain.Event)

type Options struct {
	// URL is the channel base, e.g. ws://host:8080/api/ws. The user id and
	// username are appended as path segments.
	URL       string
	UserID    domain.UserID
	Username  string
	Backoff   Backoff
	WriteWait time.Duration
	Dialer    *websocket.Dialer
	Clock     clock.Clock
}

type subscription struct {
	h Handler
}

// Transport owns the logical connection. Sends while disconnected fail fast
// with ErrNotConnected; nothing is queued for replay.
type Transport struct {
	opts   Options
	loop   *dispatch.Loop
	clk    clock.Clock
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	conn      *websocket.Conn
	connected bool
	attempt   int
	timer     *clock.Timer
	closed    bool

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[domain.EventType][]*subscription
	status []func(bool)
}

func New(loop *dispatch.Loop, opts Options) *Transport {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.WriteWait == 0 {
		opts.WriteWait = 5 * time.Second
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Transport{
		opts:   opts,
		loop:   loop,
		clk:    clk,
		dialer: dialer,
		logger: log.With().Str("module", "client.transport").Str("user", string(opts.UserID)).Logger(),
		subs:   make(map[domain.EventType][]*subscription),
	}
}

func (t *Transport) endpoint() string {
	return fmt.Sprintf("%s/%s/%s",
		strings.TrimRight(t.opts.URL, "/"),
		url.PathEscape(string(t.opts.UserID)),
		url.PathEscape(t.opts.Username))
}

// Connect starts the first dial. Failures are retried on the backoff
// schedule until Close or ctx is done.
func (t *Transport) Connect(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
	go func() {
		<-ctx.Done()
		t.Close()
	}()
	go t.dial()
}

func (t *Transport) dial() {
	t.mu.Lock()
	ctx, closed := t.ctx, t.closed
	t.mu.Unlock()
	if closed || ctx == nil {
		return
	}

	conn, _, err := t.dialer.DialContext(ctx, t.endpoint(), nil)
	if err != nil {
		t.logger.Warn().Err(err).Msg("dial failed")
		t.scheduleReconnect()
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.connected = true
	t.attempt = 0
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.logger.Info().Msg("connected")
	t.notifyStatus(true)
	go t.readLoop(conn)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(conn, err)
			return
		}
		ev, err := domain.Decode(data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping inbound frame")
			continue
		}
		t.dispatch(ev)
	}
}

func (t *Transport) handleClose(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.connected = false
	closed := t.closed
	t.mu.Unlock()
	_ = conn.Close()

	if closed {
		return
	}
	t.logger.Warn().Err(err).Msg("channel closed")
	t.notifyStatus(false)
	t.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.timer != nil {
		return
	}
	delay := t.opts.Backoff.next(t.attempt)
	t.attempt++
	t.logger.Info().Int("attempt", t.attempt).Dur("delay", delay).Msg("reconnect scheduled")
	t.timer = t.clk.AfterFunc(delay, func() {
		t.mu.Lock()
		t.timer = nil
		t.mu.Unlock()
		t.dial()
	})
}

func (t *Transport) dispatch(ev domain.Event) {
	t.loop.Post(func() {
		t.subsMu.Lock()
		subs := append([]*subscription(nil), t.subs[ev.Kind()]...)
		t.subsMu.Unlock()
		if len(subs) == 0 {
			t.logger.Debug().Str("type", string(ev.Kind())).Msg("no subscriber")
			return
		}
		for _, s := range subs {
			s.h(ev)
		}
	})
}

func (t *Transport) notifyStatus(connected bool) {
	t.loop.Post(func() {
		t.subsMu.Lock()
		fns := slices.Clone(t.status)
		t.subsMu.Unlock()
		for _, f := range fns {
			f(connected)
		}
	})
}

// Subscribe registers h for events of type typ. The returned func detaches it.
func (t *Transport) Subscribe(typ domain.EventType, h Handler) func() {
	s := &subscription{h: h}
	t.subsMu.Lock()
	t.subs[typ] = append(t.subs[typ], s)
	t.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.subsMu.Lock()
			defer t.subsMu.Unlock()
			list := t.subs[typ]
			for i, cur := range list {
				if cur == s {
					t.subs[typ] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(t.subs[typ]) == 0 {
				delete(t.subs, typ)
			}
		})
	}
}

// OnStatus registers a connectivity callback, run on the dispatch loop.
func (t *Transport) OnStatus(f func(connected bool)) {
	t.subsMu.Lock()
	t.status = append(t.status, f)
	t.subsMu.Unlock()
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) UserID() domain.UserID { return t.opts.UserID }
func (t *Transport) Username() string      { return t.opts.Username }

// Send encodes ev and writes it to the channel.
func (t *Transport) Send(ev domain.Event) error {
	data, err := domain.Encode(ev)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.logger.Debug().Str("type", string(ev.Kind())).Msg("send while disconnected")
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", ev.Kind(), err)
	}
	return nil
}

// Close stops reconnecting and closes the channel. It is idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	conn := t.conn
	wasConnected := t.connected
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if wasConnected {
		t.notifyStatus(false)
	}
	t.logger.Info().Msg("transport closed")
}
