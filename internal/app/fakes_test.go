package app

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/pairline/internal/core"
	"github.com/dkeye/pairline/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	full   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) all() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Frame(nil), c.frames...)
}

// ofType returns the raw frames with the given discriminant.
func (c *fakeConn) ofType(t domain.EventType) []core.Frame {
	var out []core.Frame
	for _, f := range c.all() {
		if typ, _ := domain.PeekType(f); typ == t {
			out = append(out, f)
		}
	}
	return out
}

// lastPresence decodes the most recent users-update frame.
func (c *fakeConn) lastPresence() []domain.User {
	frames := c.ofType(domain.TypeUsersUpdate)
	if len(frames) == 0 {
		return nil
	}
	var uu domain.UsersUpdate
	if err := json.Unmarshal(frames[len(frames)-1], &uu); err != nil {
		panic(err)
	}
	return uu.Users
}
