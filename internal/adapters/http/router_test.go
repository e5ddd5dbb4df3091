package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/pairline/internal/adapters/storage"
	"github.com/dkeye/pairline/internal/app"
	"github.com/dkeye/pairline/internal/config"
	"github.com/dkeye/pairline/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type server struct {
	*httptest.Server
	reg   *app.Registry
	store *storage.MemoryStore
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:       "test",
		StaticPath: t.TempDir(),
		ReadLimit:  32768,
		PingPeriod: time.Second,
		PongWait:   2 * time.Second,
		WriteWait:  time.Second,
		SendBuffer: 16,
		Secret:     "test-secret",
	}
	reg := app.NewRegistry(app.SimplePolicy{})
	store := storage.NewMemoryStore()
	router := app.NewRouter(reg, store, app.NewRateLimiter(5, time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(SetupRouter(ctx, cfg, Deps{Registry: reg, Router: router, Store: store}))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return &server{Server: ts, reg: reg, store: store}
}

func (s *server) dial(t *testing.T, id, username string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/ws/" + id + "/" + username
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// readUntil returns the first frame of type typ.
func readUntil(t *testing.T, c *websocket.Conn, typ domain.EventType) domain.Event {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		ev, err := domain.Decode(data)
		require.NoError(t, err)
		if ev.Kind() == typ {
			return ev
		}
	}
}

func TestWS_PresenceAndForwarding(t *testing.T) {
	req := require.New(t)
	srv := newServer(t)

	alice := srv.dial(t, "alice", "Alice")
	first := readUntil(t, alice, domain.TypeUsersUpdate).(*domain.UsersUpdate)
	req.Equal([]domain.User{{ID: "alice", Username: "Alice"}}, first.Users)

	bob := srv.dial(t, "bob", "Bob")
	both := readUntil(t, alice, domain.TypeUsersUpdate).(*domain.UsersUpdate)
	req.Equal([]domain.User{{ID: "alice", Username: "Alice"}, {ID: "bob", Username: "Bob"}}, both.Users)
	readUntil(t, bob, domain.TypeUsersUpdate)

	frame := `{"type":"call-user","from_user_id":"alice","from_username":"Alice","to_user_id":"bob","video_enabled":true}`
	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte(frame)))

	req.NoError(bob.SetReadDeadline(time.Now().Add(2 * time.Second)))
	for {
		_, data, err := bob.ReadMessage()
		req.NoError(err)
		if strings.Contains(string(data), `"call-user"`) {
			req.Equal(frame, string(data))
			break
		}
	}

	req.NoError(bob.Close())
	left := readUntil(t, alice, domain.TypeUsersUpdate).(*domain.UsersUpdate)
	req.Equal([]domain.User{{ID: "alice", Username: "Alice"}}, left.Users)
}

func TestWS_PingPong(t *testing.T) {
	req := require.New(t)
	srv := newServer(t)
	alice := srv.dial(t, "alice", "Alice")

	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	req.Equal(domain.TypePong, readUntil(t, alice, domain.TypePong).Kind())
}

func TestWS_RejectsInvalidIdentity(t *testing.T) {
	req := require.New(t)
	srv := newServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/" + strings.Repeat("x", 80) + "/name"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	req.Error(err)
	req.NotNil(resp)
	req.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestREST_UsersAndHistory(t *testing.T) {
	req := require.New(t)
	srv := newServer(t)

	alice := srv.dial(t, "alice", "Alice")
	readUntil(t, alice, domain.TypeUsersUpdate)

	// bob is offline: the message is kept as unread
	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte(
		`{"type":"send-message","message_id":"m1","from_user_id":"alice","from_username":"Alice","to_user_id":"bob","message":"hi"}`)))

	var unread []domain.Message
	req.Eventually(func() bool {
		resp, err := http.Get(srv.URL + "/api/messages/unread/bob")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		unread = nil
		return json.NewDecoder(resp.Body).Decode(&unread) == nil && len(unread) == 1
	}, 2*time.Second, 10*time.Millisecond)
	req.Equal("hi", unread[0].Message)

	resp, err := http.Get(srv.URL + "/api/messages/alice/bob")
	req.NoError(err)
	var conv []domain.Message
	req.NoError(json.NewDecoder(resp.Body).Decode(&conv))
	resp.Body.Close()
	req.Len(conv, 1)
	req.Equal("m1", conv[0].ID)

	resp, err = http.Post(srv.URL+"/api/messages/m1/read", "application/json", nil)
	req.NoError(err)
	resp.Body.Close()
	req.Equal(http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/messages/missing/read", "application/json", nil)
	req.NoError(err)
	resp.Body.Close()
	req.Equal(http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/users")
	req.NoError(err)
	var users []domain.User
	req.NoError(json.NewDecoder(resp.Body).Decode(&users))
	resp.Body.Close()
	req.Equal([]domain.User{{ID: "alice", Username: "Alice"}}, users)
}

func TestREST_Session(t *testing.T) {
	req := require.New(t)
	srv := newServer(t)
	router := srv.Config.Handler

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	req.Equal(http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{"id":"alice"}`)))
	req.Equal(http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{"id":"alice","username":"Alice"}`)))
	req.Equal(http.StatusOK, w.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	for _, c := range w.Result().Cookies() {
		getReq.AddCookie(c)
	}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, getReq)
	req.Equal(http.StatusOK, w.Code)
	var u domain.User
	req.NoError(json.Unmarshal(w.Body.Bytes(), &u))
	req.Equal(domain.User{ID: "alice", Username: "Alice"}, u)
}
