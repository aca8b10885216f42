package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/chat"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/ashureev/shsh-chat/internal/middleware"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greeting = "Hi! Ask me anything."

// echoSession answers with the text it was sent, prefixed.
type echoSession struct {
	mu   sync.Mutex
	sent []string
}

func (s *echoSession) SendMessage(_ context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return "echo: " + text, nil
}

func (s *echoSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type testEnv struct {
	registry *chat.Registry
	conns    *ConnManager
	session  *echoSession
	server   *httptest.Server
}

func newTestEnv(t *testing.T, configure ...func(*Handler)) *testEnv {
	t.Helper()
	session := &echoSession{}
	reg := chat.NewRegistry(chat.RegistryConfig{
		Factory:  func(context.Context) (chat.Session, error) { return session, nil },
		Greeting: greeting,
		Timeout:  time.Second,
	})
	conns := NewConnManager()
	h := NewHandler(reg, conns, nil, []string{"*"}, true)
	for _, fn := range configure {
		fn(h)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := identity.WithIdentity(r.Context(), "anon_1", r.URL.Query().Get(identity.SessionQueryParam))
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(func() {
		srv.Close()
		reg.CloseAll()
	})
	return &testEnv{registry: reg, conns: conns, session: session, server: srv}
}

func (e *testEnv) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/chat?session_id=" + sessionID
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg Inbound) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, msg))
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, ws *websocket.Conn, match func(Outbound) bool) Outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var frame Outbound
		require.NoError(t, wsjson.Read(ctx, ws, &frame))
		if match(frame) {
			return frame
		}
	}
}

func settledWith(n int) func(Outbound) bool {
	return func(f Outbound) bool {
		return f.Type == TypeState && !f.State.InFlight && len(f.State.Transcript) == n
	}
}

func TestInitialStateFrame(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ws := env.dial(t, "tab-1")

	var frame Outbound
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Read(ctx, ws, &frame))

	assert.Equal(t, TypeState, frame.Type)
	require.NotNil(t, frame.State)
	require.Len(t, frame.State.Transcript, 1)
	assert.Equal(t, greeting, frame.State.Transcript[0].Text)
	assert.Equal(t, 1, env.conns.Len())
}

func TestSubmitPushesReply(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ws := env.dial(t, "tab-1")
	readUntil(t, ws, settledWith(1))

	send(t, ws, Inbound{Type: TypeSubmit, Text: "hello"})

	frame := readUntil(t, ws, settledWith(3))
	assert.Equal(t, "hello", frame.State.Transcript[1].Text)
	assert.Equal(t, "echo: hello", frame.State.Transcript[2].Text)
	assert.Empty(t, frame.State.Error)
}

func TestKeyCommitRule(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ws := env.dial(t, "tab-1")
	readUntil(t, ws, settledWith(1))

	// Shift+Enter does not submit; the pong proves the frame was handled.
	send(t, ws, Inbound{Type: TypeKey, Key: "Enter", Shift: true, Text: "line one"})
	send(t, ws, Inbound{Type: TypePing})
	frame := readUntil(t, ws, func(f Outbound) bool { return f.Type == TypePong || f.Type == TypeState })
	assert.Equal(t, TypePong, frame.Type)
	assert.Empty(t, env.session.Sent())

	send(t, ws, Inbound{Type: TypeKey, Key: "Enter", Text: "line one\nline two"})
	frame = readUntil(t, ws, settledWith(3))
	assert.Equal(t, "line one\nline two", frame.State.Transcript[1].Text)
	assert.Equal(t, []string{"line one\nline two"}, env.session.Sent())
}

func TestEmptySubmitSendsNotice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ws := env.dial(t, "tab-1")
	readUntil(t, ws, settledWith(1))

	send(t, ws, Inbound{Type: TypeSubmit, Text: "  "})

	frame := readUntil(t, ws, func(f Outbound) bool { return f.Type == TypeNotice })
	assert.Equal(t, chat.Notice(chat.ErrEmptyMessage), frame.Message)
	assert.Empty(t, env.session.Sent())
}

func TestResetFollowsNewConversation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ws := env.dial(t, "tab-1")
	readUntil(t, ws, settledWith(1))

	send(t, ws, Inbound{Type: TypeSubmit, Text: "hello"})
	readUntil(t, ws, settledWith(3))

	send(t, ws, Inbound{Type: TypeReset})
	readUntil(t, ws, settledWith(1))

	// The new conversation keeps streaming on the same connection.
	send(t, ws, Inbound{Type: TypeSubmit, Text: "again"})
	frame := readUntil(t, ws, settledWith(3))
	assert.Equal(t, "echo: again", frame.State.Transcript[2].Text)
}

func TestTabsAreIsolated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	one := env.dial(t, "tab-1")
	two := env.dial(t, "tab-2")
	readUntil(t, one, settledWith(1))
	readUntil(t, two, settledWith(1))

	send(t, one, Inbound{Type: TypeSubmit, Text: "only here"})
	readUntil(t, one, settledWith(3))

	send(t, two, Inbound{Type: TypePing})
	frame := readUntil(t, two, func(f Outbound) bool { return f.Type == TypePong || f.Type == TypeState })
	assert.Equal(t, TypePong, frame.Type)

	ctrl, ok := env.registry.Lookup("anon_1", "tab-2")
	require.True(t, ok)
	assert.Len(t, ctrl.Snapshot().Transcript, 1)
}

func TestExpiredConversationEndsConnection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ws := env.dial(t, "tab-1")
	readUntil(t, ws, settledWith(1))

	require.True(t, env.registry.Close("anon_1", "tab-1"))

	frame := readUntil(t, ws, func(f Outbound) bool { return f.Type == TypeNotice })
	assert.Equal(t, chat.Notice(chat.ErrClosed), frame.Message)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var next Outbound
	assert.Error(t, wsjson.Read(ctx, ws, &next))
}

func TestConnManagerCloseSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ws := env.dial(t, "tab-1")
	readUntil(t, ws, settledWith(1))

	// Close blocks on the close handshake, which this side answers by reading.
	go env.conns.CloseSession("anon_1", "tab-1")
	env.conns.CloseSession("anon_1", "missing")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame Outbound
	err := wsjson.Read(ctx, ws, &frame)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Eventually(t, func() bool { return env.conns.GetActive("anon_1", "tab-1") == nil }, 5*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, NewConnManager(), nil, []string{"https://chat.example.com"}, false)
	req := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	assert.True(t, h.checkOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://chat.example.com")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(req))

	h.isDev = true
	assert.True(t, h.checkOrigin(req))
}

func TestSubmitRateLimited(t *testing.T) {
	t.Parallel()
	var limited atomic.Int32
	env := newTestEnv(t, func(h *Handler) {
		h.SetRateLimit(middleware.NewRateLimiter(2, time.Minute), func() { limited.Add(1) })
	})

	ws := env.dial(t, "tab-1")
	readUntil(t, ws, settledWith(1))

	send(t, ws, Inbound{Type: TypeSubmit, Text: "one"})
	readUntil(t, ws, settledWith(3))
	send(t, ws, Inbound{Type: TypeKey, Key: "Enter", Text: "two"})
	readUntil(t, ws, settledWith(5))

	send(t, ws, Inbound{Type: TypeSubmit, Text: "three"})
	frame := readUntil(t, ws, func(f Outbound) bool { return f.Type == TypeNotice })
	assert.Equal(t, RateLimitedNotice, frame.Message)
	assert.Equal(t, []string{"one", "two"}, env.session.Sent())
	assert.Equal(t, int32(1), limited.Load())

	// Another tab of the same user shares the budget.
	other := env.dial(t, "tab-2")
	readUntil(t, other, settledWith(1))
	send(t, other, Inbound{Type: TypeSubmit, Text: "four"})
	frame = readUntil(t, other, func(f Outbound) bool { return f.Type == TypeNotice })
	assert.Equal(t, RateLimitedNotice, frame.Message)
	assert.Len(t, env.session.Sent(), 2)
}
