package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"niyya/api/internal/config"
	"niyya/api/internal/notify"
	"niyya/api/internal/presence"
	"niyya/api/internal/ratelimit"
	"niyya/api/internal/store"
)

const testToken = "s3cret"

type harness struct {
	srv      *httptest.Server
	presence *presence.Registry
	store    *store.MemoryStore
}

func newHarness(t *testing.T, maxClients int, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		presence: presence.New(presence.Options{MaxClients: maxClients}),
		store:    store.NewMemoryStore(),
	}
	opts := Options{Token: testToken, Limits: config.Default().Gateway}
	opts.Connections = ratelimit.NewSlidingWindow(1000, time.Minute)
	if mutate != nil {
		mutate(&opts)
	}
	router := notify.NewRouter(h.store, h.presence, nil)
	h.srv = httptest.NewServer(New(h.presence, h.store, router, opts))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, v))
}

func sendText(t *testing.T, c *websocket.Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(text)))
}

func read(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var m map[string]any
	require.NoError(t, wsjson.Read(ctx, c, &m))
	return m
}

func (h *harness) connect(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	c := h.dial(t)
	send(t, c, map[string]string{"token": testToken, "identity": identity})
	m := read(t, c)
	require.Equal(t, "connected", m["type"], "handshake: %v", m)
	return c
}

func (h *harness) waitOffline(t *testing.T, identity string) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.presence.IsOnline(identity) }, 2*time.Second, 5*time.Millisecond)
}

func TestHandshake_Success(t *testing.T) {
	h := newHarness(t, 10, nil)
	c := h.dial(t)
	send(t, c, map[string]string{"token": testToken, "identity": strings.ToUpper(idA)})
	m := read(t, c)
	assert.Equal(t, "connected", m["type"])
	assert.Equal(t, idA, m["identity"])
	assert.Equal(t, float64(1), m["active_clients"])
	assert.True(t, h.presence.IsOnline(idA))
}

func TestHandshake_LegacyClientID(t *testing.T) {
	h := newHarness(t, 10, nil)
	c := h.dial(t)
	send(t, c, map[string]string{"token": testToken, "client_id": idA})
	assert.Equal(t, "connected", read(t, c)["type"])
}

func TestHandshake_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{"bad token", `{"token":"nope","identity":"` + idA + `"}`, "UNAUTHORIZED"},
		{"missing token", `{"identity":"` + idA + `"}`, "VALIDATION_ERROR"},
		{"bad identity", `{"token":"` + testToken + `","identity":"not-hex"}`, "VALIDATION_ERROR"},
		{"not json", `hello`, "UNAUTHORIZED"},
		{"too large", `{"token":"` + testToken + `","identity":"` + idA + `","pad":"` + strings.Repeat("x", 1000) + `"}`, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10, nil)
			c := h.dial(t)
			sendText(t, c, tt.frame)
			m := read(t, c)
			assert.Equal(t, "error", m["type"])
			assert.Equal(t, tt.code, m["code"])
			assert.Equal(t, 0, h.presence.Count(), "nothing registered")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _, err := c.Read(ctx)
			assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
		})
	}
}

func TestHandshake_Timeout(t *testing.T) {
	h := newHarness(t, 10, func(o *Options) { o.Limits.HandshakeTimeout = 50 * time.Millisecond })
	c := h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := c.Read(ctx)
		if err != nil {
			assert.NotEqual(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
	}
	assert.Equal(t, 0, h.presence.Count())
}

// Scenario C.
func TestDuplicateIdentityConflictsUntilFirstDisconnects(t *testing.T) {
	h := newHarness(t, 10, nil)
	first := h.connect(t, idA)

	second := h.dial(t)
	send(t, second, map[string]string{"token": testToken, "identity": idA})
	m := read(t, second)
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, "CONFLICT", m["code"])
	assert.Equal(t, "Client ID already in use", m["message"])
	assert.True(t, h.presence.IsOnline(idA), "the rejected attempt must not evict the first")

	require.NoError(t, first.Close(websocket.StatusNormalClosure, "bye"))
	h.waitOffline(t, idA)

	h.connect(t, idA)
	assert.True(t, h.presence.IsOnline(idA))
}

// Scenario D.
func TestRoutedMessageStoredForOfflineTarget(t *testing.T) {
	h := newHarness(t, 10, nil)
	a := h.connect(t, idA)

	sendText(t, a, idB+"::hello")
	ack := read(t, a)
	assert.Equal(t, "delivered", ack["type"])
	assert.Equal(t, idB, ack["to"])
	assert.Equal(t, false, ack["live"])
	assert.NotEmpty(t, ack["message_id"])

	b := h.connect(t, idB)
	send(t, b, map[string]string{"type": "chat_history", "with": idA})
	hist := read(t, b)
	assert.Equal(t, "chat_history", hist["type"])
	msgs, ok := hist["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	first := msgs[0].(map[string]any)
	assert.Equal(t, ack["message_id"], first["id"])
	assert.Equal(t, idA, first["user_id"])
	assert.Equal(t, "hello", first["body"])
}

func TestRoutedMessageDeliveredLive(t *testing.T) {
	h := newHarness(t, 10, nil)
	a := h.connect(t, idA)
	b := h.connect(t, idB)

	sendText(t, a, idB+"::ping")
	got := read(t, b)
	assert.Equal(t, "message", got["type"])
	assert.Equal(t, idA, got["from"])
	assert.Equal(t, "ping", got["message"])

	ack := read(t, a)
	assert.Equal(t, "delivered", ack["type"])
	assert.Equal(t, true, ack["live"])
	assert.Equal(t, got["message_id"], ack["message_id"])
}

func TestListUsers(t *testing.T) {
	h := newHarness(t, 10, nil)
	a := h.connect(t, idA)
	h.connect(t, idB)

	send(t, a, map[string]string{"type": "list_users"})
	m := read(t, a)
	assert.Equal(t, "online_users", m["type"])
	assert.ElementsMatch(t, []any{idA, idB}, m["users"])
}

func TestThreadMessagePersistsAndNotifies(t *testing.T) {
	h := newHarness(t, 10, nil)
	a := h.connect(t, idA)
	b := h.connect(t, idB)

	send(t, a, map[string]string{"type": "thread_message", "target_user": idB, "thread_id": idT, "thread_title": "Loop"})
	note := read(t, b)
	assert.Equal(t, "thread_message", note["type"])
	assert.Equal(t, idT, note["thread_id"])

	ack := read(t, a)
	assert.Equal(t, "message_sent", ack["type"])
	assert.Equal(t, true, ack["live"])

	msgs, err := h.store.ThreadMessages(context.Background(), idT, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ack["message_id"], msgs[0].ID)
	assert.Equal(t, "thread_message", msgs[0].Metadata["event"])
}

func TestThreadInvitationRelay(t *testing.T) {
	h := newHarness(t, 10, nil)
	a := h.connect(t, idA)

	send(t, a, map[string]string{"type": "thread_invitation", "target_user": idB, "thread_id": idT, "from_user_name": "Ana"})
	ack := read(t, a)
	assert.Equal(t, "invitation_sent", ack["type"])
	assert.Equal(t, false, ack["live"])

	b := h.connect(t, idB)
	send(t, a, map[string]string{"type": "thread_invitation", "target_user": idB, "thread_id": idT, "from_user_name": "Ana"})
	inv := read(t, b)
	assert.Equal(t, "thread_invitation", inv["type"])
	assert.Equal(t, "Ana", inv["from_user_name"])
	assert.Equal(t, true, read(t, a)["live"])
}

func TestActiveFrameErrorsKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, 10, nil)
	a := h.connect(t, idA)

	sendText(t, a, idB+"::"+strings.Repeat("x", 2001))
	m := read(t, a)
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, "Message too large", m["message"])

	sendText(t, a, "no separator")
	m = read(t, a)
	assert.Equal(t, "VALIDATION_ERROR", m["code"])

	send(t, a, map[string]string{"type": "list_users"})
	assert.Equal(t, "online_users", read(t, a)["type"])
}

func TestMessageRateLimit(t *testing.T) {
	h := newHarness(t, 10, func(o *Options) { o.Messages = ratelimit.NewSlidingWindow(2, time.Minute) })
	a := h.connect(t, idA)

	for i := 0; i < 2; i++ {
		send(t, a, map[string]string{"type": "list_users"})
		assert.Equal(t, "online_users", read(t, a)["type"])
	}
	send(t, a, map[string]string{"type": "list_users"})
	m := read(t, a)
	assert.Equal(t, "RATE_LIMITED", m["code"])
}

func TestCapacityRejectedBeforeHandshake(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.connect(t, idA)

	c := h.dial(t)
	m := read(t, c)
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, "CAPACITY", m["code"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	assert.Equal(t, websocket.StatusTryAgainLater, websocket.CloseStatus(err))
}

func TestConnectionRateLimitPerSource(t *testing.T) {
	h := newHarness(t, 10, func(o *Options) { o.Connections = ratelimit.NewSlidingWindow(1, time.Minute) })
	h.connect(t, idA)

	c := h.dial(t)
	m := read(t, c)
	assert.Equal(t, "RATE_LIMITED", m["code"])
	assert.Equal(t, "Too many connection attempts. Please wait.", m["message"])
}

func TestDisconnectUnregistersExactlyOnce(t *testing.T) {
	h := newHarness(t, 10, nil)
	a := h.connect(t, idA)
	h.connect(t, idB)
	require.Equal(t, 2, h.presence.Count())

	a.CloseNow()
	h.waitOffline(t, idA)
	assert.Equal(t, 1, h.presence.Count())
	assert.True(t, h.presence.IsOnline(idB))
}
