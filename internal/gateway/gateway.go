// Package gateway serves the collaboration WebSocket. Each connection walks
// Connecting, Authenticating, Active and Closed in that order; only an Active
// connection holds a presence registration.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"niyya/api/internal/auth"
	"niyya/api/internal/common"
	"niyya/api/internal/config"
	"niyya/api/internal/logging"
	"niyya/api/internal/notify"
	"niyya/api/internal/presence"
	"niyya/api/internal/ratelimit"
	"niyya/api/internal/store"
	"niyya/api/internal/util"
)

const (
	historyLimit = 100
	readLimit    = 1 << 20
)

type Messages interface {
	CreateMessage(ctx context.Context, msg store.Message) (store.Message, error)
	DirectHistory(ctx context.Context, a, b string, limit int) ([]store.Message, error)
}

type Notifier interface {
	NotifyInvitationSent(ctx context.Context, inv notify.Invitation) int
	NotifyThreadShared(ctx context.Context, target string, share notify.ThreadShare) bool
}

type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

type Options struct {
	Token       string
	Limits      config.GatewayConfig
	Connections ratelimit.Limiter
	Messages    ratelimit.Limiter
	Logger      logging.Logger
}

type Gateway struct {
	token       string
	limits      config.GatewayConfig
	presence    *presence.Registry
	store       Messages
	notifier    Notifier
	connLimiter ratelimit.Limiter
	msgLimiter  ratelimit.Limiter
	log         logging.Logger
	now         func() time.Time
}

func New(reg *presence.Registry, messages Messages, notifier Notifier, opts Options) *Gateway {
	limits := opts.Limits
	defaults := config.Default().Gateway
	if limits.HandshakeTimeout <= 0 {
		limits.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if limits.SendTimeout <= 0 {
		limits.SendTimeout = defaults.SendTimeout
	}
	if limits.MaxHandshakeBytes <= 0 {
		limits.MaxHandshakeBytes = defaults.MaxHandshakeBytes
	}
	if limits.MaxFrameBytes <= 0 {
		limits.MaxFrameBytes = defaults.MaxFrameBytes
	}
	if opts.Connections == nil {
		opts.Connections = ratelimit.NewSlidingWindow(limits.MaxConnectionsPerMinute, time.Minute)
	}
	if opts.Messages == nil {
		opts.Messages = ratelimit.NewSlidingWindow(limits.MaxMessagesPerMinute, time.Minute)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Gateway{
		token:       opts.Token,
		limits:      limits,
		presence:    reg,
		store:       messages,
		notifier:    notifier,
		connLimiter: opts.Connections,
		msgLimiter:  opts.Messages,
		log:         opts.Logger.With("component", "gateway"),
		now:         time.Now,
	}
}

// wsChannel adapts a connection to presence.Channel. Writes on a
// websocket.Conn may run concurrently with the read loop.
type wsChannel struct {
	conn *websocket.Conn
}

func (c wsChannel) Send(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

type session struct {
	gw       *Gateway
	conn     *websocket.Conn
	remote   string
	identity string
	state    State
	log      logging.Logger
}

func (s *session) transition(ctx context.Context, next State) {
	s.log.Debug(ctx, "connection state", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients are native apps that authenticate with the shared token.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.log.Warn(r.Context(), "websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	s := &session{gw: g, conn: conn, remote: remoteHost(r), state: StateConnecting}
	s.log = g.log.With("remote", s.remote)
	s.run(r.Context())
}

func (s *session) run(ctx context.Context) {
	defer s.transition(ctx, StateClosed)

	if err := s.admit(ctx); err != nil {
		s.reject(ctx, err)
		return
	}
	s.transition(ctx, StateAuthenticating)

	handle, err := s.authenticate(ctx)
	if err != nil {
		s.reject(ctx, err)
		return
	}
	defer handle.Close()
	s.identity = handle.Identity
	s.log = s.log.With("identity", s.identity)
	s.transition(ctx, StateActive)

	count := s.gw.presence.Count()
	s.log.Info(ctx, "client connected", "active_clients", count)
	s.reply(ctx, connectedFrame{
		Type:          "connected",
		Identity:      s.identity,
		Message:       "Successfully connected as " + s.identity,
		ActiveClients: count,
	})

	err = s.serve(ctx)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.log.Info(ctx, "client disconnected", "remaining", s.gw.presence.Count()-1)
	default:
		if ctx.Err() == nil {
			s.log.Info(ctx, "client connection ended", "err", err)
		}
	}
}

// admit runs before any frame is read.
func (s *session) admit(ctx context.Context) error {
	if s.gw.presence.AtCapacity() {
		return failure("Server at capacity. Please try again later.", common.ErrCapacity)
	}
	ok, err := s.gw.connLimiter.Allow(ctx, s.remote)
	if err != nil {
		s.log.Warn(ctx, "connection rate check failed, admitting", "err", err)
		return nil
	}
	if !ok {
		return failure("Too many connection attempts. Please wait.", common.ErrRateLimited)
	}
	return nil
}

type handshake struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
	ClientID string `json:"client_id"`
}

func (s *session) authenticate(ctx context.Context) (*presence.Handle, error) {
	hctx, cancel := context.WithTimeout(ctx, s.gw.limits.HandshakeTimeout)
	defer cancel()

	_, data, err := s.conn.Read(hctx)
	if err != nil {
		return nil, failure("Authentication failed", common.ErrUnauthorized)
	}
	if int64(len(data)) > s.gw.limits.MaxHandshakeBytes {
		return nil, common.Validation("Authentication message too large")
	}
	var hs handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return nil, failure("Authentication failed", common.ErrUnauthorized)
	}
	identity := sanitize(hs.Identity)
	if identity == "" {
		identity = sanitize(hs.ClientID)
	}
	if strings.TrimSpace(hs.Token) == "" || identity == "" {
		return nil, common.Validation("Invalid authentication format")
	}
	if err := auth.CheckToken(s.gw.token, hs.Token); err != nil {
		s.log.Info(ctx, "handshake token rejected", "fingerprint", auth.Fingerprint(hs.Token))
		return nil, failure("Invalid authentication token", err)
	}
	if !util.IsID(identity) {
		return nil, common.Validation("Client ID must be a 24-character hex string")
	}
	identity = strings.ToLower(identity)

	handle, err := s.gw.presence.Register(identity, wsChannel{conn: s.conn})
	switch {
	case errors.Is(err, common.ErrConflict):
		return nil, failure("Client ID already in use", common.ErrConflict)
	case errors.Is(err, common.ErrCapacity):
		return nil, failure("Server at capacity. Please try again later.", common.ErrCapacity)
	case err != nil:
		return nil, err
	}
	return handle, nil
}

func (s *session) serve(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handleFrame(ctx, data)
	}
}

func (s *session) handleFrame(ctx context.Context, data []byte) {
	ok, err := s.gw.msgLimiter.Allow(ctx, s.identity)
	if err != nil {
		s.log.Warn(ctx, "message rate check failed, admitting", "err", err)
	} else if !ok {
		s.sendError(ctx, failure("Message rate limit exceeded. Please slow down.", common.ErrRateLimited))
		return
	}
	if int64(len(data)) > s.gw.limits.MaxFrameBytes {
		s.sendError(ctx, common.Validation("Message too large"))
		return
	}

	cmd, err := ParseCommand(data)
	if err != nil {
		s.sendError(ctx, err)
		return
	}
	switch c := cmd.(type) {
	case ListUsers:
		s.reply(ctx, onlineUsersFrame{Type: "online_users", Users: s.gw.presence.ListOnline()})
	case ChatHistory:
		err = s.chatHistory(ctx, c)
	case ThreadInvitation:
		s.threadInvitation(ctx, c)
	case ThreadMessage:
		err = s.threadMessage(ctx, c)
	case RoutedMessage:
		err = s.routed(ctx, c)
	}
	if err != nil {
		s.sendError(ctx, err)
	}
}

func (s *session) routed(ctx context.Context, c RoutedMessage) error {
	msg, err := s.gw.store.CreateMessage(ctx, store.Message{
		ID:          util.NewID(),
		UserID:      s.identity,
		RecipientID: c.Target,
		Body:        c.Payload,
		Metadata:    map[string]any{"to": c.Target, "content": c.Payload},
	})
	if err != nil {
		s.log.Error(ctx, "persist direct message", "to", c.Target, "err", err)
		return failure("Failed to store message", err)
	}

	live := false
	if payload, err := json.Marshal(directFrame{
		Type:      "message",
		From:      s.identity,
		Message:   c.Payload,
		Timestamp: s.gw.now().Unix(),
		MessageID: msg.ID,
	}); err == nil {
		live = s.gw.presence.SendTo(ctx, c.Target, payload)
	}

	text := "Message stored"
	if live {
		text = "Message stored and delivered"
	}
	s.reply(ctx, deliveredFrame{Type: "delivered", To: c.Target, Message: text, MessageID: msg.ID, Live: live})
	return nil
}

func (s *session) chatHistory(ctx context.Context, c ChatHistory) error {
	msgs, err := s.gw.store.DirectHistory(ctx, s.identity, c.With, historyLimit)
	if err != nil {
		s.log.Error(ctx, "load chat history", "with", c.With, "err", err)
		return failure("Failed to load chat history", err)
	}
	events := make([]notify.MessageEvent, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, notify.MessageEventFrom(m))
	}
	s.reply(ctx, historyFrame{Type: "chat_history", With: c.With, Messages: events})
	return nil
}

func (s *session) threadInvitation(ctx context.Context, c ThreadInvitation) {
	live := s.gw.notifier.NotifyInvitationSent(ctx, notify.Invitation{
		ThreadID:     c.ThreadID,
		ThreadTitle:  c.ThreadTitle,
		InviteeID:    c.TargetUser,
		FromUserID:   s.identity,
		FromUserName: c.FromUserName,
	}) > 0
	s.reply(ctx, invitationSentFrame{
		Type:     "invitation_sent",
		To:       c.TargetUser,
		ThreadID: c.ThreadID,
		Message:  "Invitation sent successfully",
		Live:     live,
	})
}

func (s *session) threadMessage(ctx context.Context, c ThreadMessage) error {
	msg, err := s.gw.store.CreateMessage(ctx, store.Message{
		ID:       util.NewID(),
		ThreadID: c.ThreadID,
		UserID:   s.identity,
		Metadata: map[string]any{
			"target_user":  c.TargetUser,
			"thread_title": c.ThreadTitle,
			"event":        "thread_message",
		},
	})
	if err != nil {
		s.log.Error(ctx, "persist thread message", "thread_id", c.ThreadID, "err", err)
		return failure("Failed to store thread message", err)
	}
	live := s.gw.notifier.NotifyThreadShared(ctx, c.TargetUser, notify.ThreadShare{
		FromUserID:  s.identity,
		ThreadID:    c.ThreadID,
		ThreadTitle: c.ThreadTitle,
		MessageID:   msg.ID,
	})
	s.reply(ctx, messageSentFrame{
		Type:      "message_sent",
		To:        c.TargetUser,
		ThreadID:  c.ThreadID,
		Message:   "Thread shared successfully",
		MessageID: msg.ID,
		Live:      live,
	})
	return nil
}

func (s *session) reply(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error(ctx, "marshal frame", "err", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.gw.limits.SendTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, data); err != nil {
		s.log.Debug(ctx, "failed to send frame", "err", err)
	}
}

func (s *session) sendError(ctx context.Context, err error) {
	s.reply(ctx, errorFrame{Type: "error", Code: common.Code(err), Message: errorMessage(err)})
}

// reject sends the error frame and closes. Nothing was registered.
func (s *session) reject(ctx context.Context, err error) {
	s.log.Info(ctx, "connection rejected", "state", s.state.String(), "code", common.Code(err), "reason", errorMessage(err))
	s.sendError(ctx, err)
	status := websocket.StatusPolicyViolation
	if errors.Is(err, common.ErrCapacity) || errors.Is(err, common.ErrRateLimited) {
		status = websocket.StatusTryAgainLater
	}
	_ = s.conn.Close(status, common.Code(err))
}

// clientError carries the text shown to the client next to the cause that
// decides its error code.
type clientError struct {
	msg string
	err error
}

func failure(msg string, err error) error {
	return &clientError{msg: msg, err: err}
}

func (e *clientError) Error() string { return e.msg + ": " + e.err.Error() }
func (e *clientError) Unwrap() error { return e.err }

func errorMessage(err error) string {
	var ce *clientError
	if errors.As(err, &ce) {
		return ce.msg
	}
	var ve *common.ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	return "Internal error"
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
