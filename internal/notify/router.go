// Package notify pushes thread events to whichever recipients are online.
// Delivery is best effort: an offline recipient is the normal case and no
// method here returns an error.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"niyya/api/internal/logging"
	"niyya/api/internal/store"
)

type Members interface {
	ThreadMembers(ctx context.Context, threadID string) ([]store.ThreadMember, error)
}

type Sender interface {
	SendTo(ctx context.Context, identity string, payload []byte) bool
}

// MessageEvent is the message_created payload body.
type MessageEvent struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"parent_thread,omitempty"`
	UserID    string          `json:"user_id"`
	Body      string          `json:"body,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	RenderIDs []string        `json:"renders,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func MessageEventFrom(m store.Message) MessageEvent {
	return MessageEvent{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		UserID:    m.UserID,
		Body:      m.Body,
		Metadata:  m.Metadata,
		Snapshot:  m.Snapshot,
		RenderIDs: m.RenderIDs,
		CreatedAt: m.CreatedAt,
	}
}

type Invitation struct {
	ThreadID     string
	ThreadTitle  string
	InviteeID    string
	FromUserID   string
	FromUserName string
}

type ThreadShare struct {
	FromUserID  string
	ThreadID    string
	ThreadTitle string
	MessageID   string
}

type messageCreated struct {
	Type string `json:"type"`
	MessageEvent
}

type invitationSent struct {
	Type         string `json:"type"`
	FromUserID   string `json:"from_user_id"`
	FromUserName string `json:"from_user_name"`
	ThreadID     string `json:"thread_id"`
	ThreadTitle  string `json:"thread_title"`
	Timestamp    int64  `json:"timestamp"`
}

type invitationAccepted struct {
	Type      string `json:"type"`
	ThreadID  string `json:"thread_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Timestamp int64  `json:"timestamp"`
}

type threadShared struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	ThreadID    string `json:"thread_id"`
	ThreadTitle string `json:"thread_title"`
	MessageID   string `json:"message_id"`
	Timestamp   int64  `json:"timestamp"`
}

type Router struct {
	members Members
	sender  Sender
	log     logging.Logger
	now     func() time.Time
}

func NewRouter(members Members, sender Sender, log logging.Logger) *Router {
	if log == nil {
		log = logging.Nop()
	}
	return &Router{members: members, sender: sender, log: log.With("component", "notify"), now: time.Now}
}

// NotifyMessageCreated sends the message to every thread member except its
// author and returns how many were reached live.
func (r *Router) NotifyMessageCreated(ctx context.Context, threadID string, ev MessageEvent) int {
	recipients, ok := r.threadRecipients(ctx, threadID)
	if !ok {
		return 0
	}
	delete(recipients, ev.UserID)
	return r.fanout(ctx, recipients, messageCreated{Type: "message_created", MessageEvent: ev})
}

// NotifyInvitationSent tells the invitee about the invitation.
func (r *Router) NotifyInvitationSent(ctx context.Context, inv Invitation) int {
	if inv.InviteeID == "" {
		return 0
	}
	n := r.fanout(ctx, map[string]struct{}{inv.InviteeID: {}}, invitationSent{
		Type:         "thread_invitation",
		FromUserID:   inv.FromUserID,
		FromUserName: inv.FromUserName,
		ThreadID:     inv.ThreadID,
		ThreadTitle:  inv.ThreadTitle,
		Timestamp:    r.now().Unix(),
	})
	if n == 0 {
		r.log.Info(ctx, "invitee offline, invitation kept for later", "thread_id", inv.ThreadID, "invitee", inv.InviteeID)
	}
	return n
}

// NotifyInvitationAccepted tells the thread members and the inviter that
// userID joined. The accepting user is never notified.
func (r *Router) NotifyInvitationAccepted(ctx context.Context, threadID, userID, userName, invitedBy string) int {
	recipients, ok := r.threadRecipients(ctx, threadID)
	if !ok {
		return 0
	}
	if invitedBy != "" {
		recipients[invitedBy] = struct{}{}
	}
	delete(recipients, userID)
	return r.fanout(ctx, recipients, invitationAccepted{
		Type:      "invitation_accepted",
		ThreadID:  threadID,
		UserID:    userID,
		UserName:  userName,
		Timestamp: r.now().Unix(),
	})
}

// NotifyThreadShared tells target that a thread was shared with them.
func (r *Router) NotifyThreadShared(ctx context.Context, target string, share ThreadShare) bool {
	return r.fanout(ctx, map[string]struct{}{target: {}}, threadShared{
		Type:        "thread_message",
		From:        share.FromUserID,
		ThreadID:    share.ThreadID,
		ThreadTitle: share.ThreadTitle,
		MessageID:   share.MessageID,
		Timestamp:   r.now().Unix(),
	}) == 1
}

func (r *Router) threadRecipients(ctx context.Context, threadID string) (map[string]struct{}, bool) {
	members, err := r.members.ThreadMembers(ctx, threadID)
	if err != nil {
		r.log.Warn(ctx, "thread member lookup failed", "thread_id", threadID, "err", err)
		return nil, false
	}
	out := make(map[string]struct{}, len(members)+1)
	for _, m := range members {
		if m.UserID != "" {
			out[m.UserID] = struct{}{}
		}
	}
	return out, true
}

func (r *Router) fanout(ctx context.Context, recipients map[string]struct{}, payload any) int {
	if len(recipients) == 0 {
		return 0
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Error(ctx, "marshal notification", "err", err)
		return 0
	}
	delivered := 0
	for id := range recipients {
		if r.sender.SendTo(ctx, id, data) {
			delivered++
		}
	}
	return delivered
}
