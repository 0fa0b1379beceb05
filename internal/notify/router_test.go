package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"niyya/api/internal/presence"
	"niyya/api/internal/store"
)

type inbox struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (b *inbox) Send(_ context.Context, payload []byte) error {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
	return nil
}

func (b *inbox) all() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.msgs...)
}

type staticMembers struct {
	members map[string][]store.ThreadMember
	err     error
}

func (s staticMembers) ThreadMembers(_ context.Context, threadID string) ([]store.ThreadMember, error) {
	return s.members[threadID], s.err
}

func threeMemberThread() staticMembers {
	return staticMembers{members: map[string][]store.ThreadMember{
		"t1": {{UserID: "author"}, {UserID: "online"}, {UserID: "offline"}},
	}}
}

func TestNotifyMessageCreated_OnlyOnlineMemberReceives(t *testing.T) {
	reg := presence.New(presence.Options{})
	onlineBox, authorBox := &inbox{}, &inbox{}
	_, err := reg.Register("online", onlineBox)
	require.NoError(t, err)
	_, err = reg.Register("author", authorBox)
	require.NoError(t, err)

	r := NewRouter(threeMemberThread(), reg, nil)
	n := r.NotifyMessageCreated(context.Background(), "t1", MessageEvent{ID: "m1", ThreadID: "t1", UserID: "author", Body: "new stems"})
	assert.Equal(t, 1, n)

	got := onlineBox.all()
	require.Len(t, got, 1)
	assert.Equal(t, "message_created", got[0]["type"])
	assert.Equal(t, "m1", got[0]["id"])
	assert.Equal(t, "t1", got[0]["parent_thread"])
	assert.Empty(t, authorBox.all(), "the author is not notified")
}

func TestNotifyMessageCreated_LookupFailureIsSwallowed(t *testing.T) {
	reg := presence.New(presence.Options{})
	r := NewRouter(staticMembers{err: errors.New("db down")}, reg, nil)
	assert.Equal(t, 0, r.NotifyMessageCreated(context.Background(), "t1", MessageEvent{UserID: "a"}))
}

func TestNotifyInvitationSent(t *testing.T) {
	reg := presence.New(presence.Options{})
	box := &inbox{}
	_, err := reg.Register("invitee", box)
	require.NoError(t, err)

	r := NewRouter(threeMemberThread(), reg, nil)
	r.now = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()

	n := r.NotifyInvitationSent(ctx, Invitation{ThreadID: "t1", ThreadTitle: "Beat", InviteeID: "invitee", FromUserID: "author", FromUserName: "Ana"})
	assert.Equal(t, 1, n)
	got := box.all()
	require.Len(t, got, 1)
	assert.Equal(t, "thread_invitation", got[0]["type"])
	assert.Equal(t, "Ana", got[0]["from_user_name"])
	assert.Equal(t, float64(1700000000), got[0]["timestamp"])

	assert.Equal(t, 0, r.NotifyInvitationSent(ctx, Invitation{ThreadID: "t1", InviteeID: "nobody"}))
	assert.Equal(t, 0, r.NotifyInvitationSent(ctx, Invitation{ThreadID: "t1"}))
}

func TestNotifyInvitationAccepted_MembersAndInviterMinusAccepter(t *testing.T) {
	reg := presence.New(presence.Options{})
	boxes := map[string]*inbox{}
	for _, id := range []string{"author", "online", "inviter", "accepter"} {
		boxes[id] = &inbox{}
		_, err := reg.Register(id, boxes[id])
		require.NoError(t, err)
	}
	members := staticMembers{members: map[string][]store.ThreadMember{
		"t1": {{UserID: "author"}, {UserID: "online"}, {UserID: "accepter"}},
	}}

	r := NewRouter(members, reg, nil)
	n := r.NotifyInvitationAccepted(context.Background(), "t1", "accepter", "Sam", "inviter")
	assert.Equal(t, 3, n)
	assert.Empty(t, boxes["accepter"].all())
	for _, id := range []string{"author", "online", "inviter"} {
		got := boxes[id].all()
		require.Len(t, got, 1, id)
		assert.Equal(t, "invitation_accepted", got[0]["type"])
		assert.Equal(t, "Sam", got[0]["user_name"])
	}

	assert.Equal(t, 2, r.NotifyInvitationAccepted(context.Background(), "t1", "accepter", "Sam", "author"), "inviter already a member")
}

func TestNotifyThreadShared(t *testing.T) {
	reg := presence.New(presence.Options{})
	box := &inbox{}
	_, err := reg.Register("target", box)
	require.NoError(t, err)
	r := NewRouter(threeMemberThread(), reg, nil)

	assert.True(t, r.NotifyThreadShared(context.Background(), "target", ThreadShare{FromUserID: "a", ThreadID: "t1", ThreadTitle: "Loop", MessageID: "m9"}))
	assert.False(t, r.NotifyThreadShared(context.Background(), "gone", ThreadShare{ThreadID: "t1"}))
	got := box.all()
	require.Len(t, got, 1)
	assert.Equal(t, "thread_message", got[0]["type"])
	assert.Equal(t, "m9", got[0]["message_id"])
}
