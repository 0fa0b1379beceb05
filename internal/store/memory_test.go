package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"niyya/api/internal/common"
)

func TestMemoryStore_UpsertConvergesUnderRace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	created := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, inserted, err := s.UpsertAudioFile(ctx, AudioFile{ID: fmt.Sprintf("id-%d", i), ContentHash: "h"}, 1)
			assert.NoError(t, err)
			created <- inserted
		}(i)
	}
	wg.Wait()
	close(created)

	inserts := 0
	for c := range created {
		if c {
			inserts++
		}
	}
	assert.Equal(t, 1, inserts)

	f, err := s.FindAudioFileByHash(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, int64(32), f.ReferenceCount)
}

func TestMemoryStore_DecrementFloor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _, err := s.UpsertAudioFile(ctx, AudioFile{ID: "a", ContentHash: "h"}, 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f, err := s.DecrementAudioFile(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(0), f.ReferenceCount)
	}

	_, err = s.DecrementAudioFile(ctx, "missing")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestMemoryStore_DeleteOnlyWhenUnreferenced(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _, _ = s.UpsertAudioFile(ctx, AudioFile{ID: "a", ContentHash: "h"}, 1)

	deleted, err := s.DeleteAudioFileIfUnreferenced(ctx, "a")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, _ = s.DecrementAudioFile(ctx, "a")
	deleted, err = s.DeleteAudioFileIfUnreferenced(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestMemoryStore_ReferenceCounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.CreateMessage(ctx, Message{ID: "m1", UserID: "u", RenderIDs: []string{"a", "b"}})
	require.NoError(t, err)
	msg, err := s.CreateMessage(ctx, Message{ID: "m2", UserID: "u", RenderIDs: []string{"a", "a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, msg.RenderIDs)
	_, err = s.AddPlaylistEntry(ctx, PlaylistEntry{UserID: "u", AudioFileID: "a"})
	require.NoError(t, err)

	counts, err := s.AudioReferenceCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReferenceBreakdown{ReferrerMessages: 2, ReferrerPlaylists: 1}, counts["a"])
	assert.Equal(t, int64(1), counts["b"].Total())
}

func TestMemoryStore_DirectHistoryNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		from, to := "a", "b"
		if i%2 == 1 {
			from, to = "b", "a"
		}
		_, err := s.CreateMessage(ctx, Message{ID: fmt.Sprintf("m%d", i), UserID: from, RecipientID: to})
		require.NoError(t, err)
	}
	_, err := s.CreateMessage(ctx, Message{ID: "other", UserID: "a", RecipientID: "c"})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, Message{ID: "thread", ThreadID: "t", UserID: "a", RecipientID: "b"})
	require.NoError(t, err)

	msgs, err := s.DirectHistory(ctx, "b", "a", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m4", msgs[0].ID)
	assert.Equal(t, "m2", msgs[2].ID)
}

func TestMemoryStore_InvitationFlow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.CreateThread(ctx, Thread{ID: "t", Title: "jam", CreatedBy: "owner"}, ThreadMember{UserID: "owner", Role: "owner"})
	require.NoError(t, err)

	_, err = s.CreateInvitation(ctx, Invitation{ThreadID: "t", UserID: "guest", InvitedBy: "owner"})
	require.NoError(t, err)

	role, err := s.ThreadRole(ctx, "t", "guest")
	require.NoError(t, err)
	assert.Equal(t, "invitee", role)

	inv, err := s.AcceptInvitation(ctx, "t", "guest", "Guest")
	require.NoError(t, err)
	assert.Equal(t, "owner", inv.InvitedBy)

	members, err := s.ThreadMembers(ctx, "t")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = s.AcceptInvitation(ctx, "t", "guest", "Guest")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	_, err = s.CreateInvitation(ctx, Invitation{ThreadID: "t", UserID: "guest", InvitedBy: "owner"})
	assert.True(t, errors.Is(err, common.ErrConflict))
}
