package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"niyya/api/internal/common"
)

// MemoryStore is an in-process implementation of the PostgresStore method
// set. Every method holds one lock, so each call is atomic in the same way a
// single SQL statement is.
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	audio       map[string]AudioFile
	threads     map[string]Thread
	members     map[string][]ThreadMember
	invitations map[string]map[string]Invitation
	messages    map[string]Message
	playlists   map[string]map[string]PlaylistEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		audio:       make(map[string]AudioFile),
		threads:     make(map[string]Thread),
		members:     make(map[string][]ThreadMember),
		invitations: make(map[string]map[string]Invitation),
		messages:    make(map[string]Message),
		playlists:   make(map[string]map[string]PlaylistEntry),
	}
}

// SetClock replaces the time source used for created_at values.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) findAudio(match func(AudioFile) bool, what string) (AudioFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.audio {
		if match(f) {
			return f, nil
		}
	}
	return AudioFile{}, fmt.Errorf("audio file %s: %w", what, common.ErrNotFound)
}

func (m *MemoryStore) GetAudioFile(_ context.Context, id string) (AudioFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.audio[id]
	if !ok {
		return AudioFile{}, fmt.Errorf("audio file %s: %w", id, common.ErrNotFound)
	}
	return f, nil
}

func (m *MemoryStore) FindAudioFileByHash(_ context.Context, contentHash string) (AudioFile, error) {
	return m.findAudio(func(f AudioFile) bool { return f.ContentHash == contentHash }, contentHash)
}

func (m *MemoryStore) FindAudioFileByURL(_ context.Context, url string) (AudioFile, error) {
	return m.findAudio(func(f AudioFile) bool { return f.URL == url }, url)
}

func (m *MemoryStore) FindAudioFileByStorageKey(_ context.Context, key string) (AudioFile, error) {
	return m.findAudio(func(f AudioFile) bool { return f.StorageKey == key }, key)
}

func (m *MemoryStore) UpsertAudioFile(_ context.Context, f AudioFile, delta int64) (AudioFile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.audio {
		if existing.ContentHash != f.ContentHash {
			continue
		}
		existing.ReferenceCount += delta
		if existing.Name == "" {
			existing.Name = f.Name
		}
		m.audio[id] = existing
		return existing, false, nil
	}
	f.ReferenceCount = delta
	f.PendingDeletion = false
	f.CreatedAt = m.now()
	m.audio[f.ID] = f
	return f, true, nil
}

func (m *MemoryStore) IncrementAudioFile(_ context.Context, id string, delta int64, name string) (AudioFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.audio[id]
	if !ok {
		return AudioFile{}, fmt.Errorf("audio file %s: %w", id, common.ErrNotFound)
	}
	f.ReferenceCount += delta
	if f.Name == "" {
		f.Name = name
	}
	m.audio[id] = f
	return f, nil
}

func (m *MemoryStore) DecrementAudioFile(_ context.Context, id string) (AudioFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.audio[id]
	if !ok {
		return AudioFile{}, fmt.Errorf("audio file %s: %w", id, common.ErrNotFound)
	}
	if f.ReferenceCount > 0 {
		f.ReferenceCount--
	}
	m.audio[id] = f
	return f, nil
}

func (m *MemoryStore) DeleteAudioFileIfUnreferenced(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.audio[id]
	if !ok || f.ReferenceCount != 0 {
		return false, nil
	}
	delete(m.audio, id)
	return true, nil
}

func (m *MemoryStore) ClaimAudioFileForDeletion(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.audio[id]
	if !ok || f.ReferenceCount != 0 {
		return false, nil
	}
	f.PendingDeletion = true
	m.audio[id] = f
	return true, nil
}

func (m *MemoryStore) SetAudioFilePending(_ context.Context, id string, pending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.audio[id]; ok {
		f.PendingDeletion = pending
		m.audio[id] = f
	}
	return nil
}

func (m *MemoryStore) SetAudioFileReferenceCount(_ context.Context, id string, expected, count int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.audio[id]
	if !ok || f.ReferenceCount != expected {
		return false, nil
	}
	f.ReferenceCount = count
	m.audio[id] = f
	return true, nil
}

func (m *MemoryStore) AudioFileStats(context.Context) (AudioStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st AudioStats
	for _, f := range m.audio {
		st.TotalFiles++
		st.TotalReferences += f.ReferenceCount
		if f.SizeBytes != nil {
			st.TotalSizeBytes += *f.SizeBytes
		}
		if f.ReferenceCount == 0 {
			st.UnreferencedCount++
		}
		if f.PendingDeletion {
			st.PendingCount++
		}
	}
	return st, nil
}

func (m *MemoryStore) listAudio(match func(AudioFile) bool) []AudioFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AudioFile
	for _, f := range m.audio {
		if match(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) ListUnreferencedAudioFiles(_ context.Context, createdBefore time.Time) ([]AudioFile, error) {
	return m.listAudio(func(f AudioFile) bool {
		return f.ReferenceCount == 0 && f.CreatedAt.Before(createdBefore)
	}), nil
}

func (m *MemoryStore) ListPendingAudioFiles(context.Context) ([]AudioFile, error) {
	return m.listAudio(func(f AudioFile) bool { return f.PendingDeletion }), nil
}

func (m *MemoryStore) ListAudioFiles(context.Context) ([]AudioFile, error) {
	return m.listAudio(func(AudioFile) bool { return true }), nil
}

func (m *MemoryStore) AudioReferenceCounts(context.Context) (map[string]ReferenceBreakdown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ReferenceBreakdown)
	add := func(id, kind string) {
		if out[id] == nil {
			out[id] = ReferenceBreakdown{}
		}
		out[id][kind]++
	}
	for _, msg := range m.messages {
		for _, id := range msg.RenderIDs {
			add(id, ReferrerMessages)
		}
	}
	for _, entries := range m.playlists {
		for id := range entries {
			add(id, ReferrerPlaylists)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateThread(_ context.Context, thread Thread, owner ThreadMember) (Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.threads[thread.ID]; exists {
		return Thread{}, fmt.Errorf("thread %s: %w", thread.ID, common.ErrConflict)
	}
	now := m.now()
	thread.CreatedAt, thread.UpdatedAt = now, now
	owner.JoinedAt = now
	m.threads[thread.ID] = thread
	m.members[thread.ID] = []ThreadMember{owner}
	thread.Members = []ThreadMember{owner}
	return thread, nil
}

func (m *MemoryStore) GetThread(_ context.Context, id string) (Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return Thread{}, fmt.Errorf("thread %s: %w", id, common.ErrNotFound)
	}
	t.Members = append([]ThreadMember(nil), m.members[id]...)
	for _, inv := range m.invitations[id] {
		t.Invitations = append(t.Invitations, inv)
	}
	sort.Slice(t.Invitations, func(i, j int) bool { return t.Invitations[i].UserID < t.Invitations[j].UserID })
	return t, nil
}

func (m *MemoryStore) ThreadMembers(_ context.Context, threadID string) ([]ThreadMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ThreadMember(nil), m.members[threadID]...), nil
}

func (m *MemoryStore) addMemberLocked(threadID string, member ThreadMember) {
	for _, existing := range m.members[threadID] {
		if existing.UserID == member.UserID {
			return
		}
	}
	member.JoinedAt = m.now()
	m.members[threadID] = append(m.members[threadID], member)
}

func (m *MemoryStore) AddThreadMember(_ context.Context, threadID string, member ThreadMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return fmt.Errorf("thread %s: %w", threadID, common.ErrNotFound)
	}
	m.addMemberLocked(threadID, member)
	return nil
}

func (m *MemoryStore) ThreadRole(_ context.Context, threadID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range m.members[threadID] {
		if member.UserID == userID {
			return member.Role, nil
		}
	}
	if inv, ok := m.invitations[threadID][userID]; ok && inv.Status == InvitationPending {
		return "invitee", nil
	}
	return "", nil
}

func (m *MemoryStore) CreateInvitation(_ context.Context, inv Invitation) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[inv.ThreadID]; !ok {
		return Invitation{}, fmt.Errorf("thread %s: %w", inv.ThreadID, common.ErrNotFound)
	}
	if m.invitations[inv.ThreadID] == nil {
		m.invitations[inv.ThreadID] = make(map[string]Invitation)
	}
	if existing, ok := m.invitations[inv.ThreadID][inv.UserID]; ok && existing.Status == InvitationAccepted {
		return Invitation{}, fmt.Errorf("invitation already accepted: %w", common.ErrConflict)
	}
	inv.Status = InvitationPending
	inv.CreatedAt = m.now()
	m.invitations[inv.ThreadID][inv.UserID] = inv
	return inv, nil
}

func (m *MemoryStore) AcceptInvitation(_ context.Context, threadID, userID, displayName string) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[threadID][userID]
	if !ok || inv.Status != InvitationPending {
		return Invitation{}, fmt.Errorf("pending invitation for %s: %w", userID, common.ErrNotFound)
	}
	inv.Status = InvitationAccepted
	m.invitations[threadID][userID] = inv
	m.addMemberLocked(threadID, ThreadMember{UserID: userID, DisplayName: displayName, Role: "member"})
	return inv, nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[msg.ID]; exists {
		return Message{}, fmt.Errorf("message %s: %w", msg.ID, common.ErrConflict)
	}
	msg.CreatedAt = m.now()
	msg.RenderIDs = uniqueIDs(msg.RenderIDs)
	m.messages[msg.ID] = msg
	return msg, nil
}

// uniqueIDs copies ids in order, dropping repeats the way the
// message_renders primary key does.
func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", id, common.ErrNotFound)
	}
	return msg, nil
}

func (m *MemoryStore) DeleteMessage(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, common.ErrNotFound)
	}
	delete(m.messages, id)
	return msg.RenderIDs, nil
}

func (m *MemoryStore) selectMessages(match func(Message) bool, limit int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if match(msg) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) DirectHistory(_ context.Context, a, b string, limit int) ([]Message, error) {
	return m.selectMessages(func(msg Message) bool {
		if msg.ThreadID != "" {
			return false
		}
		return (msg.UserID == a && msg.RecipientID == b) || (msg.UserID == b && msg.RecipientID == a)
	}, limit), nil
}

func (m *MemoryStore) ThreadMessages(_ context.Context, threadID string, limit int) ([]Message, error) {
	return m.selectMessages(func(msg Message) bool { return msg.ThreadID == threadID }, limit), nil
}

func (m *MemoryStore) AddPlaylistEntry(_ context.Context, entry PlaylistEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playlists[entry.UserID] == nil {
		m.playlists[entry.UserID] = make(map[string]PlaylistEntry)
	}
	if _, exists := m.playlists[entry.UserID][entry.AudioFileID]; exists {
		return false, nil
	}
	entry.AddedAt = m.now()
	m.playlists[entry.UserID][entry.AudioFileID] = entry
	return true, nil
}

func (m *MemoryStore) RemovePlaylistEntry(_ context.Context, userID, audioFileID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.playlists[userID][audioFileID]; !exists {
		return false, nil
	}
	delete(m.playlists[userID], audioFileID)
	return true, nil
}

func (m *MemoryStore) ListPlaylist(_ context.Context, userID string) ([]PlaylistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PlaylistEntry
	for _, e := range m.playlists[userID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.After(out[j].AddedAt) })
	return out, nil
}
