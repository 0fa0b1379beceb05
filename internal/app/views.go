package app

import (
	"encoding/json"
	"time"

	"niyya/api/internal/blobs"
	"niyya/api/internal/store"
)

type audioView struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	StorageKey      string    `json:"storage_key"`
	ContentHash     string    `json:"content_hash"`
	Format          string    `json:"format"`
	Bitrate         *int      `json:"bitrate,omitempty"`
	DurationSeconds *float64  `json:"duration,omitempty"`
	SizeBytes       *int64    `json:"size_bytes,omitempty"`
	Name            string    `json:"name,omitempty"`
	ReferenceCount  int64     `json:"reference_count"`
	PendingDeletion bool      `json:"pending_deletion"`
	CreatedAt       time.Time `json:"created_at"`
}

func viewAudio(f store.AudioFile) audioView {
	return audioView{
		ID:              f.ID,
		URL:             f.URL,
		StorageKey:      f.StorageKey,
		ContentHash:     f.ContentHash,
		Format:          f.Format,
		Bitrate:         f.Bitrate,
		DurationSeconds: f.DurationSeconds,
		SizeBytes:       f.SizeBytes,
		Name:            f.Name,
		ReferenceCount:  f.ReferenceCount,
		PendingDeletion: f.PendingDeletion,
		CreatedAt:       f.CreatedAt,
	}
}

type releaseView struct {
	ID             string       `json:"id"`
	ReferenceCount int64        `json:"reference_count"`
	Status         blobs.Status `json:"status"`
}

func viewRelease(r blobs.ReleaseResult) releaseView {
	return releaseView{ID: r.BlobID, ReferenceCount: r.ReferenceCount, Status: r.Status}
}

type memberView struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type invitationView struct {
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	InvitedBy string    `json:"invited_by"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func viewInvitation(inv store.Invitation) invitationView {
	return invitationView{
		ThreadID:  inv.ThreadID,
		UserID:    inv.UserID,
		InvitedBy: inv.InvitedBy,
		Status:    inv.Status,
		CreatedAt: inv.CreatedAt,
	}
}

type threadView struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	CreatedBy   string           `json:"created_by"`
	Users       []memberView     `json:"users"`
	Invitations []invitationView `json:"invitations,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func viewThread(t store.Thread) threadView {
	out := threadView{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		CreatedBy:   t.CreatedBy,
		Users:       make([]memberView, 0, len(t.Members)),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	for _, m := range t.Members {
		out.Users = append(out.Users, memberView{ID: m.UserID, Name: m.DisplayName, Role: m.Role, JoinedAt: m.JoinedAt})
	}
	for _, inv := range t.Invitations {
		out.Invitations = append(out.Invitations, viewInvitation(inv))
	}
	return out
}

type messageView struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"parent_thread,omitempty"`
	UserID    string          `json:"user_id"`
	Body      string          `json:"body"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	Renders   []string        `json:"renders"`
	CreatedAt time.Time       `json:"created_at"`
}

func viewMessage(m store.Message) messageView {
	renders := m.RenderIDs
	if renders == nil {
		renders = []string{}
	}
	return messageView{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		UserID:    m.UserID,
		Body:      m.Body,
		Metadata:  m.Metadata,
		Snapshot:  m.Snapshot,
		Renders:   renders,
		CreatedAt: m.CreatedAt,
	}
}

type playlistView struct {
	AudioFileID string    `json:"audio_file_id"`
	Name        string    `json:"name,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}
