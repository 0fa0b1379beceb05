package store

import (
	"encoding/json"
	"time"
)

// AudioFile is the registry record for one distinct piece of content.
type AudioFile struct {
	ID              string
	ContentHash     string
	StorageKey      string
	URL             string
	Format          string
	Bitrate         *int
	DurationSeconds *float64
	SizeBytes       *int64
	Name            string
	ReferenceCount  int64
	PendingDeletion bool
	CreatedAt       time.Time
}

type AudioStats struct {
	TotalFiles        int64
	TotalReferences   int64
	TotalSizeBytes    int64
	UnreferencedCount int64
	PendingCount      int64
}

// Referrer kinds counted by reconciliation.
const (
	ReferrerMessages  = "messages"
	ReferrerPlaylists = "playlists"
)

// ReferenceBreakdown maps a referrer kind to the number of links it holds
// on one audio file.
type ReferenceBreakdown map[string]int64

func (b ReferenceBreakdown) Total() int64 {
	var total int64
	for _, n := range b {
		total += n
	}
	return total
}

type Thread struct {
	ID          string
	Title       string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Members     []ThreadMember
	Invitations []Invitation
}

type ThreadMember struct {
	UserID      string
	DisplayName string
	Role        string
	JoinedAt    time.Time
}

const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationDeclined = "declined"
)

type Invitation struct {
	ThreadID  string
	UserID    string
	InvitedBy string
	Status    string
	CreatedAt time.Time
}

// Message is either a thread message (ThreadID set) or a direct message
// between two identities (ThreadID empty, RecipientID set).
type Message struct {
	ID          string
	ThreadID    string
	UserID      string
	RecipientID string
	Body        string
	Metadata    map[string]any
	Snapshot    json.RawMessage
	RenderIDs   []string
	CreatedAt   time.Time
}

type PlaylistEntry struct {
	UserID      string
	AudioFileID string
	Name        string
	AddedAt     time.Time
}
