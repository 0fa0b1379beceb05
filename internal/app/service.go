package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"niyya/api/internal/auth"
	"niyya/api/internal/blobs"
	"niyya/api/internal/common"
	"niyya/api/internal/config"
	"niyya/api/internal/contentstore"
	"niyya/api/internal/gc"
	"niyya/api/internal/logging"
	"niyya/api/internal/notify"
	"niyya/api/internal/presence"
	"niyya/api/internal/ratelimit"
	"niyya/api/internal/rbac"
	"niyya/api/internal/store"
	"niyya/api/internal/util"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

// Store is the persistence surface the HTTP API needs besides the audio
// collection, which is reached through the blob registry.
type Store interface {
	Ping(ctx context.Context) error

	CreateThread(ctx context.Context, thread store.Thread, owner store.ThreadMember) (store.Thread, error)
	GetThread(ctx context.Context, id string) (store.Thread, error)
	ThreadRole(ctx context.Context, threadID, userID string) (string, error)
	AddThreadMember(ctx context.Context, threadID string, member store.ThreadMember) error
	CreateInvitation(ctx context.Context, inv store.Invitation) (store.Invitation, error)
	AcceptInvitation(ctx context.Context, threadID, userID, displayName string) (store.Invitation, error)

	CreateMessage(ctx context.Context, msg store.Message) (store.Message, error)
	GetMessage(ctx context.Context, id string) (store.Message, error)
	DeleteMessage(ctx context.Context, id string) ([]string, error)
	ThreadMessages(ctx context.Context, threadID string, limit int) ([]store.Message, error)

	AddPlaylistEntry(ctx context.Context, entry store.PlaylistEntry) (bool, error)
	RemovePlaylistEntry(ctx context.Context, userID, audioFileID string) (bool, error)
	ListPlaylist(ctx context.Context, userID string) ([]store.PlaylistEntry, error)
}

type Deps struct {
	Store      Store
	Blobs      *blobs.Registry
	GC         *gc.Job
	Presence   *presence.Registry
	Router     *notify.Router
	Dispatcher *notify.Dispatcher
	Gateway    http.Handler
	// Requests per source address; nil disables HTTP rate limiting.
	Requests ratelimit.Limiter
	Logger   logging.Logger
}

type Service struct {
	cfg      config.Config
	store    Store
	blobs    *blobs.Registry
	gc       *gc.Job
	presence *presence.Registry
	router   *notify.Router
	tasks    *notify.Dispatcher
	gateway  http.Handler
	requests ratelimit.Limiter
	log      logging.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	tasks := deps.Dispatcher
	if tasks == nil {
		tasks = notify.NewDispatcher(0, log)
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		blobs:    deps.Blobs,
		gc:       deps.GC,
		presence: deps.Presence,
		router:   deps.Router,
		tasks:    tasks,
		gateway:  deps.Gateway,
		requests: deps.Requests,
		log:      log.With("component", "api"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Authorize(token string) error {
	return auth.CheckToken(s.cfg.APIToken, token)
}

func (s *Service) MaxUploadBytes() int64 {
	if s.cfg.Blobs.MaxUploadBytes <= 0 {
		return config.Default().Blobs.MaxUploadBytes
	}
	return s.cfg.Blobs.MaxUploadBytes
}

// Audio

func (s *Service) UploadAudio(ctx context.Context, data []byte, format string, meta blobs.UploadMeta) (blobs.UploadResult, error) {
	return s.blobs.Upload(ctx, data, format, meta)
}

func (s *Service) RegisterAudio(ctx context.Context, reg blobs.Registration, delta int64) (blobs.Result, error) {
	return s.blobs.GetOrCreate(ctx, reg, delta)
}

func (s *Service) ReleaseAudio(ctx context.Context, id string) (blobs.ReleaseResult, error) {
	id, err := normalizeID("audio_id", id)
	if err != nil {
		return blobs.ReleaseResult{}, err
	}
	return s.blobs.Release(ctx, id)
}

func (s *Service) GetAudio(ctx context.Context, id string) (store.AudioFile, error) {
	id, err := normalizeID("audio_id", id)
	if err != nil {
		return store.AudioFile{}, err
	}
	return s.blobs.Get(ctx, id)
}

func (s *Service) AudioStats(ctx context.Context) (blobs.Stats, error) {
	return s.blobs.Stats(ctx)
}

// Threads

type CreateThreadInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
}

func (s *Service) CreateThread(ctx context.Context, in CreateThreadInput) (store.Thread, error) {
	userID, err := normalizeID("user_id", in.UserID)
	if err != nil {
		return store.Thread{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = "Untitled Thread"
	}
	thread := store.Thread{
		ID:          util.NewID(),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		CreatedBy:   userID,
	}
	owner := store.ThreadMember{UserID: userID, DisplayName: strings.TrimSpace(in.UserName), Role: string(rbac.RoleOwner)}
	created, err := s.store.CreateThread(ctx, thread, owner)
	if err != nil {
		return store.Thread{}, err
	}
	s.log.Info(ctx, "thread created", "thread_id", created.ID, "owner", userID)
	return created, nil
}

func (s *Service) GetThread(ctx context.Context, threadID, userID string) (store.Thread, error) {
	threadID, err := normalizeID("thread_id", threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if err := s.require(ctx, threadID, userID, rbac.ActionRead); err != nil {
		return store.Thread{}, err
	}
	return s.store.GetThread(ctx, threadID)
}

// JoinThread adds the user as a plain member. It reports false when the user
// already belonged to the thread.
func (s *Service) JoinThread(ctx context.Context, threadID, userID, userName string) (bool, error) {
	threadID, err := normalizeID("thread_id", threadID)
	if err != nil {
		return false, err
	}
	userID, err = normalizeID("user_id", userID)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(userName) == "" {
		return false, common.Validation("user_id and user_name are required")
	}
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return false, err
	}
	role, err := s.store.ThreadRole(ctx, threadID, userID)
	if err != nil {
		return false, err
	}
	if r := rbac.Normalize(role); r == rbac.RoleOwner || r == rbac.RoleMember {
		return false, nil
	}
	member := store.ThreadMember{UserID: userID, DisplayName: strings.TrimSpace(userName), Role: string(rbac.RoleMember)}
	if err := s.store.AddThreadMember(ctx, threadID, member); err != nil {
		return false, err
	}
	return true, nil
}

type InviteInput struct {
	FromUserID   string `json:"from_user_id"`
	FromUserName string `json:"from_user_name"`
	InviteeID    string `json:"invitee_id"`
}

func (s *Service) Invite(ctx context.Context, threadID string, in InviteInput) (store.Invitation, error) {
	threadID, err := normalizeID("thread_id", threadID)
	if err != nil {
		return store.Invitation{}, err
	}
	invitee, err := normalizeID("invitee_id", in.InviteeID)
	if err != nil {
		return store.Invitation{}, err
	}
	from, err := normalizeID("from_user_id", in.FromUserID)
	if err != nil {
		return store.Invitation{}, err
	}
	if invitee == from {
		return store.Invitation{}, common.Validation("cannot invite yourself")
	}
	if err := s.require(ctx, threadID, from, rbac.ActionInvite); err != nil {
		return store.Invitation{}, err
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return store.Invitation{}, err
	}
	inv, err := s.store.CreateInvitation(ctx, store.Invitation{ThreadID: threadID, UserID: invitee, InvitedBy: from})
	if err != nil {
		return store.Invitation{}, err
	}

	event := notify.Invitation{
		ThreadID:     threadID,
		ThreadTitle:  thread.Title,
		InviteeID:    invitee,
		FromUserID:   from,
		FromUserName: strings.TrimSpace(in.FromUserName),
	}
	s.tasks.Go("invitation_sent", func(ctx context.Context) {
		s.router.NotifyInvitationSent(ctx, event)
	})
	return inv, nil
}

func (s *Service) AcceptInvitation(ctx context.Context, threadID, userID, userName string) (store.Invitation, error) {
	threadID, err := normalizeID("thread_id", threadID)
	if err != nil {
		return store.Invitation{}, err
	}
	userID, err = normalizeID("user_id", userID)
	if err != nil {
		return store.Invitation{}, err
	}
	userName = strings.TrimSpace(userName)
	inv, err := s.store.AcceptInvitation(ctx, threadID, userID, userName)
	if err != nil {
		return store.Invitation{}, err
	}
	s.tasks.Go("invitation_accepted", func(ctx context.Context) {
		s.router.NotifyInvitationAccepted(ctx, threadID, userID, userName, inv.InvitedBy)
	})
	return inv, nil
}

// Messages

type PostMessageInput struct {
	UserID   string               `json:"user_id"`
	Body     string               `json:"body"`
	Metadata map[string]any       `json:"metadata"`
	Snapshot json.RawMessage      `json:"snapshot"`
	Renders  []blobs.Registration `json:"renders"`
	AudioIDs []string             `json:"audio_ids"`
}

// PostMessage stores a thread message and attaches one referrer per distinct render.
// Renders already attached are released again if any later step fails.
// Online members other than the author are notified after the response.
func (s *Service) PostMessage(ctx context.Context, threadID string, in PostMessageInput) (store.Message, error) {
	threadID, err := normalizeID("thread_id", threadID)
	if err != nil {
		return store.Message{}, err
	}
	userID, err := normalizeID("user_id", in.UserID)
	if err != nil {
		return store.Message{}, err
	}
	if err := s.require(ctx, threadID, userID, rbac.ActionPost); err != nil {
		return store.Message{}, err
	}

	var attached []string
	seen := make(map[string]bool)
	rollback := func() {
		for _, id := range attached {
			if _, err := s.blobs.Release(context.WithoutCancel(ctx), id); err != nil {
				s.log.Error(ctx, "release after failed post", "blob_id", id, "err", err)
			}
		}
	}
	for _, reg := range in.Renders {
		res, err := s.blobs.GetOrCreate(ctx, reg, 1)
		if err != nil {
			rollback()
			return store.Message{}, fmt.Errorf("attach render: %w", err)
		}
		if seen[res.Record.ID] {
			// A message holds one reference per distinct render.
			if _, err := s.blobs.Release(ctx, res.Record.ID); err != nil {
				rollback()
				return store.Message{}, fmt.Errorf("attach render %s: %w", res.Record.ID, err)
			}
			continue
		}
		seen[res.Record.ID] = true
		attached = append(attached, res.Record.ID)
	}
	for _, raw := range in.AudioIDs {
		id, err := normalizeID("audio_ids", raw)
		if err != nil {
			rollback()
			return store.Message{}, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.blobs.Retain(ctx, id); err != nil {
			rollback()
			return store.Message{}, fmt.Errorf("attach render %s: %w", id, err)
		}
		attached = append(attached, id)
	}

	msg, err := s.store.CreateMessage(ctx, store.Message{
		ID:        util.NewID(),
		ThreadID:  threadID,
		UserID:    userID,
		Body:      strings.TrimSpace(in.Body),
		Metadata:  in.Metadata,
		Snapshot:  in.Snapshot,
		RenderIDs: attached,
	})
	if err != nil {
		rollback()
		return store.Message{}, err
	}

	event := notify.MessageEventFrom(msg)
	s.tasks.Go("message_created", func(ctx context.Context) {
		s.router.NotifyMessageCreated(ctx, threadID, event)
	})
	return msg, nil
}

func (s *Service) ThreadMessages(ctx context.Context, threadID, userID string, limit int) ([]store.Message, error) {
	threadID, err := normalizeID("thread_id", threadID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, threadID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	return s.store.ThreadMessages(ctx, threadID, limit)
}

// DeleteMessage removes a message and releases every render it held. Only
// the author or a thread owner may delete.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID string) ([]blobs.ReleaseResult, error) {
	messageID, err := normalizeID("message_id", messageID)
	if err != nil {
		return nil, err
	}
	userID, err = normalizeID("user_id", userID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.UserID != userID {
		if msg.ThreadID == "" {
			return nil, errForbidden
		}
		if err := s.require(ctx, msg.ThreadID, userID, rbac.ActionManage); err != nil {
			return nil, err
		}
	}

	renders, err := s.store.DeleteMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return s.releaseAll(ctx, renders), nil
}

// releaseAll keeps going after a failed release; the reconcile pass repairs
// whatever count was left behind.
func (s *Service) releaseAll(ctx context.Context, ids []string) []blobs.ReleaseResult {
	out := make([]blobs.ReleaseResult, 0, len(ids))
	for _, id := range ids {
		res, err := s.blobs.Release(ctx, id)
		if err != nil {
			s.log.Error(ctx, "release render failed", "blob_id", id, "err", err)
			continue
		}
		out = append(out, res)
	}
	return out
}

// Playlists

func (s *Service) AddToPlaylist(ctx context.Context, userID, audioID, name string) (bool, error) {
	userID, err := normalizeID("user_id", userID)
	if err != nil {
		return false, err
	}
	audioID, err = normalizeID("audio_id", audioID)
	if err != nil {
		return false, err
	}
	if _, err := s.blobs.Get(ctx, audioID); err != nil {
		return false, err
	}
	added, err := s.store.AddPlaylistEntry(ctx, store.PlaylistEntry{UserID: userID, AudioFileID: audioID, Name: strings.TrimSpace(name)})
	if err != nil || !added {
		return false, err
	}
	if _, err := s.blobs.Retain(ctx, audioID); err != nil {
		if _, undoErr := s.store.RemovePlaylistEntry(context.WithoutCancel(ctx), userID, audioID); undoErr != nil {
			s.log.Error(ctx, "undo playlist entry", "user_id", userID, "blob_id", audioID, "err", undoErr)
		}
		return false, err
	}
	return true, nil
}

// RemoveFromPlaylist returns nil when the entry did not exist.
func (s *Service) RemoveFromPlaylist(ctx context.Context, userID, audioID string) (*blobs.ReleaseResult, error) {
	userID, err := normalizeID("user_id", userID)
	if err != nil {
		return nil, err
	}
	audioID, err = normalizeID("audio_id", audioID)
	if err != nil {
		return nil, err
	}
	removed, err := s.store.RemovePlaylistEntry(ctx, userID, audioID)
	if err != nil || !removed {
		return nil, err
	}
	res, err := s.blobs.Release(ctx, audioID)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Service) Playlist(ctx context.Context, userID string) ([]store.PlaylistEntry, error) {
	userID, err := normalizeID("user_id", userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListPlaylist(ctx, userID)
}

// Presence and maintenance

func (s *Service) Online() []string {
	return s.presence.ListOnline()
}

func (s *Service) RunMaintenance(ctx context.Context, opts gc.Options) (gc.Report, error) {
	if opts.Grace == nil {
		opts = opts.WithGrace(s.cfg.GC.GracePeriod)
	}
	return s.gc.Run(ctx, opts)
}

func (s *Service) Orphans(ctx context.Context) ([]gc.Orphan, error) {
	return s.gc.FindOrphans(ctx, contentstore.AudioPrefix(s.blobs.Env()))
}

var errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)

func (s *Service) require(ctx context.Context, threadID, userID string, action rbac.Action) error {
	userID, err := normalizeID("user_id", userID)
	if err != nil {
		return err
	}
	role, err := s.store.ThreadRole(ctx, threadID, userID)
	if err != nil {
		return err
	}
	if rbac.Can(rbac.Normalize(role), action) {
		return nil
	}
	if role == "" {
		// A missing thread is reported as such rather than forbidden.
		if _, err := s.store.GetThread(ctx, threadID); errors.Is(err, common.ErrNotFound) {
			return err
		}
	}
	return errForbidden
}

func normalizeID(field, value string) (string, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if !util.IsID(value) {
		return "", common.Validation("%s must be a 24-character hex id", field)
	}
	return value, nil
}
