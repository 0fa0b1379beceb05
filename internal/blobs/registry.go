// Package blobs is the single authority for whether a piece of audio content
// already exists and who is using it. It owns deduplication, reference
// counting and the decision to delete content from the backend.
package blobs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"niyya/api/internal/common"
	"niyya/api/internal/contentstore"
	"niyya/api/internal/logging"
	"niyya/api/internal/store"
	"niyya/api/internal/util"
)

// Collection is the record store behind the registry. Every mutating method
// must be atomic at the storage level.
type Collection interface {
	GetAudioFile(ctx context.Context, id string) (store.AudioFile, error)
	FindAudioFileByHash(ctx context.Context, contentHash string) (store.AudioFile, error)
	FindAudioFileByURL(ctx context.Context, url string) (store.AudioFile, error)
	UpsertAudioFile(ctx context.Context, f store.AudioFile, delta int64) (store.AudioFile, bool, error)
	IncrementAudioFile(ctx context.Context, id string, delta int64, name string) (store.AudioFile, error)
	DecrementAudioFile(ctx context.Context, id string) (store.AudioFile, error)
	ClaimAudioFileForDeletion(ctx context.Context, id string) (bool, error)
	DeleteAudioFileIfUnreferenced(ctx context.Context, id string) (bool, error)
	SetAudioFilePending(ctx context.Context, id string, pending bool) error
	AudioFileStats(ctx context.Context) (store.AudioStats, error)
}

type Status string

const (
	StatusCreated  Status = "created"
	StatusExisting Status = "existing"

	StatusUploaded Status = "uploaded"
	StatusRestored Status = "restored"

	StatusDeleted         Status = "deleted"
	StatusPendingDeletion Status = "pendingDeletion"
	StatusDecremented     Status = "decremented"
)

// Registration carries the locator hints a client sends when attaching a
// referrer to uploaded content.
type Registration struct {
	URL             string   `json:"url"`
	StorageKey      string   `json:"storageKey"`
	ContentHash     string   `json:"contentHash"`
	Format          string   `json:"format"`
	Bitrate         *int     `json:"bitrate,omitempty"`
	DurationSeconds *float64 `json:"durationSeconds,omitempty"`
	SizeBytes       *int64   `json:"sizeBytes,omitempty"`
	Name            string   `json:"name,omitempty"`
}

type Result struct {
	Record  store.AudioFile
	Created bool
}

func (r Result) Status() Status {
	if r.Created {
		return StatusCreated
	}
	return StatusExisting
}

type ReleaseResult struct {
	BlobID         string
	ReferenceCount int64
	Status         Status
}

type Stats struct {
	TotalFiles        int64   `json:"total_files"`
	TotalReferences   int64   `json:"total_references"`
	DedupRatio        float64 `json:"deduplication_ratio"`
	TotalSizeBytes    int64   `json:"total_size_bytes"`
	UnreferencedCount int64   `json:"unreferenced_files"`
	PendingCount      int64   `json:"pending_deletion_files"`
}

type Options struct {
	Env    string
	Logger logging.Logger
}

type Registry struct {
	records Collection
	content contentstore.Store
	env     string
	log     logging.Logger
	locks   hashLocks
	now     func() time.Time
}

func New(records Collection, content contentstore.Store, opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	env := opts.Env
	if env == "" {
		env = "stage"
	}
	return &Registry{
		records: records,
		content: content,
		env:     env,
		log:     log.With("component", "blobs"),
		now:     time.Now,
	}
}

func (r *Registry) Env() string {
	return r.env
}

func (r *Registry) Get(ctx context.Context, id string) (store.AudioFile, error) {
	return r.records.GetAudioFile(ctx, id)
}

// GetOrCreate attaches delta referrers to the content described by reg,
// creating its record on first sight. Concurrent callers racing on the same
// content hash converge on one record and every delta is counted.
func (r *Registry) GetOrCreate(ctx context.Context, reg Registration, delta int64) (Result, error) {
	if delta < 0 {
		return Result{}, common.Validation("referrer delta must not be negative")
	}
	reg.URL = strings.TrimSpace(reg.URL)
	reg.ContentHash = strings.ToLower(strings.TrimSpace(reg.ContentHash))
	if reg.URL == "" && reg.ContentHash == "" {
		return Result{}, common.Validation("url or contentHash is required")
	}

	if reg.ContentHash == "" {
		// Records registered before hashing existed can only be found by URL.
		existing, err := r.records.FindAudioFileByURL(ctx, reg.URL)
		if err == nil {
			rec, err := r.records.IncrementAudioFile(ctx, existing.ID, delta, reg.Name)
			if err != nil {
				return Result{}, fmt.Errorf("increment %s: %w", existing.ID, err)
			}
			return Result{Record: rec}, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			return Result{}, fmt.Errorf("find by url: %w", err)
		}
		return Result{}, common.Validation("contentHash is required for new content")
	}

	if !isDigest(reg.ContentHash) {
		return Result{}, common.Validation("contentHash must be a 64-character sha256 hex digest")
	}
	format := contentstore.NormalizeFormat(reg.Format)
	if !allowedFormats[format] {
		return Result{}, common.Validation("unsupported audio format %q", format)
	}
	key := contentstore.Key(r.env, reg.ContentHash, format)
	if sk := strings.TrimSpace(reg.StorageKey); sk != "" && sk != key {
		return Result{}, common.Validation("storageKey does not match contentHash and format")
	}
	reg.StorageKey = key
	reg.URL = r.content.URL(key)
	reg.Format = format

	unlock := r.locks.lock(reg.ContentHash)
	defer unlock()

	_, err := r.records.FindAudioFileByHash(ctx, reg.ContentHash)
	switch {
	case errors.Is(err, common.ErrNotFound):
		stored, err := r.content.Exists(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("register %s: %w", reg.ContentHash, err)
		}
		if !stored {
			return Result{}, common.Validation("content %s has not been uploaded", reg.ContentHash)
		}
	case err != nil:
		return Result{}, fmt.Errorf("find by hash: %w", err)
	}

	rec, created, err := r.records.UpsertAudioFile(ctx, store.AudioFile{
		ID:              util.NewID(),
		ContentHash:     reg.ContentHash,
		StorageKey:      reg.StorageKey,
		URL:             reg.URL,
		Format:          reg.Format,
		Bitrate:         reg.Bitrate,
		DurationSeconds: reg.DurationSeconds,
		SizeBytes:       reg.SizeBytes,
		Name:            reg.Name,
	}, delta)
	if err != nil {
		return Result{}, fmt.Errorf("register %s: %w", reg.ContentHash, err)
	}
	if created {
		r.log.Info(ctx, "audio file registered", "blob_id", rec.ID, "hash", rec.ContentHash, "refs", rec.ReferenceCount)
	} else {
		r.log.Debug(ctx, "audio file deduplicated", "blob_id", rec.ID, "hash", rec.ContentHash, "refs", rec.ReferenceCount)
	}
	return Result{Record: rec, Created: created}, nil
}

// Retain adds one referrer to an already registered record.
func (r *Registry) Retain(ctx context.Context, id string) (store.AudioFile, error) {
	rec, err := r.records.GetAudioFile(ctx, id)
	if err != nil {
		return store.AudioFile{}, err
	}
	unlock := r.locks.lock(rec.ContentHash)
	defer unlock()
	return r.records.IncrementAudioFile(ctx, id, 1, "")
}

// Release removes one referrer. When the count reaches zero the content is
// deleted right away; if any deletion step fails the release still succeeds
// and reports pending_deletion.
func (r *Registry) Release(ctx context.Context, id string) (ReleaseResult, error) {
	current, err := r.records.GetAudioFile(ctx, id)
	if err != nil {
		return ReleaseResult{}, err
	}
	unlock := r.locks.lock(current.ContentHash)
	defer unlock()

	rec, err := r.records.DecrementAudioFile(ctx, id)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("release %s: %w", id, err)
	}
	out := ReleaseResult{BlobID: id, ReferenceCount: rec.ReferenceCount, Status: StatusDecremented}
	if rec.ReferenceCount > 0 {
		return out, nil
	}

	switch outcome, err := r.purgeLocked(ctx, rec); {
	case err != nil:
		return ReleaseResult{}, err
	case outcome == PurgeDeleted:
		out.Status = StatusDeleted
	case outcome == PurgeFailed:
		out.Status = StatusPendingDeletion
	}
	return out, nil
}

type PurgeOutcome int

const (
	// PurgeDeleted: backend object and record are gone.
	PurgeDeleted PurgeOutcome = iota
	// PurgeFailed: deletion did not finish; the record is left for the
	// retry pass or the sweep.
	PurgeFailed
	// PurgeInUse: the record gained a referrer; the pending flag was cleared.
	PurgeInUse
	// PurgeGone: the record no longer exists.
	PurgeGone
)

func (o PurgeOutcome) String() string {
	switch o {
	case PurgeDeleted:
		return "deleted"
	case PurgeFailed:
		return "failed"
	case PurgeInUse:
		return "in_use"
	default:
		return "gone"
	}
}

// Purge deletes an unreferenced record and its backend object. It re-reads
// the record under the content lock, so a record that gained a referrer
// since it was selected is never deleted.
func (r *Registry) Purge(ctx context.Context, id string) (PurgeOutcome, error) {
	rec, err := r.records.GetAudioFile(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return PurgeGone, nil
	}
	if err != nil {
		return PurgeGone, err
	}
	unlock := r.locks.lock(rec.ContentHash)
	defer unlock()

	rec, err = r.records.GetAudioFile(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return PurgeGone, nil
	}
	if err != nil {
		return PurgeGone, err
	}
	return r.purgeLocked(ctx, rec)
}

func (r *Registry) purgeLocked(ctx context.Context, rec store.AudioFile) (PurgeOutcome, error) {
	if rec.ReferenceCount > 0 {
		if rec.PendingDeletion {
			if err := r.records.SetAudioFilePending(ctx, rec.ID, false); err != nil {
				return PurgeInUse, fmt.Errorf("clear pending %s: %w", rec.ID, err)
			}
			r.log.Info(ctx, "pending deletion cleared, file back in use", "blob_id", rec.ID, "refs", rec.ReferenceCount)
		}
		return PurgeInUse, nil
	}

	// Flag the record pending before the object is deleted.
	claimed, err := r.records.ClaimAudioFileForDeletion(ctx, rec.ID)
	if err != nil {
		r.log.Warn(ctx, "could not flag audio file for deletion, leaving it for the sweep", "blob_id", rec.ID, "err", err)
		return PurgeFailed, nil
	}
	if !claimed {
		r.log.Info(ctx, "audio file gained a referrer before deletion", "blob_id", rec.ID)
		return PurgeInUse, nil
	}

	if err := r.content.Delete(ctx, rec.StorageKey); err != nil {
		r.log.Warn(ctx, "backend delete failed, left pending", "blob_id", rec.ID, "key", rec.StorageKey, "err", err)
		return PurgeFailed, nil
	}

	deleted, err := r.records.DeleteAudioFileIfUnreferenced(ctx, rec.ID)
	if err != nil {
		r.log.Error(ctx, "record delete failed after backend delete, left pending", "blob_id", rec.ID, "err", err)
		return PurgeFailed, nil
	}
	if !deleted {
		// Another process attached a referrer between the claim and the
		// object delete. The record keeps its pending flag.
		r.log.Error(ctx, "audio file revived after backend delete", "blob_id", rec.ID, "key", rec.StorageKey)
		return PurgeInUse, nil
	}
	r.log.Info(ctx, "audio file deleted", "blob_id", rec.ID, "key", rec.StorageKey)
	return PurgeDeleted, nil
}

func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	st, err := r.records.AudioFileStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{
		TotalFiles:        st.TotalFiles,
		TotalReferences:   st.TotalReferences,
		TotalSizeBytes:    st.TotalSizeBytes,
		UnreferencedCount: st.UnreferencedCount,
		PendingCount:      st.PendingCount,
	}
	if st.TotalFiles > 0 {
		out.DedupRatio = math.Round(float64(st.TotalReferences)/float64(st.TotalFiles)*100) / 100
	}
	return out, nil
}

func isDigest(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// hashLocks serializes registry operations per content hash within this
// process.
type hashLocks struct {
	shards [64]sync.Mutex
}

func (l *hashLocks) lock(hash string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hash))
	m := &l.shards[h.Sum32()%uint32(len(l.shards))]
	m.Lock()
	return m.Unlock
}
