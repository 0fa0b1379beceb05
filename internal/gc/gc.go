// Package gc runs the maintenance passes that keep audio records and backend
// objects consistent: reference count reconciliation, retry of failed
// deletions and the grace-period sweep of unreferenced content.
package gc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"niyya/api/internal/blobs"
	"niyya/api/internal/contentstore"
	"niyya/api/internal/logging"
	"niyya/api/internal/store"
)

const DefaultGracePeriod = 30 * 24 * time.Hour

// Records is the read side of the audio collection plus the one write the
// reconcile pass needs.
type Records interface {
	ListUnreferencedAudioFiles(ctx context.Context, createdBefore time.Time) ([]store.AudioFile, error)
	ListPendingAudioFiles(ctx context.Context) ([]store.AudioFile, error)
	ListAudioFiles(ctx context.Context) ([]store.AudioFile, error)
	AudioReferenceCounts(ctx context.Context) (map[string]store.ReferenceBreakdown, error)
	SetAudioFileReferenceCount(ctx context.Context, id string, expected, count int64) (bool, error)
}

// Purger deletes one unreferenced record and its object. *blobs.Registry
// implements it.
type Purger interface {
	Purge(ctx context.Context, id string) (blobs.PurgeOutcome, error)
}

type SweepResult struct {
	DryRun           bool  `json:"dry_run"`
	Candidates       int   `json:"candidates"`
	Deleted          int   `json:"deleted"`
	Failed           int   `json:"failed"`
	Skipped          int   `json:"skipped"`
	ReclaimedBytes   int64 `json:"reclaimed_bytes"`
	ReclaimableBytes int64 `json:"reclaimable_bytes"`
}

type RetryResult struct {
	Pending     int `json:"pending"`
	Deleted     int `json:"deleted"`
	StillFailed int `json:"still_failed"`
	Unmarked    int `json:"unmarked"`
}

type Drift struct {
	BlobID    string                   `json:"blob_id"`
	Stored    int64                    `json:"stored"`
	Actual    int64                    `json:"actual"`
	Breakdown store.ReferenceBreakdown `json:"breakdown"`
}

type ReconcileResult struct {
	Verified int      `json:"verified"`
	Fixed    int      `json:"fixed"`
	Drift    []Drift  `json:"drift,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

type Orphan struct {
	Key          string    `json:"s3_key"`
	URL          string    `json:"url"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

type Options struct {
	Reconcile bool
	Retry     bool
	Sweep     bool
	DryRun    bool

	// Grace is the sweep's minimum unreferenced age. Nil means
	// DefaultGracePeriod; an explicit zero sweeps every unreferenced blob.
	Grace *time.Duration
}

// AllSteps enables every pass with the default grace period.
func AllSteps() Options {
	return Options{Reconcile: true, Retry: true, Sweep: true}
}

// WithGrace returns a copy of o using grace for the sweep.
func (o Options) WithGrace(grace time.Duration) Options {
	o.Grace = &grace
	return o
}

// GracePeriod resolves the sweep grace period.
func (o Options) GracePeriod() time.Duration {
	if o.Grace == nil {
		return DefaultGracePeriod
	}
	return *o.Grace
}

type Report struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Reconcile  *ReconcileResult `json:"reconcile,omitempty"`
	Retry      *RetryResult     `json:"retry,omitempty"`
	Sweep      *SweepResult     `json:"sweep,omitempty"`
}

type Job struct {
	records Records
	purger  Purger
	content contentstore.Store
	locker  Locker
	log     logging.Logger
	now     func() time.Time
}

type JobOption func(*Job)

func WithLocker(l Locker) JobOption {
	return func(j *Job) { j.locker = l }
}

func WithLogger(l logging.Logger) JobOption {
	return func(j *Job) { j.log = l }
}

func WithClock(now func() time.Time) JobOption {
	return func(j *Job) { j.now = now }
}

func NewJob(records Records, purger Purger, content contentstore.Store, opts ...JobOption) *Job {
	j := &Job{
		records: records,
		purger:  purger,
		content: content,
		locker:  NewMutexLocker(),
		log:     logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.log = j.log.With("component", "gc")
	return j
}

// SweepExpired deletes records that have had no referrers for longer than
// grace. Each deletion goes through the purger, which re-reads the record
// under its content lock, so a record that picked up a referrer after
// selection is skipped.
func (j *Job) SweepExpired(ctx context.Context, grace time.Duration, dryRun bool) (SweepResult, error) {
	if grace < 0 {
		grace = 0
	}
	out := SweepResult{DryRun: dryRun}
	cutoff := j.now().Add(-grace)
	candidates, err := j.records.ListUnreferencedAudioFiles(ctx, cutoff)
	if err != nil {
		return out, fmt.Errorf("list unreferenced: %w", err)
	}
	out.Candidates = len(candidates)

	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		size := sizeOf(rec)
		if dryRun {
			out.ReclaimableBytes += size
			j.log.Info(ctx, "would delete unreferenced audio file", "blob_id", rec.ID, "key", rec.StorageKey, "age", j.now().Sub(rec.CreatedAt).Round(time.Second))
			continue
		}
		outcome, err := j.purger.Purge(ctx, rec.ID)
		if err != nil {
			j.log.Error(ctx, "sweep purge failed", "blob_id", rec.ID, "err", err)
			out.Failed++
			continue
		}
		switch outcome {
		case blobs.PurgeDeleted:
			out.Deleted++
			out.ReclaimedBytes += size
		case blobs.PurgeFailed:
			out.Failed++
		default:
			out.Skipped++
		}
	}

	j.log.Info(ctx, "sweep finished",
		"dry_run", dryRun, "candidates", out.Candidates, "deleted", out.Deleted,
		"failed", out.Failed, "skipped", out.Skipped, "reclaimed_bytes", out.ReclaimedBytes)
	return out, nil
}

// RetryPending retries the backend deletion of every record flagged
// pending. Records that gained a referrer get their flag cleared instead.
func (j *Job) RetryPending(ctx context.Context) (RetryResult, error) {
	return j.retryPending(ctx, false)
}

func (j *Job) retryPending(ctx context.Context, dryRun bool) (RetryResult, error) {
	var out RetryResult
	pending, err := j.records.ListPendingAudioFiles(ctx)
	if err != nil {
		return out, fmt.Errorf("list pending: %w", err)
	}
	out.Pending = len(pending)
	if dryRun {
		j.log.Info(ctx, "would retry pending deletions", "pending", out.Pending)
		return out, nil
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		outcome, err := j.purger.Purge(ctx, rec.ID)
		if err != nil {
			j.log.Error(ctx, "retry purge failed", "blob_id", rec.ID, "err", err)
			out.StillFailed++
			continue
		}
		switch outcome {
		case blobs.PurgeDeleted, blobs.PurgeGone:
			out.Deleted++
		case blobs.PurgeFailed:
			out.StillFailed++
		case blobs.PurgeInUse:
			out.Unmarked++
		}
	}

	j.log.Info(ctx, "pending deletions retried",
		"pending", out.Pending, "deleted", out.Deleted, "still_failed", out.StillFailed, "unmarked", out.Unmarked)
	return out, nil
}

// Reconcile recounts referrer links for every record and overwrites stored
// counts that drifted. It never deletes anything.
func (j *Job) Reconcile(ctx context.Context) (ReconcileResult, error) {
	return j.reconcile(ctx, false)
}

func (j *Job) reconcile(ctx context.Context, dryRun bool) (ReconcileResult, error) {
	var out ReconcileResult
	files, err := j.records.ListAudioFiles(ctx)
	if err != nil {
		return out, fmt.Errorf("list audio files: %w", err)
	}
	actual, err := j.records.AudioReferenceCounts(ctx)
	if err != nil {
		return out, fmt.Errorf("count references: %w", err)
	}

	for _, rec := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Verified++
		breakdown := actual[rec.ID]
		want := breakdown.Total()
		if want == rec.ReferenceCount {
			continue
		}
		drift := Drift{BlobID: rec.ID, Stored: rec.ReferenceCount, Actual: want, Breakdown: breakdown}
		out.Drift = append(out.Drift, drift)
		j.log.Warn(ctx, "reference count drift",
			"blob_id", rec.ID, "stored", rec.ReferenceCount, "actual", want, "breakdown", formatBreakdown(breakdown))
		if dryRun {
			continue
		}
		ok, err := j.records.SetAudioFileReferenceCount(ctx, rec.ID, rec.ReferenceCount, want)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
			continue
		}
		if !ok {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: count changed during reconcile", rec.ID))
			continue
		}
		out.Fixed++
	}

	j.log.Info(ctx, "reconcile finished", "verified", out.Verified, "fixed", out.Fixed, "errors", len(out.Errors))
	return out, nil
}

// Run executes the enabled passes in order: reconcile, retry, sweep. With
// DryRun set no pass mutates anything. Only one run may hold the lease at a
// time; a concurrent caller gets common.ErrConflict.
func (j *Job) Run(ctx context.Context, opts Options) (Report, error) {
	release, err := j.locker.Acquire(ctx)
	if err != nil {
		return Report{}, err
	}
	defer release()

	rep := Report{StartedAt: j.now()}
	if opts.Reconcile {
		res, err := j.reconcile(ctx, opts.DryRun)
		if err != nil {
			return rep, fmt.Errorf("reconcile: %w", err)
		}
		rep.Reconcile = &res
	}
	if opts.Retry {
		res, err := j.retryPending(ctx, opts.DryRun)
		if err != nil {
			return rep, fmt.Errorf("retry pending: %w", err)
		}
		rep.Retry = &res
	}
	if opts.Sweep {
		res, err := j.SweepExpired(ctx, opts.GracePeriod(), opts.DryRun)
		if err != nil {
			return rep, fmt.Errorf("sweep: %w", err)
		}
		rep.Sweep = &res
	}
	rep.FinishedAt = j.now()
	return rep, nil
}

// FindOrphans lists backend objects under prefix that no record points at.
// It only reports; orphans are left for an operator to inspect.
func (j *Job) FindOrphans(ctx context.Context, prefix string) ([]Orphan, error) {
	objects, err := j.content.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	files, err := j.records.ListAudioFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list audio files: %w", err)
	}
	tracked := make(map[string]struct{}, len(files))
	for _, f := range files {
		tracked[f.StorageKey] = struct{}{}
	}

	var out []Orphan
	for _, obj := range objects {
		if _, ok := tracked[obj.Key]; ok {
			continue
		}
		out = append(out, Orphan{
			Key:          obj.Key,
			URL:          j.content.URL(obj.Key),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	j.log.Info(ctx, "orphan scan finished", "prefix", prefix, "objects", len(objects), "orphans", len(out))
	return out, nil
}

func sizeOf(f store.AudioFile) int64 {
	if f.SizeBytes == nil {
		return 0
	}
	return *f.SizeBytes
}

func formatBreakdown(b store.ReferenceBreakdown) string {
	if len(b) == 0 {
		return "none"
	}
	kinds := make([]string, 0, len(b))
	for k := range b {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, b[k]))
	}
	return strings.Join(parts, ",")
}
