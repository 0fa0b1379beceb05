package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"niyya/api/internal/blobs"
	"niyya/api/internal/contentstore"
	"niyya/api/internal/gc"
	"niyya/api/internal/store"
)

type fixture struct {
	records *store.MemoryStore
	content *contentstore.MemoryStore
	c       *cmdContext
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	color.NoColor = true
	f := &fixture{
		records: store.NewMemoryStore(),
		content: contentstore.NewMemoryStore("https://cdn.test"),
	}
	registry := blobs.New(f.records, f.content, blobs.Options{Env: "stage"})
	f.c = &cmdContext{
		Env:      "stage",
		Grace:    gc.DefaultGracePeriod,
		Registry: registry,
		Job:      gc.NewJob(f.records, registry, f.content),
	}

	previous := openContext
	openContext = func(context.Context) (*cmdContext, error) { return f.c, nil }
	t.Cleanup(func() { openContext = previous })
	return f
}

// stage stores data and registers an unreferenced record created age ago.
func (f *fixture) stage(t *testing.T, data string, age time.Duration) store.AudioFile {
	t.Helper()
	ctx := context.Background()
	created := time.Now().Add(-age)
	f.records.SetClock(func() time.Time { return created })
	defer f.records.SetClock(time.Now)

	hash := contentstore.Hash([]byte(data))
	require.NoError(t, f.content.Put(ctx, contentstore.Key("stage", hash, "mp3"), []byte(data), "audio/mpeg"))
	size := int64(len(data))
	res, err := f.c.Registry.GetOrCreate(ctx, blobs.Registration{ContentHash: hash, Format: "mp3", SizeBytes: &size}, 0)
	require.NoError(t, err)
	return res.Record
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStats_JSON(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "kick", time.Hour)
	f.stage(t, "snare", time.Hour)

	out, err := execute(t, "stats", "--json")
	require.NoError(t, err)

	var stats blobs.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, int64(2), stats.TotalFiles)
	assert.Equal(t, int64(2), stats.UnreferencedCount)
	assert.Equal(t, int64(len("kick")+len("snare")), stats.TotalSizeBytes)
}

func TestStats_Text(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "kick", time.Hour)

	out, err := execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Files:              1")
	assert.Contains(t, out, "Pending deletion:   0")
}

func TestSweep_DryRunThenDelete(t *testing.T) {
	f := newFixture(t)
	old := f.stage(t, "old take", 40*24*time.Hour)
	f.stage(t, "new take", time.Hour)

	out, err := execute(t, "sweep", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Sweep (dry run)")
	assert.Contains(t, out, "candidates: 1")
	assert.Equal(t, 2, f.content.Len())

	out, err = execute(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted:    1")
	assert.Equal(t, 1, f.content.Len())

	_, err = f.records.GetAudioFile(context.Background(), old.ID)
	assert.Error(t, err)
}

func TestSweep_GraceFlagOverridesConfig(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "old take", 40*24*time.Hour)

	out, err := execute(t, "sweep", "--grace", "1200h", "--json")
	require.NoError(t, err)

	var rep gc.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.NotNil(t, rep.Sweep)
	assert.Equal(t, 0, rep.Sweep.Candidates)
	assert.Nil(t, rep.Reconcile)
	assert.Equal(t, 1, f.content.Len())
}

func TestSweep_ZeroGraceSweepsFreshBlobs(t *testing.T) {
	f := newFixture(t)
	fresh := f.stage(t, "fresh take", time.Minute)

	out, err := execute(t, "sweep", "--json")
	require.NoError(t, err)
	var rep gc.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 0, rep.Sweep.Candidates, "config grace keeps fresh blobs")

	out, err = execute(t, "sweep", "--grace", "0s", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 1, rep.Sweep.Deleted)
	assert.Equal(t, 0, f.content.Len())

	_, err = f.records.GetAudioFile(context.Background(), fresh.ID)
	assert.Error(t, err)
}

func TestRun_SkipFlags(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "loop", time.Hour)

	out, err := execute(t, "run", "--skip-sweep", "--json")
	require.NoError(t, err)

	var rep gc.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.NotNil(t, rep.Reconcile)
	assert.Equal(t, 1, rep.Reconcile.Verified)
	assert.Equal(t, 0, rep.Reconcile.Fixed)
	assert.NotNil(t, rep.Retry)
	assert.Nil(t, rep.Sweep)
}

func TestOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stage(t, "tracked", time.Hour)
	stray := contentstore.Key("stage", contentstore.Hash([]byte("stray")), "wav")
	require.NoError(t, f.content.Put(ctx, stray, []byte("stray"), "audio/wav"))
	require.NoError(t, f.content.Put(ctx, "prod/audio/other.mp3", []byte("other env"), "audio/mpeg"))

	out, err := execute(t, "orphans")
	require.NoError(t, err)
	assert.Contains(t, out, stray)
	assert.NotContains(t, out, "prod/audio/other.mp3")
	assert.Contains(t, out, "1 orphaned objects")

	out, err = execute(t, "orphans", "--json")
	require.NoError(t, err)
	var body struct {
		Orphans []gc.Orphan `json:"orphans"`
		Count   int         `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, stray, body.Orphans[0].Key)
}

func TestRejectsPositionalArgs(t *testing.T) {
	newFixture(t)
	_, err := execute(t, "stats", "extra")
	assert.Error(t, err)
}
