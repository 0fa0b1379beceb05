package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"niyya/api/internal/blobs"
	"niyya/api/internal/gc"
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func bytesOf(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func printReport(w io.Writer, rep gc.Report) {
	if r := rep.Reconcile; r != nil {
		cyan.Fprintln(w, "Reconcile")
		fmt.Fprintf(w, "  verified: %s\n", humanize.Comma(int64(r.Verified)))
		if r.Fixed > 0 {
			yellow.Fprintf(w, "  fixed:    %s\n", humanize.Comma(int64(r.Fixed)))
		} else {
			fmt.Fprintf(w, "  fixed:    0\n")
		}
		for _, d := range r.Drift {
			yellow.Fprintf(w, "    %s  stored %d, actual %d\n", d.BlobID, d.Stored, d.Actual)
		}
		for _, e := range r.Errors {
			red.Fprintf(w, "    error: %s\n", e)
		}
	}
	if r := rep.Retry; r != nil {
		cyan.Fprintln(w, "Retry pending deletions")
		fmt.Fprintf(w, "  pending:      %d\n", r.Pending)
		green.Fprintf(w, "  deleted:      %d\n", r.Deleted)
		fmt.Fprintf(w, "  unmarked:     %d\n", r.Unmarked)
		if r.StillFailed > 0 {
			red.Fprintf(w, "  still failed: %d\n", r.StillFailed)
		}
	}
	if r := rep.Sweep; r != nil {
		title := "Sweep"
		if r.DryRun {
			title = "Sweep (dry run)"
		}
		cyan.Fprintln(w, title)
		fmt.Fprintf(w, "  candidates: %d\n", r.Candidates)
		if r.DryRun {
			yellow.Fprintf(w, "  would reclaim %s\n", bytesOf(r.ReclaimableBytes))
		} else {
			green.Fprintf(w, "  deleted:    %d (%s reclaimed)\n", r.Deleted, bytesOf(r.ReclaimedBytes))
		}
		if r.Skipped > 0 {
			fmt.Fprintf(w, "  skipped:    %d\n", r.Skipped)
		}
		if r.Failed > 0 {
			red.Fprintf(w, "  failed:     %d\n", r.Failed)
		}
	}
	if !rep.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Finished in %s\n", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	}
}

func printOrphans(w io.Writer, orphans []gc.Orphan) {
	if len(orphans) == 0 {
		green.Fprintln(w, "No orphaned objects")
		return
	}
	var total int64
	for _, o := range orphans {
		total += o.Size
		fmt.Fprintf(w, "%s  %8s  %s\n", o.Key, bytesOf(o.Size), humanize.Time(o.LastModified))
	}
	yellow.Fprintf(w, "%d orphaned objects, %s\n", len(orphans), bytesOf(total))
}

func printStats(w io.Writer, s blobs.Stats) {
	fmt.Fprintf(w, "Files:              %s\n", humanize.Comma(s.TotalFiles))
	fmt.Fprintf(w, "References:         %s\n", humanize.Comma(s.TotalReferences))
	fmt.Fprintf(w, "Deduplication:      %.2fx\n", s.DedupRatio)
	fmt.Fprintf(w, "Stored:             %s\n", bytesOf(s.TotalSizeBytes))
	fmt.Fprintf(w, "Unreferenced:       %s\n", humanize.Comma(s.UnreferencedCount))
	if s.PendingCount > 0 {
		red.Fprintf(w, "Pending deletion:   %s\n", humanize.Comma(s.PendingCount))
	} else {
		fmt.Fprintf(w, "Pending deletion:   0\n")
	}
}
