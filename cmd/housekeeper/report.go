package main

import (
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/schaermu/housekeeper/internal/fsutil"
	"github.com/schaermu/housekeeper/internal/housekeeper"
	"github.com/schaermu/housekeeper/internal/journal"
)

func printStatus(w io.Writer, s *housekeeper.Status) {
	_, _ = fmt.Fprintln(w, "Housekeeper status:")
	for _, t := range s.Targets {
		_, _ = fmt.Fprintf(w, " - %s: %d files, %s\n", t.Target, t.Files, fsutil.FormatBytes(t.Bytes))
	}
	if s.TrashExists {
		_, _ = fmt.Fprintf(w, " - trash: %d batches\n", s.TrashBatches)
	} else {
		_, _ = fmt.Fprintln(w, " - trash: none")
	}
}

func printCleanup(w io.Writer, r *housekeeper.CleanupResult) {
	if r.DryRun {
		for _, op := range r.Planned {
			_, _ = fmt.Fprintf(w, "would move: %s\n", op.SrcRel)
		}
		_, _ = fmt.Fprintf(w, "DRY-RUN: would move %d files, %s\n", r.Moved(), fsutil.FormatBytes(r.Bytes()))
		return
	}

	for _, item := range r.Items {
		_, _ = fmt.Fprintf(w, "moved: %s\n", item.SrcRel)
	}
	if r.Batch == "" {
		_, _ = fmt.Fprintln(w, "OK: moved 0 files, nothing to clean up")
		return
	}
	_, _ = fmt.Fprintf(w, "OK: moved %d files, %s -> %s\n", r.Moved(), fsutil.FormatBytes(r.Bytes()), fileURL(r.BatchDir))
}

func printPrune(w io.Writer, r *housekeeper.PruneResult) {
	if !r.TrashExists {
		_, _ = fmt.Fprintln(w, "trash empty")
		return
	}

	verb := "prune"
	if r.DryRun {
		verb = "would prune"
	}
	for _, b := range r.Removed {
		_, _ = fmt.Fprintf(w, "%s: %s (%s)\n", verb, b.Name, fsutil.FormatBytes(b.Bytes))
	}

	if r.DryRun {
		_, _ = fmt.Fprintf(w, "DRY-RUN: would remove %d batches, free %s\n", len(r.Removed), fsutil.FormatBytes(r.Bytes()))
		return
	}
	_, _ = fmt.Fprintf(w, "OK: removed %d batches, freed %s\n", len(r.Removed), fsutil.FormatBytes(r.Bytes()))
}

func printRestore(w io.Writer, r *housekeeper.RestoreResult) {
	for _, rel := range r.Restored {
		_, _ = fmt.Fprintf(w, "restored: %s\n", rel)
	}
	_, _ = fmt.Fprintf(w, "OK: restored %d/%d files from batch %s\n", len(r.Restored), r.Total, r.Batch)
}

func printHistory(w io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "no journal entries")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tOPERATION\tFILES\tSIZE\tBATCH\tRESULT")
	for _, e := range entries {
		result := "ok"
		if e.Error != "" {
			result = "error: " + e.Error
		} else if e.DryRun {
			result = "dry-run"
		}
		batch := e.Batch
		if batch == "" {
			batch = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime),
			e.Operation,
			e.Files,
			fsutil.FormatBytes(e.Bytes),
			batch,
			result)
	}
	_ = tw.Flush()
}

func fileURL(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}
