package housekeeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/housekeeper/internal/fsutil"
)

var testNow = time.Date(2025, 10, 16, 12, 30, 45, 123_000_000, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T, root string, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithLogger(testLogger()),
	}
	m, err := NewManager(root, append(base, opts...)...)
	require.NoError(t, err)
	return m
}

// writeAged creates root/rel with content and an mtime age before testNow
func writeAged(t *testing.T, root, rel, content string, age time.Duration) time.Time {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	mtime := testNow.Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return mtime
}

func exists(t *testing.T, path string) bool {
	t.Helper()
	ok, err := fsutil.Exists(path)
	require.NoError(t, err)
	return ok
}

func readManifest(t *testing.T, path string) Manifest {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(data, &manifest))
	return manifest
}

func TestBatchName(t *testing.T) {
	assert.Equal(t, "2025-10-16T12-30-45-123Z", BatchName(testNow))

	// local times are normalised to UTC
	loc := time.FixedZone("CEST", 2*60*60)
	assert.Equal(t, "2025-10-16T12-30-45-123Z", BatchName(testNow.In(loc)))

	earlier := BatchName(testNow.Add(-time.Millisecond))
	assert.Less(t, earlier, BatchName(testNow))
}

func TestSelectStale(t *testing.T) {
	mk := func(name string, age time.Duration) fsutil.File {
		return fsutil.File{Name: name, ModTime: testNow.Add(-age)}
	}
	files := []fsutil.File{
		mk("old-1", 30*day),
		mk("new", time.Hour),
		mk("old-2", 20*day),
		mk("mid", 3*day),
		mk("edge", 7*day),
	}

	tests := []struct {
		name      string
		policy    Policy
		wantStale []string
	}{
		{name: "keep recent covers all", policy: Policy{KeepRecent: 5, KeepDays: 0}, wantStale: nil},
		{name: "keep recent exceeds count", policy: Policy{KeepRecent: 50, KeepDays: 0}, wantStale: nil},
		{name: "age only", policy: Policy{KeepRecent: 0, KeepDays: 7}, wantStale: []string{"edge", "old-2", "old-1"}},
		{name: "recent exempts old files", policy: Policy{KeepRecent: 4, KeepDays: 1}, wantStale: []string{"old-1"}},
		{name: "zero policy moves everything", policy: Policy{}, wantStale: []string{"new", "mid", "edge", "old-2", "old-1"}},
		{name: "young files never stale", policy: Policy{KeepRecent: 1, KeepDays: 10}, wantStale: []string{"old-2", "old-1"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			kept, stale := SelectStale(files, tc.policy, testNow)
			var names []string
			for _, f := range stale {
				names = append(names, f.Name)
			}
			assert.Equal(t, tc.wantStale, names)
			assert.Len(t, kept, len(files)-len(stale))
		})
	}
}

func TestCleanup_TenFilesKeepFiveNewest(t *testing.T) {
	root := t.TempDir()
	mtimes := map[string]time.Time{}
	for i := 0; i < 10; i++ {
		rel := fmt.Sprintf("data/logs/run-%02d.log", i)
		// run-00 is the newest, every file is older than keepDays
		mtimes[rel] = writeAged(t, root, rel, fmt.Sprintf("log line %d", i), time.Duration(8+i)*day)
	}

	m := newTestManager(t, root, WithChecksums(true))
	result, err := m.Cleanup([]string{"data/logs"}, Policy{KeepRecent: 5, KeepDays: 7})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Moved())
	assert.Equal(t, "2025-10-16T12-30-45-123Z", result.Batch)
	require.Len(t, result.Targets, 1)
	assert.Equal(t, TargetResult{Target: "data/logs", Scanned: 10, Kept: 5, Moved: 5, Bytes: 5 * 10}, result.Targets[0])

	for i := 0; i < 10; i++ {
		rel := fmt.Sprintf("data/logs/run-%02d.log", i)
		assert.Equal(t, i < 5, exists(t, filepath.Join(root, rel)), "file %s", rel)
	}

	manifest := readManifest(t, filepath.Join(result.BatchDir, ManifestFile))
	assert.Equal(t, NewEpochMillis(testNow), manifest.CreatedAt)
	require.Len(t, manifest.Items, 5)

	for _, item := range manifest.Items {
		mtime, ok := mtimes[item.SrcRel]
		require.True(t, ok, "unexpected manifest entry %s", item.SrcRel)
		assert.Equal(t, NewEpochMillis(mtime), item.MTime)
		assert.Equal(t, int64(10), item.Size)
		assert.NotEmpty(t, item.SHA256)

		trashed := filepath.Join(root, filepath.FromSlash(item.DstRel))
		info, err := os.Stat(trashed)
		require.NoError(t, err)
		assert.Equal(t, item.Size, info.Size())
		assert.Equal(t, "data_logs__"+filepath.Base(item.SrcRel), filepath.Base(item.DstRel))
	}
}

func TestCleanup_KeepRecentAtLeastFileCountMovesNothing(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 4; i++ {
		writeAged(t, root, fmt.Sprintf("data/logs/%d.log", i), "x", 100*day)
	}

	m := newTestManager(t, root)
	for _, keep := range []int{4, 5, 100} {
		result, err := m.Cleanup([]string{"data/logs"}, Policy{KeepRecent: keep, KeepDays: 0})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Moved(), "keepRecent=%d", keep)
		assert.Empty(t, result.Batch)
	}
	assert.False(t, exists(t, m.TrashRoot()), "no batch should be created")
}

func TestCleanup_YoungFilesNeverMoved(t *testing.T) {
	root := t.TempDir()
	writeAged(t, root, "data/logs/fresh-1.log", "a", 1*day)
	writeAged(t, root, "data/logs/fresh-2.log", "b", 6*day+23*time.Hour)
	writeAged(t, root, "data/logs/edge.log", "c", 7*day)
	writeAged(t, root, "data/logs/old.log", "d", 9*day)

	m := newTestManager(t, root)
	result, err := m.Cleanup([]string{"data/logs"}, Policy{KeepRecent: 0, KeepDays: 7})
	require.NoError(t, err)

	assert.True(t, exists(t, filepath.Join(root, "data/logs/fresh-1.log")))
	assert.True(t, exists(t, filepath.Join(root, "data/logs/fresh-2.log")))
	// an age of exactly keepDays is not "strictly less", so it goes
	assert.False(t, exists(t, filepath.Join(root, "data/logs/edge.log")))
	assert.False(t, exists(t, filepath.Join(root, "data/logs/old.log")))
	assert.Equal(t, 2, result.Moved())
}

func TestCleanup_EmptyAndMissingTargets(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data/empty"), 0755))

	m := newTestManager(t, root)
	result, err := m.Cleanup([]string{"data/empty", "data/missing"}, Policy{KeepRecent: 0, KeepDays: 0})
	require.NoError(t, err)

	require.Len(t, result.Targets, 2)
	for _, tr := range result.Targets {
		assert.Equal(t, 0, tr.Moved, tr.Target)
		assert.Equal(t, 0, tr.Scanned, tr.Target)
	}
	assert.Empty(t, result.Items)
	assert.True(t, exists(t, filepath.Join(root, "data/missing")), "missing target should be created")
	assert.False(t, exists(t, m.TrashRoot()))
}

func TestCleanup_MultipleTargetsShareOneBatch(t *testing.T) {
	root := t.TempDir()
	writeAged(t, root, "data/logs/run.log", "log", 30*day)
	writeAged(t, root, "data/screens/run.log", "png", 30*day)
	writeAged(t, root, "data/screens/nested/keep.png", "nested", 30*day)

	m := newTestManager(t, root)
	result, err := m.Cleanup([]string{"data/logs", "data/screens"}, Policy{})
	require.NoError(t, err)
	require.Equal(t, 2, result.Moved())

	entries, err := os.ReadDir(m.TrashRoot())
	require.NoError(t, err)
	require.Len(t, entries, 1, "one batch per run")

	names, err := os.ReadDir(result.BatchDir)
	require.NoError(t, err)
	var got []string
	for _, e := range names {
		got = append(got, e.Name())
	}
	sort.Strings(got)
	assert.Equal(t, []string{"data_logs__run.log", "data_screens__run.log", ManifestFile}, got)

	// nested directories are not retention candidates
	assert.True(t, exists(t, filepath.Join(root, "data/screens/nested/keep.png")))
}

func TestCleanup_DryRun(t *testing.T) {
	root := t.TempDir()
	writeAged(t, root, "data/logs/old.log", "old", 30*day)

	m := newTestManager(t, root, WithDryRun(true))
	result, err := m.Cleanup([]string{"data/logs", "data/absent"}, Policy{})
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.Moved())
	require.Len(t, result.Planned, 1)
	assert.Equal(t, "data/logs/old.log", result.Planned[0].SrcRel)
	assert.True(t, exists(t, filepath.Join(root, "data/logs/old.log")))
	assert.False(t, exists(t, filepath.Join(root, "data/absent")))
	assert.False(t, exists(t, m.TrashRoot()))
}

func TestCleanup_RejectsTargetInsideTrash(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	_, err := m.Cleanup([]string{"data/.trash/2025"}, Policy{})
	assert.Error(t, err)

	_, err = m.Cleanup([]string{"../elsewhere"}, Policy{})
	assert.Error(t, err)
}

func TestCleanup_BatchNameCollision(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root)

	writeAged(t, root, "data/logs/a.log", "a", 30*day)
	first, err := m.Cleanup([]string{"data/logs"}, Policy{})
	require.NoError(t, err)

	writeAged(t, root, "data/logs/b.log", "b", 30*day)
	second, err := m.Cleanup([]string{"data/logs"}, Policy{})
	require.NoError(t, err)

	assert.Equal(t, "2025-10-16T12-30-45-123Z", first.Batch)
	assert.Equal(t, "2025-10-16T12-30-45-123Z-1", second.Batch)

	latest, err := m.LatestBatch()
	require.NoError(t, err)
	assert.Equal(t, second.Batch, latest)
}

func TestLatestBatch_NumericSuffixOrder(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root)

	base := BatchName(testNow)
	for _, name := range []string{base, base + "-2", base + "-10", base + "-9", BatchName(testNow.Add(-time.Hour)) + "-11"} {
		require.NoError(t, os.MkdirAll(filepath.Join(m.TrashRoot(), name), 0755))
	}

	latest, err := m.LatestBatch()
	require.NoError(t, err)
	assert.Equal(t, base+"-10", latest)
}

func TestCleanup_EncodedNameCollision(t *testing.T) {
	root := t.TempDir()
	writeAged(t, root, "a/b/x.log", "first", 30*day)
	writeAged(t, root, "a_b/x.log", "second", 30*day)

	m := newTestManager(t, root)
	result, err := m.Cleanup([]string{"a/b", "a_b"}, Policy{})
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	assert.NotEqual(t, result.Items[0].DstRel, result.Items[1].DstRel)

	entries, err := os.ReadDir(result.BatchDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "two trashed files and the manifest")

	restored, err := m.RestoreLast()
	require.NoError(t, err)
	assert.Len(t, restored.Restored, 2)

	for rel, want := range map[string]string{"a/b/x.log": "first", "a_b/x.log": "second"} {
		got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, want, string(got), rel)
	}
}

func TestTrashName_Suffix(t *testing.T) {
	used := map[string]bool{}
	assert.Equal(t, "a_b__x.log", trashName("a/b", "x.log", used))
	assert.Equal(t, "a_b__x-1.log", trashName("a_b", "x.log", used))
	assert.Equal(t, "a_b__x-2.log", trashName(filepath.Join("a", "b"), "x.log", used))
	assert.Equal(t, "a_b__x-1-1.log", trashName("a_b", "x-1.log", used))
}

func TestCleanup_DuplicateTargets(t *testing.T) {
	root := t.TempDir()
	writeAged(t, root, "data/logs/a.log", "aaa", 30*day)
	writeAged(t, root, "data/logs/b.log", "bb", 30*day)

	m := newTestManager(t, root)
	result, err := m.Cleanup([]string{"data/logs", "./data/logs", "data/logs/"}, Policy{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Moved())
	require.Len(t, result.Targets, 1)

	manifest := readManifest(t, filepath.Join(result.BatchDir, ManifestFile))
	assert.Len(t, manifest.Items, 2)

	status, err := m.Status([]string{"data/logs", "data/./logs"})
	require.NoError(t, err)
	assert.Len(t, status.Targets, 1)

	restored, err := m.RestoreLast()
	require.NoError(t, err)
	assert.Len(t, restored.Restored, 2)
}

func TestCleanup_ChecksumsOffByDefault(t *testing.T) {
	root := t.TempDir()
	writeAged(t, root, "data/logs/a.log", "aaa", 30*day)

	result, err := newTestManager(t, root).Cleanup([]string{"data/logs"}, Policy{})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Empty(t, result.Items[0].SHA256)
}

func TestRestoreLast_RoundTrip(t *testing.T) {
	root := t.TempDir()
	writeAged(t, root, "data/logs/a.log", "aaa", 30*day)
	writeAged(t, root, "data/logs/b.log", "bb", 20*day)
	writeAged(t, root, "data/screens/shot.png", "png", 10*day)
	writeAged(t, root, "data/logs/keep.log", "keep", time.Hour)

	m := newTestManager(t, root)
	cleanup, err := m.Cleanup([]string{"data/logs", "data/screens"}, Policy{KeepRecent: 0, KeepDays: 7})
	require.NoError(t, err)
	require.Equal(t, 3, cleanup.Moved())

	// remove the (now empty) screens target; restore must recreate it
	require.NoError(t, os.RemoveAll(filepath.Join(root, "data/screens")))

	result, err := m.RestoreLast()
	require.NoError(t, err)
	assert.Equal(t, cleanup.Batch, result.Batch)
	assert.Equal(t, 3, result.Total)
	assert.ElementsMatch(t, []string{"data/logs/a.log", "data/logs/b.log", "data/screens/shot.png"}, result.Restored)

	for rel, want := range map[string]string{
		"data/logs/a.log":       "aaa",
		"data/logs/b.log":       "bb",
		"data/screens/shot.png": "png",
		"data/logs/keep.log":    "keep",
	} {
		got, err := os.ReadFile(filepath.Join(root, rel))
		require.NoError(t, err, rel)
		assert.Equal(t, want, string(got), rel)
	}

	// batch and manifest stay in place
	assert.True(t, exists(t, filepath.Join(cleanup.BatchDir, ManifestFile)))

	again, err := m.RestoreLast()
	require.NoError(t, err)
	assert.Empty(t, again.Restored)
	assert.Len(t, again.Skipped, 3)
}

func TestRestoreLast_DoesNotOverwrite(t *testing.T) {
	root := t.TempDir()
	writeAged(t, root, "data/logs/a.log", "original", 30*day)

	m := newTestManager(t, root)
	cleanup, err := m.Cleanup([]string{"data/logs"}, Policy{})
	require.NoError(t, err)

	writeAged(t, root, "data/logs/a.log", "replacement", 0)

	result, err := m.RestoreLast()
	require.NoError(t, err)
	assert.Empty(t, result.Restored)
	assert.Equal(t, []string{"data/logs/a.log"}, result.Skipped)

	got, err := os.ReadFile(filepath.Join(root, "data/logs/a.log"))
	require.NoError(t, err)
	assert.Equal(t, "replacement", string(got))
	assert.True(t, exists(t, filepath.Join(root, filepath.FromSlash(cleanup.Items[0].DstRel))))
}

func TestRestoreLast_Preconditions(t *testing.T) {
	t.Run("no trash root", func(t *testing.T) {
		root := t.TempDir()
		m := newTestManager(t, root)

		_, err := m.RestoreLast()
		assert.True(t, errors.Is(err, ErrNoTrash), "got %v", err)

		entries, err := os.ReadDir(root)
		require.NoError(t, err)
		assert.Empty(t, entries, "restore must not create files")
	})

	t.Run("no batches", func(t *testing.T) {
		root := t.TempDir()
		m := newTestManager(t, root)
		require.NoError(t, os.MkdirAll(m.TrashRoot(), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(m.TrashRoot(), ".gitkeep"), nil, 0644))

		_, err := m.RestoreLast()
		assert.True(t, errors.Is(err, ErrNoBatches), "got %v", err)
	})

	t.Run("missing manifest", func(t *testing.T) {
		root := t.TempDir()
		m := newTestManager(t, root)
		require.NoError(t, os.MkdirAll(filepath.Join(m.TrashRoot(), "2025-01-01T00-00-00-000Z"), 0755))

		_, err := m.RestoreLast()
		assert.True(t, errors.Is(err, ErrNoManifest), "got %v", err)
	})
}

func TestRestoreLast_PicksLexicographicallyLastBatch(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root)

	older := filepath.Join(m.TrashRoot(), "2025-01-01T00-00-00-000Z")
	newer := filepath.Join(m.TrashRoot(), "2025-02-01T00-00-00-000Z")
	writeAged(t, root, "data/.trash/2025-01-01T00-00-00-000Z/data_logs__old.log", "old", 0)
	writeAged(t, root, "data/.trash/2025-02-01T00-00-00-000Z/data_logs__new.log", "new", 0)

	require.NoError(t, fsutil.WriteJSON(filepath.Join(older, ManifestFile), Manifest{Items: []ManifestEntry{
		{SrcRel: "data/logs/old.log", DstRel: "data/.trash/2025-01-01T00-00-00-000Z/data_logs__old.log", Size: 3},
	}}))
	require.NoError(t, fsutil.WriteJSON(filepath.Join(newer, ManifestFile), Manifest{Items: []ManifestEntry{
		{SrcRel: "data/logs/new.log", DstRel: "data/.trash/2025-02-01T00-00-00-000Z/data_logs__new.log", Size: 3},
		{SrcRel: "../escape.log", DstRel: "data/.trash/2025-02-01T00-00-00-000Z/data_logs__new.log", Size: 3},
	}}))

	result, err := m.RestoreLast()
	require.NoError(t, err)
	assert.Equal(t, "2025-02-01T00-00-00-000Z", result.Batch)
	assert.Equal(t, []string{"data/logs/new.log"}, result.Restored)
	assert.Equal(t, []string{"../escape.log"}, result.Skipped)
	assert.False(t, exists(t, filepath.Join(root, "data/logs/old.log")))
}

func TestPrune(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root)

	batch := func(name string, age time.Duration) string {
		writeAged(t, root, "data/.trash/"+name+"/data_logs__x.log", "12345", 0)
		require.NoError(t, fsutil.WriteJSON(filepath.Join(m.TrashRoot(), name, ManifestFile), Manifest{}))
		dir := filepath.Join(m.TrashRoot(), name)
		mtime := testNow.Add(-age)
		require.NoError(t, os.Chtimes(dir, mtime, mtime))
		return dir
	}

	old := batch("2025-08-01T00-00-00-000Z", 45*day)
	edge := batch("2025-09-16T00-00-00-000Z", 30*day)
	recent := batch("2025-10-10T00-00-00-000Z", 6*day)
	// stray files in the trash root are ignored
	require.NoError(t, os.WriteFile(filepath.Join(m.TrashRoot(), ".gitkeep"), nil, 0644))

	result, err := m.Prune(30)
	require.NoError(t, err)

	require.Len(t, result.Removed, 1)
	assert.Equal(t, "2025-08-01T00-00-00-000Z", result.Removed[0].Name)
	assert.Greater(t, result.Bytes(), int64(5))
	assert.False(t, exists(t, old))
	assert.True(t, exists(t, edge), "a batch at the threshold is kept")
	assert.True(t, exists(t, recent))
	assert.True(t, exists(t, filepath.Join(m.TrashRoot(), ".gitkeep")))
}

func TestPrune_DryRunAndMissingTrash(t *testing.T) {
	root := t.TempDir()

	m := newTestManager(t, root, WithDryRun(true))
	result, err := m.Prune(0)
	require.NoError(t, err)
	assert.False(t, result.TrashExists)
	assert.Empty(t, result.Removed)

	writeAged(t, root, "data/.trash/b1/f", "x", 0)
	dir := filepath.Join(m.TrashRoot(), "b1")
	mtime := testNow.Add(-2 * day)
	require.NoError(t, os.Chtimes(dir, mtime, mtime))

	result, err = m.Prune(1)
	require.NoError(t, err)
	assert.Len(t, result.Removed, 1)
	assert.True(t, exists(t, dir), "dry-run must not delete")
}

func TestStatus(t *testing.T) {
	root := t.TempDir()
	writeAged(t, root, "data/logs/a.log", "1234", 0)
	writeAged(t, root, "data/logs/b.log", "56", 0)
	writeAged(t, root, "data/logs/archive/c.log", "789", 0)

	m := newTestManager(t, root)

	status, err := m.Status([]string{"data/logs", "data/missing"})
	require.NoError(t, err)
	assert.Equal(t, []TargetStatus{
		{Target: "data/logs", Files: 2, Bytes: 12},
		{Target: "data/missing", Files: 0, Bytes: 0},
	}, status.Targets)
	assert.False(t, status.TrashExists)
	assert.Equal(t, 0, status.TrashBatches)

	require.NoError(t, os.MkdirAll(filepath.Join(m.TrashRoot(), "b1"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(m.TrashRoot(), "b2"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(m.TrashRoot(), ".gitkeep"), nil, 0644))

	status, err = m.Status(nil)
	require.NoError(t, err)
	assert.True(t, status.TrashExists)
	assert.Equal(t, 2, status.TrashBatches)
}

func TestEpochMillis_UnmarshalFractional(t *testing.T) {
	var entry ManifestEntry
	require.NoError(t, json.Unmarshal([]byte(`{"srcRel":"a","dstRel":"b","size":1,"mtime":1697450000123.789}`), &entry))
	assert.Equal(t, EpochMillis(1697450000123), entry.MTime)

	require.NoError(t, json.Unmarshal([]byte(`{"mtime":1697450000456}`), &entry))
	assert.Equal(t, EpochMillis(1697450000456), entry.MTime)
	assert.Equal(t, int64(1697450000456), entry.MTime.Time().UnixMilli())

	assert.Error(t, json.Unmarshal([]byte(`{"mtime":"soon"}`), &entry))
}
