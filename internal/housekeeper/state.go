package housekeeper

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"
)

// ManifestFile is the name of the manifest written into every batch
const ManifestFile = "manifest.json"

var (
	// ErrNoTrash is returned by RestoreLast when the trash root does not exist
	ErrNoTrash = errors.New("no trash directory")
	// ErrNoBatches is returned by RestoreLast when the trash root holds no batches
	ErrNoBatches = errors.New("no trash batches to restore")
	// ErrNoManifest is returned by RestoreLast when the newest batch has no manifest
	ErrNoManifest = errors.New("newest trash batch has no manifest")
)

// Policy controls which files a cleanup run keeps
type Policy struct {
	KeepRecent   int // newest files always kept per target
	KeepDays     int // files younger than this are kept
	TrashMaxDays int // batches older than this are pruned
}

// Manifest records every file moved by one cleanup run
type Manifest struct {
	CreatedAt EpochMillis     `json:"createdAt"`
	Items     []ManifestEntry `json:"items"`
}

// ManifestEntry maps a moved file back to its original location. Paths are
// relative to the project root and use forward slashes.
type ManifestEntry struct {
	SrcRel string      `json:"srcRel"`
	DstRel string      `json:"dstRel"`
	Size   int64       `json:"size"`
	MTime  EpochMillis `json:"mtime"`
	SHA256 string      `json:"sha256,omitempty"`
}

// EpochMillis is a Unix timestamp in milliseconds. Fractional values are
// accepted when decoding.
type EpochMillis int64

// NewEpochMillis converts t to milliseconds since the epoch
func NewEpochMillis(t time.Time) EpochMillis {
	return EpochMillis(t.UnixMilli())
}

// Time returns the timestamp as a time.Time
func (m EpochMillis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

// UnmarshalJSON accepts integral and fractional millisecond values
func (m *EpochMillis) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*m = EpochMillis(i)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return err
	}
	*m = EpochMillis(math.Floor(f))
	return nil
}

// FileOp represents a single file move of a cleanup plan
type FileOp struct {
	Target  string // cleaned target the file belongs to
	SrcPath string // absolute path in the target
	SrcRel  string // root-relative path, forward slashes
	DstName string // file name inside the batch
	Size    int64
	ModTime time.Time
}

// TargetStatus summarises one watched target
type TargetStatus struct {
	Target string `json:"target"`
	Files  int    `json:"files"`
	Bytes  int64  `json:"bytes"`
}

// Status is the result of Manager.Status
type Status struct {
	Targets      []TargetStatus `json:"targets"`
	TrashExists  bool           `json:"trashExists"`
	TrashBatches int            `json:"trashBatches"`
}

// TargetResult summarises cleanup of one target
type TargetResult struct {
	Target  string `json:"target"`
	Scanned int    `json:"scanned"`
	Kept    int    `json:"kept"`
	Moved   int    `json:"moved"`
	Bytes   int64  `json:"bytes"`
}

// CleanupResult is the result of Manager.Cleanup
type CleanupResult struct {
	Batch    string          `json:"batch,omitempty"`
	BatchDir string          `json:"batchDir,omitempty"`
	DryRun   bool            `json:"dryRun"`
	Targets  []TargetResult  `json:"targets"`
	Items    []ManifestEntry `json:"items"`
	Planned  []FileOp        `json:"-"`
}

// Moved returns the number of files moved (or planned in dry-run)
func (r *CleanupResult) Moved() int {
	n := 0
	for _, t := range r.Targets {
		n += t.Moved
	}
	return n
}

// Bytes returns the total size of moved (or planned) files
func (r *CleanupResult) Bytes() int64 {
	var n int64
	for _, t := range r.Targets {
		n += t.Bytes
	}
	return n
}

// PrunedBatch describes one batch removed by Prune
type PrunedBatch struct {
	Name    string  `json:"name"`
	Bytes   int64   `json:"bytes"`
	AgeDays float64 `json:"ageDays"`
}

// PruneResult is the result of Manager.Prune
type PruneResult struct {
	DryRun      bool          `json:"dryRun"`
	TrashExists bool          `json:"trashExists"`
	Removed     []PrunedBatch `json:"removed"`
}

// Bytes returns the total size freed
func (r *PruneResult) Bytes() int64 {
	var n int64
	for _, b := range r.Removed {
		n += b.Bytes
	}
	return n
}

// RestoreResult is the result of Manager.RestoreLast
type RestoreResult struct {
	Batch    string   `json:"batch"`
	Total    int      `json:"total"`
	Restored []string `json:"restored"`
	Skipped  []string `json:"skipped"`
}
