// Package ledger keeps the durable per-segment completion record that
// makes interrupted downloads resumable. The on-disk snapshot is written
// with a write-to-temp-then-rename pattern so a crash mid-write never
// corrupts it.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// StateFile is the snapshot filename inside an episode working directory.
const StateFile = "download-state.json"

// Status of one segment in the ledger.
type Status string

const (
	Pending     Status = "pending"
	Downloading Status = "downloading"
	Downloaded  Status = "downloaded"
	Failed      Status = "failed"
)

// Entry records one segment's progress. Attempts accumulates across
// resume runs so repeated terminal failures are distinguishable from
// fresh ones.
type Entry struct {
	Seq       uint64 `json:"seq"`
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// State is the persisted snapshot.
type State struct {
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Complete      bool      `json:"complete"`
	Entries       []Entry   `json:"entries"`
}

const schemaVersion = 1

// CorruptError is fatal: the on-disk state is unreadable or inconsistent
// with the manifest, and is surfaced rather than silently discarded.
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("ledger %s: %s", e.Path, e.Reason)
}

// Ledger is the single mutable shared structure of a download operation.
// All mutation goes through its mutex; workers only ever touch their own
// entry via Claim/Complete/Fail.
type Ledger struct {
	mu       sync.Mutex
	path     string
	order    []uint64
	entries  map[uint64]*Entry
	created  time.Time
	complete bool
}

// Open loads the snapshot at path or initializes a fresh ledger covering
// exactly seqs. Entries left Downloading by a crashed prior run are not
// trusted and revert to Pending.
func Open(path string, seqs []uint64) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		order:   append([]uint64(nil), seqs...),
		entries: make(map[uint64]*Entry, len(seqs)),
		created: time.Now().UTC(),
	}
	for _, seq := range seqs {
		l.entries[seq] = &Entry{Seq: seq, Status: Pending}
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is caller-controlled working dir state
	if os.IsNotExist(err) {
		if err := l.persist(); err != nil {
			return nil, err
		}
		return l, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read ledger")
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &CorruptError{Path: path, Reason: "invalid JSON: " + err.Error()}
	}
	if state.SchemaVersion != schemaVersion {
		return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("unsupported schema version %d", state.SchemaVersion)}
	}
	if len(state.Entries) != len(seqs) {
		return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("snapshot covers %d segments, manifest has %d", len(state.Entries), len(seqs))}
	}
	if !state.CreatedAt.IsZero() {
		l.created = state.CreatedAt
	}
	l.complete = state.Complete

	for i := range state.Entries {
		prior := state.Entries[i]
		entry, ok := l.entries[prior.Seq]
		if !ok {
			return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("snapshot has unknown segment %d", prior.Seq)}
		}
		status := prior.Status
		switch status {
		case Downloading:
			// A crashed run may have left a half-written segment behind.
			status = Pending
		case Pending, Downloaded, Failed:
		default:
			return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("segment %d has unknown status %q", prior.Seq, prior.Status)}
		}
		entry.Status = status
		entry.Attempts = prior.Attempts
		entry.LastError = prior.LastError
	}
	return l, nil
}

// Claim atomically transitions a Pending or Failed entry to Downloading.
// It returns false when the segment is already claimed or done.
func (l *Ledger) Claim(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[seq]
	if !ok {
		return false
	}
	if entry.Status != Pending && entry.Status != Failed {
		return false
	}
	entry.Status = Downloading
	return true
}

// Complete marks a segment Downloaded and persists the snapshot.
func (l *Ledger) Complete(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[seq]
	if !ok {
		return errors.Errorf("complete: unknown segment %d", seq)
	}
	entry.Status = Downloaded
	entry.LastError = ""
	return l.persist()
}

// Fail marks a segment Failed, adds the attempts spent on it, records
// the error, and persists the snapshot.
func (l *Ledger) Fail(seq uint64, attempts int, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[seq]
	if !ok {
		return errors.Errorf("fail: unknown segment %d", seq)
	}
	entry.Status = Failed
	entry.Attempts += attempts
	if cause != nil {
		entry.LastError = cause.Error()
	}
	return l.persist()
}

// Release returns a claimed segment to Pending without recording an
// attempt, used when a worker backs out before fetching.
func (l *Ledger) Release(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[seq]; ok && entry.Status == Downloading {
		entry.Status = Pending
	}
}

// Remaining lists, in manifest order, the segments still needing work.
func (l *Ledger) Remaining() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []uint64
	for _, seq := range l.order {
		switch l.entries[seq].Status {
		case Pending, Failed:
			out = append(out, seq)
		}
	}
	return out
}

// FailedSequences returns the set of terminally failed segments, ascending.
func (l *Ledger) FailedSequences() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []uint64
	for seq, entry := range l.entries {
		if entry.Status == Failed {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Counts reports downloaded and failed segment totals.
func (l *Ledger) Counts() (downloaded, failed, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		switch entry.Status {
		case Downloaded:
			downloaded++
		case Failed:
			failed++
		}
	}
	return downloaded, failed, len(l.entries)
}

// IsComplete reports whether every segment is Downloaded.
func (l *Ledger) IsComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.complete {
		return true
	}
	for _, entry := range l.entries {
		if entry.Status != Downloaded {
			return false
		}
	}
	return true
}

// Attempts returns the accumulated attempt count for one segment.
func (l *Ledger) Attempts(seq uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[seq]; ok {
		return entry.Attempts
	}
	return 0
}

// MarkComplete flags the whole operation finished and persists. The file
// is kept so a later invocation can no-op cheaply.
func (l *Ledger) MarkComplete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.complete = true
	return l.persist()
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

func (l *Ledger) stateLocked() State {
	state := State{
		SchemaVersion: schemaVersion,
		CreatedAt:     l.created,
		UpdatedAt:     time.Now().UTC(),
		Complete:      l.complete,
		Entries:       make([]Entry, 0, len(l.order)),
	}
	for _, seq := range l.order {
		state.Entries = append(state.Entries, *l.entries[seq])
	}
	return state
}

// persist writes the snapshot atomically. Callers hold l.mu.
func (l *Ledger) persist() error {
	data, err := json.MarshalIndent(l.stateLocked(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode ledger")
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write ledger")
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return errors.Wrap(err, "replace ledger")
	}
	return nil
}
