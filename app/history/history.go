// Package history keeps the in-memory execution history: a log of completed
// records across all batches and a log of currently running statements.
// Both logs live under a single lock and are discarded on process restart.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/hgollnick/sqlbatch/app/runner"
)

// StatusInProgress is the fixed status of a running entry while present
const StatusInProgress = "in_progress"

// Entry represents a statement currently executing. Token identifies the
// entry across concurrent batches with identical command text.
type Entry struct {
	Token   string
	Command string
	Started time.Time
}

// RunningInfo is a read-time snapshot of a running entry with elapsed time
// computed at the moment of the call
type RunningInfo struct {
	Command string    `json:"command"`
	Status  string    `json:"status"`
	Started time.Time `json:"start_time"`
	Elapsed float64   `json:"delta"` // seconds since start
}

// Tracker holds both logs. The zero value is not usable, make it with New.
type Tracker struct {
	mu        sync.Mutex
	completed []runner.Record
	running   []Entry
	now       func() time.Time // injected for tests
}

// New makes an empty tracker
func New() *Tracker {
	return &Tracker{now: time.Now}
}

// BeginRunning appends a running entry for the command with the given token
// and returns a copy of it
func (t *Tracker) BeginRunning(token, command string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := Entry{Token: token, Command: command, Started: t.now()}
	t.running = append(t.running, e)
	return e
}

// EndRunning removes the first running entry with matching command text,
// returns false if nothing matched. With duplicate command text across
// concurrent batches this cannot tell the entries apart, prefer
// EndRunningToken.
func (t *Tracker) EndRunning(command string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.running {
		if e.Command == command {
			t.running = append(t.running[:i], t.running[i+1:]...)
			return true
		}
	}
	return false
}

// EndRunningToken removes the running entry with the given token,
// returns false if not found
func (t *Tracker) EndRunningToken(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.running {
		if e.Token == token {
			t.running = append(t.running[:i], t.running[i+1:]...)
			return true
		}
	}
	return false
}

// Append adds completed records to the history log preserving their
// relative order
func (t *Tracker) Append(records []runner.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = append(t.completed, records...)
}

// Read returns a fresh snapshot of the history log sorted by completion
// timestamp, most recent first
func (t *Tracker) Read() []runner.Record {
	t.mu.Lock()
	res := make([]runner.Record, len(t.completed))
	copy(res, t.completed)
	t.mu.Unlock()

	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.After(res[j].Timestamp) })
	return res
}

// ReadRunning returns running entries in insertion order, each annotated
// with elapsed time computed now
func (t *Tracker) ReadRunning() []RunningInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	res := make([]RunningInfo, 0, len(t.running))
	for _, e := range t.running {
		res = append(res, RunningInfo{
			Command: e.Command,
			Status:  StatusInProgress,
			Started: e.Started,
			Elapsed: now.Sub(e.Started).Seconds(),
		})
	}
	return res
}

// Clear atomically empties both logs
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = nil
	t.running = nil
}
