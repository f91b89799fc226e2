package store

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunType classifies what produced a run record.
type RunType string

const (
	RunTypeExec      RunType = "exec"
	RunTypeSession   RunType = "session"
	RunTypeCron      RunType = "cron"
	RunTypeHeartbeat RunType = "heartbeat"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunQueued          RunState = "queued"
	RunRunning         RunState = "running"
	RunWaitingApproval RunState = "waiting_approval"
	RunRetrying        RunState = "retrying"
	RunDone            RunState = "done"
	RunFailed          RunState = "failed"
)

const (
	maxRuns         = 200
	maxSummaryChars = 500
)

// DeliveryState tracks attempts to hand a run result to a client channel.
type DeliveryState struct {
	Channel       string     `json:"channel"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

// Run is the durable envelope summarizing an exec, session, cron, or
// heartbeat for later inspection.
type Run struct {
	RunID      string         `json:"runId"`
	Type       RunType        `json:"type"`
	State      RunState       `json:"state"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	Error      string         `json:"error,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Delivery   *DeliveryState `json:"deliveryState,omitempty"`
}

// RunUpdate carries the mutable fields of an Update call. Nil pointers leave
// the current value in place.
type RunUpdate struct {
	State    RunState
	Summary  *string
	Error    *string
	Meta     map[string]any
	Delivery *DeliveryState
}

// RunFilter selects and pages a List call.
type RunFilter struct {
	Type   RunType
	State  RunState
	Offset int
	Limit  int
}

// RunStore is the bounded, crash-safe store of run envelopes. It keeps the
// 200 most recent records, FIFO-trimmed by insertion order, and maintains a
// .bak copy of the previous on-disk snapshot.
type RunStore struct {
	mu      sync.Mutex
	runs    []Run
	loader  lazyLoader
	persist *persister
}

// NewID returns a 128-bit random identifier in hex.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// OpenRunStore creates the store backed by runs.json in dir.
func OpenRunStore(dir string) *RunStore {
	s := &RunStore{}
	path := filepath.Join(dir, "runs.json")
	s.persist = newPersister(path, true, func() any {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]Run, len(s.runs))
		copy(out, s.runs)
		return runsFile{Runs: out}
	})
	s.loader.load = func() {
		var f runsFile
		loadJSON(path, true, &f)
		s.mu.Lock()
		s.runs = f.Runs
		s.mu.Unlock()
	}
	return s
}

type runsFile struct {
	Runs []Run `json:"runs"`
}

// Create inserts a run, filling a missing id and timestamps, normalizing the
// state, and trimming the oldest records past the cap.
func (s *RunStore) Create(run Run) Run {
	s.loader.ensure()
	now := time.Now()
	if run.RunID == "" {
		run.RunID = NewID()
	}
	if run.Type == "" {
		run.Type = RunTypeExec
	}
	run.State = normalizeRunState(run.State)
	run.CreatedAt = now
	run.UpdatedAt = now
	run.Summary = trimTo(run.Summary, maxSummaryChars)
	run.Error = trimTo(run.Error, maxSummaryChars)
	applyStateTimestamps(&run, now)

	s.mu.Lock()
	s.runs = append(s.runs, run)
	if excess := len(s.runs) - maxRuns; excess > 0 {
		s.runs = append([]Run(nil), s.runs[excess:]...)
	}
	s.mu.Unlock()
	s.persist.markDirty()
	return run
}

// Update applies a state transition to an existing run. Terminal states fill
// FinishedAt when absent; running/retrying fill StartedAt.
func (s *RunStore) Update(id string, upd RunUpdate) (Run, error) {
	s.loader.ensure()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].RunID != id {
			continue
		}
		run := &s.runs[i]
		now := time.Now()
		if upd.State != "" {
			run.State = normalizeRunState(upd.State)
		}
		if upd.Summary != nil {
			run.Summary = trimTo(*upd.Summary, maxSummaryChars)
		}
		if upd.Error != nil {
			run.Error = trimTo(*upd.Error, maxSummaryChars)
		}
		if upd.Meta != nil {
			if run.Meta == nil {
				run.Meta = make(map[string]any, len(upd.Meta))
			}
			for k, v := range upd.Meta {
				run.Meta[k] = v
			}
		}
		if upd.Delivery != nil {
			run.Delivery = upd.Delivery
		}
		run.UpdatedAt = now
		applyStateTimestamps(run, now)
		out := *run
		s.persist.markDirty()
		return out, nil
	}
	return Run{}, fmt.Errorf("run %s not found", id)
}

// Get returns a run by id.
func (s *RunStore) Get(id string) (Run, bool) {
	s.loader.ensure()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].RunID == id {
			return s.runs[i], true
		}
	}
	return Run{}, false
}

// List filters by type and state, sorts most recent first (finishedAt, then
// updatedAt, then createdAt), and pages. The second return is the total
// matching count before paging.
func (s *RunStore) List(f RunFilter) ([]Run, int) {
	s.loader.ensure()
	s.mu.Lock()
	matched := make([]Run, 0, len(s.runs))
	for i := range s.runs {
		r := s.runs[i]
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		if f.State != "" && r.State != f.State {
			continue
		}
		matched = append(matched, r)
	}
	s.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return runSortKey(matched[i]).After(runSortKey(matched[j]))
	})

	total := len(matched)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	limit := clampLimit(f.Limit, 50, 500)
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total
}

// Flush forces pending writes to disk.
func (s *RunStore) Flush() error {
	return s.persist.Flush()
}

func runSortKey(r Run) time.Time {
	if r.FinishedAt != nil {
		return *r.FinishedAt
	}
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

func normalizeRunState(s RunState) RunState {
	switch s {
	case RunQueued, RunRunning, RunWaitingApproval, RunRetrying, RunDone, RunFailed:
		return s
	default:
		return RunQueued
	}
}

func applyStateTimestamps(run *Run, now time.Time) {
	switch run.State {
	case RunRunning, RunRetrying:
		if run.StartedAt == nil {
			t := now
			run.StartedAt = &t
		}
	case RunDone, RunFailed:
		if run.FinishedAt == nil {
			t := now
			run.FinishedAt = &t
		}
	}
}
