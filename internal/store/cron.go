package store

import (
	"path/filepath"
	"sync"
	"time"
)

// ScheduleKind distinguishes interval from daily schedules.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
)

// Schedule describes when a cron job fires. Interval schedules use Minutes;
// daily schedules use Hour/Minute interpreted in TZ.
type Schedule struct {
	Kind    ScheduleKind `json:"kind"`
	Minutes int          `json:"minutes,omitempty"`
	Hour    int          `json:"hour,omitempty"`
	Minute  int          `json:"minute,omitempty"`
	TZ      string       `json:"tz,omitempty"`
}

// CronJob mirrors an extension-authored recurring job.
type CronJob struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Enabled  bool     `json:"enabled"`
	Schedule Schedule `json:"schedule"`
}

// PendingRun marks a firing that happened with no online consumer.
type PendingRun struct {
	TaskID   string    `json:"taskId"`
	MissedAt time.Time `json:"missedAt"`
}

// CronStore persists the job mirror and pending firings in cron-jobs.json.
type CronStore struct {
	mu      sync.Mutex
	jobs    []CronJob
	pending []PendingRun
	loader  lazyLoader
	persist *persister
}

type cronFile struct {
	Jobs    []CronJob    `json:"jobs"`
	Pending []PendingRun `json:"pendingRuns"`
}

// OpenCronStore creates the store backed by cron-jobs.json in dir.
func OpenCronStore(dir string) *CronStore {
	s := &CronStore{}
	path := filepath.Join(dir, "cron-jobs.json")
	s.persist = newPersister(path, false, func() any {
		s.mu.Lock()
		defer s.mu.Unlock()
		f := cronFile{
			Jobs:    make([]CronJob, len(s.jobs)),
			Pending: make([]PendingRun, len(s.pending)),
		}
		copy(f.Jobs, s.jobs)
		copy(f.Pending, s.pending)
		return f
	})
	s.loader.load = func() {
		var f cronFile
		loadJSON(path, false, &f)
		s.mu.Lock()
		s.jobs = f.Jobs
		s.pending = f.Pending
		s.mu.Unlock()
	}
	return s
}

// Jobs returns a snapshot of all jobs.
func (s *CronStore) Jobs() []CronJob {
	s.loader.ensure()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CronJob, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Get returns a job by id.
func (s *CronStore) Get(id string) (CronJob, bool) {
	s.loader.ensure()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return s.jobs[i], true
		}
	}
	return CronJob{}, false
}

// UpsertJob inserts or replaces a job by id.
func (s *CronStore) UpsertJob(job CronJob) CronJob {
	s.loader.ensure()
	s.mu.Lock()
	replaced := false
	for i := range s.jobs {
		if s.jobs[i].ID == job.ID {
			s.jobs[i] = job
			replaced = true
			break
		}
	}
	if !replaced {
		s.jobs = append(s.jobs, job)
	}
	s.mu.Unlock()
	s.persist.markDirty()
	return job
}

// DeleteJob removes a job and any pending firings for it.
func (s *CronStore) DeleteJob(id string) bool {
	s.loader.ensure()
	s.mu.Lock()
	found := false
	kept := s.jobs[:0]
	for _, j := range s.jobs {
		if j.ID == id {
			found = true
			continue
		}
		kept = append(kept, j)
	}
	s.jobs = kept
	if found {
		s.removePendingLocked(map[string]bool{id: true})
	}
	s.mu.Unlock()
	if found {
		s.persist.markDirty()
	}
	return found
}

// AddPendingRun records a firing for taskID. Compacting: prior pending
// entries for the same task are removed so a new firing supersedes them.
func (s *CronStore) AddPendingRun(taskID string) PendingRun {
	s.loader.ensure()
	entry := PendingRun{TaskID: taskID, MissedAt: time.Now()}
	s.mu.Lock()
	s.removePendingLocked(map[string]bool{taskID: true})
	s.pending = append(s.pending, entry)
	s.mu.Unlock()
	s.persist.markDirty()
	return entry
}

// Pending returns a snapshot of the pending firings.
func (s *CronStore) Pending() []PendingRun {
	s.loader.ensure()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingRun, len(s.pending))
	copy(out, s.pending)
	return out
}

// AckPendingRuns removes every pending entry matching any of ids. Returns
// the number removed.
func (s *CronStore) AckPendingRuns(ids []string) int {
	s.loader.ensure()
	match := make(map[string]bool, len(ids))
	for _, id := range ids {
		match[id] = true
	}
	s.mu.Lock()
	removed := s.removePendingLocked(match)
	s.mu.Unlock()
	if removed > 0 {
		s.persist.markDirty()
	}
	return removed
}

// removePendingLocked drops pending entries for the given task ids. Caller
// holds s.mu.
func (s *CronStore) removePendingLocked(match map[string]bool) int {
	removed := 0
	kept := s.pending[:0]
	for _, p := range s.pending {
		if match[p.TaskID] {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
	return removed
}

// Flush forces pending writes to disk.
func (s *CronStore) Flush() error {
	return s.persist.Flush()
}
