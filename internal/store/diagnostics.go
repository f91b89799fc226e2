package store

import (
	"sort"
	"time"
)

// Diagnostics summarizes the recent run history for the health dashboard.
type Diagnostics struct {
	SampleSize     int                `json:"sampleSize"`
	CompletionRate float64            `json:"completionRate"`
	AvgDurationMs  int64              `json:"avgDurationMs"`
	P95DurationMs  int64              `json:"p95DurationMs"`
	ByType         map[RunType]int    `json:"byType"`
	Windows        map[string]int     `json:"windows"`
	Recent         []Run              `json:"recent"`
	History        []RunHistoryEntry  `json:"history"`
}

// RunHistoryEntry is the compact summary of one older run.
type RunHistoryEntry struct {
	RunID      string     `json:"runId"`
	Type       RunType    `json:"type"`
	State      RunState   `json:"state"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	DurationMs int64      `json:"durationMs,omitempty"`
}

const recentDetailCount = 10

// Diagnostics samples the most recent runs (default 100, max 500) and
// computes completion rate, duration percentiles over completed runs,
// per-type counts, and 1h/6h/24h activity windows. The newest few runs are
// returned in full; the remainder is compacted into history entries.
func (s *RunStore) Diagnostics(limit int) Diagnostics {
	s.loader.ensure()
	limit = clampLimit(limit, 100, 500)

	s.mu.Lock()
	all := make([]Run, len(s.runs))
	copy(all, s.runs)
	s.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool {
		return runSortKey(all[i]).After(runSortKey(all[j]))
	})
	if len(all) > limit {
		all = all[:limit]
	}

	d := Diagnostics{
		SampleSize: len(all),
		ByType:     make(map[RunType]int),
		Windows:    map[string]int{"1h": 0, "6h": 0, "24h": 0},
		Recent:     []Run{},
		History:    []RunHistoryEntry{},
	}

	now := time.Now()
	var durations []int64
	terminal := 0
	completed := 0
	for _, r := range all {
		d.ByType[r.Type]++

		created := r.CreatedAt
		if age := now.Sub(created); age <= time.Hour {
			d.Windows["1h"]++
		}
		if age := now.Sub(created); age <= 6*time.Hour {
			d.Windows["6h"]++
		}
		if age := now.Sub(created); age <= 24*time.Hour {
			d.Windows["24h"]++
		}

		if r.State == RunDone || r.State == RunFailed {
			terminal++
			if r.State == RunDone {
				completed++
			}
			if r.StartedAt != nil && r.FinishedAt != nil {
				if ms := r.FinishedAt.Sub(*r.StartedAt).Milliseconds(); ms >= 0 {
					durations = append(durations, ms)
				}
			}
		}
	}
	if terminal > 0 {
		d.CompletionRate = float64(completed) / float64(terminal)
	}
	if len(durations) > 0 {
		var sum int64
		for _, ms := range durations {
			sum += ms
		}
		d.AvgDurationMs = sum / int64(len(durations))
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		idx := (95*len(durations) + 99) / 100
		if idx > 0 {
			idx--
		}
		d.P95DurationMs = durations[idx]
	}

	detail := recentDetailCount
	if detail > len(all) {
		detail = len(all)
	}
	d.Recent = append(d.Recent, all[:detail]...)
	for _, r := range all[detail:] {
		entry := RunHistoryEntry{
			RunID:      r.RunID,
			Type:       r.Type,
			State:      r.State,
			FinishedAt: r.FinishedAt,
		}
		if r.StartedAt != nil && r.FinishedAt != nil {
			entry.DurationMs = r.FinishedAt.Sub(*r.StartedAt).Milliseconds()
		}
		d.History = append(d.History, entry)
	}
	return d
}
