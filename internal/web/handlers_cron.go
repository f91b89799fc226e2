package web

import (
	"net/http"

	"github.com/Trapezohe/companion-service/internal/store"
)

func (s *Server) handleCronJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": s.cfg.CronStore.Jobs(),
	})
}

func (s *Server) handleCronUpsert(w http.ResponseWriter, r *http.Request) {
	var job store.CronJob
	if !readBody(w, r, defaultMaxBody, &job) {
		return
	}
	if job.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	switch job.Schedule.Kind {
	case store.ScheduleInterval:
		if job.Schedule.Minutes < 1 {
			job.Schedule.Minutes = 1
		}
	case store.ScheduleDaily:
		if job.Schedule.Hour < 0 || job.Schedule.Hour > 23 ||
			job.Schedule.Minute < 0 || job.Schedule.Minute > 59 {
			writeError(w, http.StatusBadRequest, "daily schedule requires hour in [0,23] and minute in [0,59]")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "schedule kind must be interval or daily")
		return
	}

	saved := s.cfg.CronStore.UpsertJob(job)
	s.cfg.Scheduler.Schedule(saved)
	writeJSON(w, http.StatusOK, map[string]any{"job": saved})
}

func (s *Server) handleCronDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.cfg.CronStore.DeleteJob(id) {
		writeError(w, http.StatusNotFound, "cron job not found")
		return
	}
	s.cfg.Scheduler.Unschedule(id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCronPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.cfg.CronStore.Pending(),
	})
}

func (s *Server) handleCronAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskIDs []string `json:"taskIds"`
	}
	if !readBody(w, r, defaultMaxBody, &req) {
		return
	}
	if len(req.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, "taskIds is required")
		return
	}
	removed := s.cfg.CronStore.AckPendingRuns(req.TaskIDs)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"removed": removed,
	})
}
