package storage

import (
	"slices"
	"sort"

	"jobclock/internal/job"
)

func (f JobFilter) match(j *job.ScheduledJob) bool {
	if f.OwnerID != "" && j.OwnerID != f.OwnerID {
		return false
	}
	if f.Type != "" && j.Type() != f.Type {
		return false
	}
	if f.Enabled != nil && j.Enabled != *f.Enabled {
		return false
	}
	if !f.CreatedAfter.IsZero() && j.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !j.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func (f ExecutionFilter) match(e *job.Execution) bool {
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if f.OwnerID != "" && e.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	if !f.StartedAfter.IsZero() && e.StartedAt.Before(f.StartedAfter) {
		return false
	}
	if !f.StartedBefore.IsZero() && !e.StartedAt.Before(f.StartedBefore) {
		return false
	}
	return true
}

func sortJobs(jobs []*job.ScheduledJob) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

func sortExecutions(execs []*job.Execution) {
	sort.SliceStable(execs, func(i, k int) bool {
		if !execs[i].StartedAt.Equal(execs[k].StartedAt) {
			return execs[i].StartedAt.After(execs[k].StartedAt)
		}
		return execs[i].ID > execs[k].ID
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// computeStats aggregates executions ordered newest first.
func computeStats(execs []*job.Execution) job.Statistics {
	st := job.Statistics{ByStatus: map[job.Status]int{}}
	var durSum int64
	var durN int
	for _, e := range execs {
		st.Total++
		st.ByStatus[e.Status]++
		switch e.Status {
		case job.StatusCompleted:
			st.Completed++
		case job.StatusFailed:
			st.Failed++
		case job.StatusRunning:
			st.Running++
		case job.StatusRetrying:
			st.Retrying++
		}
		if e.Status.Terminal() && e.DurationMs != nil {
			durSum += *e.DurationMs
			durN++
		}
	}
	finishStats(&st, durSum, durN)
	if len(execs) > 0 {
		st.LastStatus = execs[0].Status
		t := execs[0].StartedAt
		st.LastRunAt = &t
	}
	return st
}

func finishStats(st *job.Statistics, durSum int64, durN int) {
	if done := st.Completed + st.Failed; done > 0 {
		st.SuccessRate = float64(st.Completed) / float64(done)
	}
	if durN > 0 {
		st.AvgDurationMs = float64(durSum) / float64(durN)
	}
}
