// Package jobs is the owner-facing operation surface. Every per-job call is
// scoped to an owner; a job owned by someone else is reported as
// job.ErrJobNotFound.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"jobclock/internal/job"
	"jobclock/internal/monitor"
	"jobclock/internal/schedule"
	"jobclock/internal/storage"
	"jobclock/internal/template"
	logx "jobclock/pkg/logx"
)

var ErrUnknownOperation = errors.New("unknown bulk operation")

const defaultExecutionLimit = 50

// Registry is the scheduler surface jobs drives.
type Registry interface {
	ScheduleJob(ctx context.Context, j *job.ScheduledJob) (*job.ScheduledJob, error)
	DeactivateJob(ctx context.Context, id string) error
	EnableJob(ctx context.Context, id string) (*job.ScheduledJob, error)
	UpdateJobSchedule(ctx context.Context, id string, s schedule.Schedule) (*job.ScheduledJob, error)
	RemoveJob(ctx context.Context, ownerID, id string) error
}

type Executor interface {
	Execute(ctx context.Context, j *job.ScheduledJob, trigger job.Trigger) (*job.Execution, error)
}

type MetricsSource interface {
	Metrics(ctx context.Context) (monitor.Metrics, error)
}

type BulkOp string

const (
	BulkEnable  BulkOp = "enable"
	BulkDisable BulkOp = "disable"
	BulkDelete  BulkOp = "delete"
)

// JobUpdate carries the fields to change; nil fields are left alone.
type JobUpdate struct {
	Name        *string
	Description *string
	Schedule    schedule.Schedule
	Action      *job.ActionSpec
	Enabled     *bool
	Overlap     *job.OverlapPolicy
	Metadata    map[string]any
}

// TemplateOverrides customise a job created from a template.
type TemplateOverrides struct {
	Name       string
	Schedule   schedule.Schedule
	Target     string
	Parameters map[string]any // merged over the template's parameters
	Enabled    *bool
}

// Filter narrows GetOwnerJobs.
type Filter struct {
	Type    schedule.Type
	Enabled *bool
	// CreatedAfter is inclusive, CreatedBefore exclusive. Zero means open.
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

type Service struct {
	log       logx.Logger
	store     storage.Store
	reg       Registry
	exec      Executor
	metrics   MetricsSource
	templates *template.Catalog
}

func New(store storage.Store, reg Registry, exec Executor, metrics MetricsSource, templates *template.Catalog, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if templates == nil {
		templates = template.Default()
	}
	return &Service{
		log:       log.With(logx.String("comp", "jobs")),
		store:     store,
		reg:       reg,
		exec:      exec,
		metrics:   metrics,
		templates: templates,
	}
}

// CreateJob persists and arms j. When the job is stored but cannot be armed
// both the stored job and a *job.ActivationError are returned.
func (s *Service) CreateJob(ctx context.Context, j *job.ScheduledJob) (*job.ScheduledJob, error) {
	if j == nil {
		return nil, fmt.Errorf("%w: job is nil", job.ErrInvalidJob)
	}
	in := j.Clone()
	// Identity and bookkeeping are assigned here, never by the caller.
	in.ID = ""
	in.CreatedAt = time.Time{}
	in.UpdatedAt = time.Time{}
	return s.reg.ScheduleJob(ctx, in)
}

func (s *Service) CreateFromTemplate(ctx context.Context, ownerID, templateID string, o TemplateOverrides) (*job.ScheduledJob, error) {
	tpl, err := s.templates.Get(templateID)
	if err != nil {
		return nil, err
	}
	j := tpl.Job(ownerID, o.Name)
	if o.Schedule != nil {
		j.Schedule = schedule.Clone(o.Schedule)
	}
	if o.Target != "" {
		j.Action.Target = o.Target
	}
	if len(o.Parameters) > 0 {
		if j.Action.Parameters == nil {
			j.Action.Parameters = map[string]any{}
		}
		maps.Copy(j.Action.Parameters, o.Parameters)
	}
	if o.Enabled != nil {
		j.Enabled = *o.Enabled
	}
	return s.CreateJob(ctx, j)
}

func (s *Service) GetOwnerJobs(ctx context.Context, ownerID string, f Filter) ([]*job.ScheduledJob, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: ownerId is required", job.ErrInvalidJob)
	}
	return s.store.ListJobs(ctx, storage.JobFilter{
		OwnerID:       ownerID,
		Type:          f.Type,
		Enabled:       f.Enabled,
		CreatedAfter:  f.CreatedAfter,
		CreatedBefore: f.CreatedBefore,
		Limit:         f.Limit,
		Offset:        f.Offset,
	})
}

func (s *Service) GetJob(ctx context.Context, ownerID, id string) (*job.ScheduledJob, error) {
	return s.store.GetOwnedJob(ctx, ownerID, id)
}

// UpdateJob applies u. Descriptive fields are written first, then the action,
// then the schedule and finally the enabled flag, so the job is re-armed at
// most once per concern.
func (s *Service) UpdateJob(ctx context.Context, ownerID, id string, u JobUpdate) (*job.ScheduledJob, error) {
	cur, err := s.store.GetOwnedJob(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.Overlap != nil {
		next.Overlap = *u.Overlap
	}
	if u.Metadata != nil {
		next.Metadata = maps.Clone(u.Metadata)
	}
	if u.Action != nil {
		next.Action = u.Action.Clone()
	}
	if u.Schedule != nil {
		next.Schedule = schedule.Clone(u.Schedule)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if u.Schedule != nil {
		if err := schedule.Validate(u.Schedule); err != nil {
			return nil, err
		}
	}

	if u.Name != nil || u.Description != nil || u.Overlap != nil || u.Metadata != nil {
		// Reload so timing fields written by the scheduler are not clobbered.
		fresh, err := s.store.GetOwnedJob(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		fresh.Name, fresh.Description, fresh.Overlap, fresh.Metadata = next.Name, next.Description, next.Overlap, next.Metadata
		if err := s.store.UpdateJob(ctx, fresh); err != nil {
			return nil, fmt.Errorf("update job: %w", err)
		}
	}
	if u.Action != nil {
		if err := s.store.UpdateAction(ctx, id, next.Action); err != nil {
			return nil, fmt.Errorf("update action: %w", err)
		}
	}
	if u.Schedule != nil {
		if _, err := s.reg.UpdateJobSchedule(ctx, id, next.Schedule); err != nil {
			return s.reload(ctx, ownerID, id, err)
		}
	}
	if u.Enabled != nil && *u.Enabled != cur.Enabled {
		if *u.Enabled {
			_, err = s.reg.EnableJob(ctx, id)
		} else {
			err = s.reg.DeactivateJob(ctx, id)
		}
		if err != nil {
			return s.reload(ctx, ownerID, id, err)
		}
	}
	return s.store.GetOwnedJob(ctx, ownerID, id)
}

// reload returns the stored job alongside err when the job still exists.
func (s *Service) reload(ctx context.Context, ownerID, id string, err error) (*job.ScheduledJob, error) {
	j, gerr := s.store.GetOwnedJob(ctx, ownerID, id)
	if gerr != nil {
		return nil, err
	}
	return j, err
}

func (s *Service) DeleteJob(ctx context.Context, ownerID, id string) error {
	return s.reg.RemoveJob(ctx, ownerID, id)
}

// ExecuteJob runs the job now. Failures of the action are returned along
// with the recorded execution.
func (s *Service) ExecuteJob(ctx context.Context, ownerID, id string) (*job.Execution, error) {
	j, err := s.store.GetOwnedJob(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return s.exec.Execute(ctx, j, job.TriggerManual)
}

// BulkOperation applies op to every id owned by ownerID and returns how many
// succeeded. A failing id is logged and skipped.
func (s *Service) BulkOperation(ctx context.Context, ownerID string, op BulkOp, ids []string) (int, error) {
	var apply func(id string) error
	switch op {
	case BulkEnable:
		apply = func(id string) error {
			_, err := s.reg.EnableJob(ctx, id)
			return err
		}
	case BulkDisable:
		apply = func(id string) error { return s.reg.DeactivateJob(ctx, id) }
	case BulkDelete:
		apply = func(id string) error { return s.reg.RemoveJob(ctx, ownerID, id) }
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}

	affected := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return affected, err
		}
		if _, err := s.store.GetOwnedJob(ctx, ownerID, id); err != nil {
			s.log.Debug("bulk item skipped", logx.String("op", string(op)), logx.String("job_id", id), logx.Err(err))
			continue
		}
		if err := apply(id); err != nil {
			s.log.Warn("bulk item failed", logx.String("op", string(op)), logx.String("job_id", id), logx.Err(err))
			continue
		}
		affected++
	}
	s.log.Info("bulk operation", logx.String("op", string(op)), logx.String("owner_id", ownerID), logx.Int("requested", len(ids)), logx.Int("affected", affected))
	return affected, nil
}

// GetJobExecutions lists executions newest first. History outlives the job,
// so a deleted job's executions stay visible to its owner.
func (s *Service) GetJobExecutions(ctx context.Context, ownerID, jobID string, limit int) ([]*job.Execution, error) {
	if limit <= 0 {
		limit = defaultExecutionLimit
	}
	execs, err := s.store.ListExecutions(ctx, storage.ExecutionFilter{JobID: jobID, OwnerID: ownerID, Limit: limit})
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		if _, err := s.store.GetOwnedJob(ctx, ownerID, jobID); err != nil {
			return nil, err
		}
	}
	return execs, nil
}

func (s *Service) GetJobStatistics(ctx context.Context, ownerID, jobID string) (job.Statistics, error) {
	f := storage.ExecutionFilter{JobID: jobID, OwnerID: ownerID}
	st, err := s.store.ExecutionStats(ctx, f)
	if err != nil {
		return job.Statistics{}, err
	}
	if st.Total == 0 {
		if _, err := s.store.GetOwnedJob(ctx, ownerID, jobID); err != nil {
			return job.Statistics{}, err
		}
	}
	return st, nil
}

func (s *Service) GetMetrics(ctx context.Context) (monitor.Metrics, error) {
	if s.metrics == nil {
		return monitor.Metrics{}, errors.New("metrics unavailable")
	}
	return s.metrics.Metrics(ctx)
}

func (s *Service) GetTemplates(category template.Category) []template.Template {
	return s.templates.List(category)
}
