package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"jobclock/internal/job"
	"jobclock/internal/schedule"
	logx "jobclock/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// wrapErr maps lock contention and deadlines onto ErrStorageTimeout.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrStorageTimeout, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStorageTimeout, err)
	}
	return err
}

func isPrimaryKeyViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT
}

const jobColumns = `id, owner_id, name, description, type, schedule, action, enabled, overlap, last_run, next_run, metadata, created_at, updated_at`

func (s *sqliteStore) CreateJob(ctx context.Context, j *job.ScheduledJob) error {
	sched, action, meta, err := encodeJobPayload(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.OwnerID, j.Name, j.Description, string(j.Type()), sched, action,
		boolInt(j.Enabled), string(j.Overlap), nullMillis(j.LastRun), nullMillis(j.NextRun), meta,
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if isPrimaryKeyViolation(err) {
		return fmt.Errorf("%w: job %s", ErrDuplicateID, j.ID)
	}
	return wrapErr(err)
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*job.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	return j, wrapErr(err)
}

func (s *sqliteStore) GetOwnedJob(ctx context.Context, ownerID, id string) (*job.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ? AND owner_id = ?`, id, ownerID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	return j, wrapErr(err)
}

func (s *sqliteStore) UpdateJob(ctx context.Context, j *job.ScheduledJob) error {
	sched, action, meta, err := encodeJobPayload(j)
	if err != nil {
		return err
	}
	return s.execOne(ctx,
		`UPDATE scheduled_jobs SET name=?, description=?, type=?, schedule=?, action=?, enabled=?, overlap=?,
		 last_run=?, next_run=?, metadata=?, updated_at=? WHERE id=? AND owner_id=?`,
		j.Name, j.Description, string(j.Type()), sched, action, boolInt(j.Enabled), string(j.Overlap),
		nullMillis(j.LastRun), nullMillis(j.NextRun), meta, s.now().UnixMilli(), j.ID, j.OwnerID,
	)
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, id string, sc schedule.Schedule, nextRun *time.Time) error {
	b, err := schedule.Marshal(sc)
	if err != nil {
		return err
	}
	return s.execOne(ctx,
		`UPDATE scheduled_jobs SET type=?, schedule=?, next_run=?, updated_at=? WHERE id=?`,
		string(sc.Type()), string(b), nullMillis(nextRun), s.now().UnixMilli(), id,
	)
}

func (s *sqliteStore) UpdateAction(ctx context.Context, id string, a job.ActionSpec) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.execOne(ctx, `UPDATE scheduled_jobs SET action=?, updated_at=? WHERE id=?`, string(b), s.now().UnixMilli(), id)
}

func (s *sqliteStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.execOne(ctx, `UPDATE scheduled_jobs SET enabled=?, updated_at=? WHERE id=?`, boolInt(enabled), s.now().UnixMilli(), id)
}

func (s *sqliteStore) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	return s.execOne(ctx, `UPDATE scheduled_jobs SET next_run=?, updated_at=? WHERE id=?`, nullMillis(next), s.now().UnixMilli(), id)
}

func (s *sqliteStore) SetLastRun(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE scheduled_jobs SET last_run=?, updated_at=? WHERE id=?`, at.UnixMilli(), s.now().UnixMilli(), id)
}

func (s *sqliteStore) DeleteJob(ctx context.Context, ownerID, id string) error {
	return s.execOne(ctx, `DELETE FROM scheduled_jobs WHERE id=? AND owner_id=?`, id, ownerID)
}

// execOne runs a single-row statement and maps "no rows" to job.ErrJobNotFound.
func (s *sqliteStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err)
	}
	if n == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]*job.ScheduledJob, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*f.Enabled))
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.CreatedAfter.UnixMilli())
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.CreatedBefore.UnixMilli())
	}
	q := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	q, args = limitOffset(q, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []*job.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, wrapErr(rows.Err())
}

func (s *sqliteStore) ListEnabledJobs(ctx context.Context) ([]*job.ScheduledJob, error) {
	return s.ListJobs(ctx, JobFilter{Enabled: BoolPtr(true)})
}

const execColumns = `id, job_id, owner_id, trigger_kind, status, started_at, completed_at, duration_ms, result, error, retry_count, next_retry_at, updated_at`

func (s *sqliteStore) CreateExecution(ctx context.Context, e *job.Execution) error {
	errJSON, err := encodeExecError(e.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_executions(`+execColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.JobID, e.OwnerID, string(e.Trigger), string(e.Status), e.StartedAt.UnixMilli(),
		nullMillis(e.CompletedAt), nullInt(e.DurationMs), nullRaw(e.Result), errJSON,
		e.RetryCount, nullMillis(e.NextRetryAt), e.UpdatedAt.UnixMilli(),
	)
	if isPrimaryKeyViolation(err) {
		return fmt.Errorf("%w: execution %s", ErrDuplicateID, e.ID)
	}
	return wrapErr(err)
}

func (s *sqliteStore) UpdateExecution(ctx context.Context, e *job.Execution) error {
	errJSON, err := encodeExecError(e.Error)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET status=?, completed_at=?, duration_ms=?, result=?, error=?, retry_count=?,
		 next_retry_at=?, updated_at=? WHERE id=? AND status NOT IN (?, ?)`,
		string(e.Status), nullMillis(e.CompletedAt), nullInt(e.DurationMs), nullRaw(e.Result), errJSON,
		e.RetryCount, nullMillis(e.NextRetryAt), e.UpdatedAt.UnixMilli(), e.ID,
		string(job.StatusCompleted), string(job.StatusFailed),
	)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM job_executions WHERE id = ?`, e.ID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return job.ErrExecutionNotFound
	case err != nil:
		return wrapErr(err)
	}
	return fmt.Errorf("%w: %s is %s", job.ErrExecutionFinished, e.ID, status)
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (*job.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+execColumns+` FROM job_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrExecutionNotFound
	}
	return e, wrapErr(err)
}

func execWhere(f ExecutionFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if !f.StartedAfter.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, f.StartedAfter.UnixMilli())
	}
	if !f.StartedBefore.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, f.StartedBefore.UnixMilli())
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *sqliteStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*job.Execution, error) {
	where, args := execWhere(f)
	q := `SELECT ` + execColumns + ` FROM job_executions` + where + ` ORDER BY started_at DESC, id DESC`
	q, args = limitOffset(q, args, f.Limit, 0)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []*job.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, wrapErr(rows.Err())
}

func (s *sqliteStore) ExecutionStats(ctx context.Context, f ExecutionFilter) (job.Statistics, error) {
	where, args := execWhere(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*),
		        COALESCE(SUM(CASE WHEN status IN ('COMPLETED','FAILED') AND duration_ms IS NOT NULL THEN duration_ms END), 0),
		        COUNT(CASE WHEN status IN ('COMPLETED','FAILED') AND duration_ms IS NOT NULL THEN 1 END)
		 FROM job_executions`+where+` GROUP BY status`, args...)
	if err != nil {
		return job.Statistics{}, wrapErr(err)
	}
	defer rows.Close()

	st := job.Statistics{ByStatus: map[job.Status]int{}}
	var durSum int64
	var durN int
	for rows.Next() {
		var (
			status string
			n      int
			sum    int64
			cnt    int
		)
		if err := rows.Scan(&status, &n, &sum, &cnt); err != nil {
			return job.Statistics{}, err
		}
		js := job.Status(status)
		st.ByStatus[js] = n
		st.Total += n
		switch js {
		case job.StatusCompleted:
			st.Completed = n
		case job.StatusFailed:
			st.Failed = n
		case job.StatusRunning:
			st.Running = n
		case job.StatusRetrying:
			st.Retrying = n
		}
		durSum += sum
		durN += cnt
	}
	if err := rows.Err(); err != nil {
		return job.Statistics{}, wrapErr(err)
	}
	finishStats(&st, durSum, durN)

	var (
		last      string
		lastStart int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT status, started_at FROM job_executions`+where+` ORDER BY started_at DESC, id DESC LIMIT 1`, args...,
	).Scan(&last, &lastStart)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return job.Statistics{}, wrapErr(err)
	default:
		st.LastStatus = job.Status(last)
		t := time.UnixMilli(lastStart).UTC()
		st.LastRunAt = &t
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*job.ScheduledJob, error) {
	var (
		j                  job.ScheduledJob
		typ, sched, action string
		enabled            int
		overlap            string
		lastRun, nextRun   sql.NullInt64
		meta               sql.NullString
		created, updated   int64
	)
	if err := sc.Scan(&j.ID, &j.OwnerID, &j.Name, &j.Description, &typ, &sched, &action,
		&enabled, &overlap, &lastRun, &nextRun, &meta, &created, &updated); err != nil {
		return nil, err
	}
	s, err := schedule.Parse([]byte(sched))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.Schedule = s
	if err := json.Unmarshal([]byte(action), &j.Action); err != nil {
		return nil, fmt.Errorf("job %s: decode action: %w", j.ID, err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &j.Metadata); err != nil {
			return nil, fmt.Errorf("job %s: decode metadata: %w", j.ID, err)
		}
	}
	j.Enabled = enabled != 0
	j.Overlap = job.OverlapPolicy(overlap)
	j.LastRun = millisPtr(lastRun)
	j.NextRun = millisPtr(nextRun)
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	return &j, nil
}

func scanExecution(sc scanner) (*job.Execution, error) {
	var (
		e                  job.Execution
		trigger, status    string
		started, updated   int64
		completed, nextTry sql.NullInt64
		duration           sql.NullInt64
		result, errJSON    sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.JobID, &e.OwnerID, &trigger, &status, &started, &completed, &duration,
		&result, &errJSON, &e.RetryCount, &nextTry, &updated); err != nil {
		return nil, err
	}
	e.Trigger = job.Trigger(trigger)
	e.Status = job.Status(status)
	e.StartedAt = time.UnixMilli(started).UTC()
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	e.CompletedAt = millisPtr(completed)
	e.NextRetryAt = millisPtr(nextTry)
	if duration.Valid {
		d := duration.Int64
		e.DurationMs = &d
	}
	if result.Valid && result.String != "" {
		e.Result = json.RawMessage(result.String)
	}
	if errJSON.Valid && errJSON.String != "" {
		var ee job.ExecutionError
		if err := json.Unmarshal([]byte(errJSON.String), &ee); err != nil {
			return nil, fmt.Errorf("execution %s: decode error: %w", e.ID, err)
		}
		e.Error = &ee
	}
	return &e, nil
}

func encodeJobPayload(j *job.ScheduledJob) (sched, action string, meta any, err error) {
	sb, err := schedule.Marshal(j.Schedule)
	if err != nil {
		return "", "", nil, err
	}
	ab, err := json.Marshal(j.Action)
	if err != nil {
		return "", "", nil, err
	}
	if len(j.Metadata) > 0 {
		mb, err := json.Marshal(j.Metadata)
		if err != nil {
			return "", "", nil, err
		}
		meta = string(mb)
	}
	return string(sb), string(ab), meta, nil
}

func encodeExecError(e *job.ExecutionError) (any, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func limitOffset(q string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 && offset <= 0 {
		return q, args
	}
	if limit <= 0 {
		limit = -1
	}
	q += " LIMIT ? OFFSET ?"
	return q, append(args, limit, offset)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
