// Package scheduler is the registry of armed jobs.
//
// It owns the id -> handle map and turns persisted schedules into triggers:
// robfig cron entries for CRON and RECURRING, single-shot timers for
// ONE_TIME and DELAYED, and a re-armed timer for INTERVAL. Execution is
// delegated to the engine; the scheduler only decides when.
package scheduler
