// Package template is the built-in catalog of job blueprints.
package template

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"jobclock/internal/job"
	"jobclock/internal/schedule"
)

var ErrTemplateNotFound = errors.New("template not found")

type Category string

const (
	CategoryProductivity Category = "productivity"
	CategoryReporting    Category = "reporting"
	CategoryMaintenance  Category = "maintenance"
	CategoryIntegration  Category = "integration"
	CategoryReminder     Category = "reminder"
)

// Template is an immutable blueprint. Values handed out are copies.
type Template struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Category    Category          `json:"category"`
	Schedule    schedule.Schedule `json:"-"`
	Action      job.ActionSpec    `json:"action"`
	Popularity  int               `json:"popularity"`
	Tags        []string          `json:"tags,omitempty"`
}

func (t Template) MarshalJSON() ([]byte, error) {
	type plain Template
	return json.Marshal(struct {
		plain
		Schedule schedule.JSON `json:"schedule"`
	}{plain(t), schedule.JSON{Schedule: t.Schedule}})
}

func (t Template) clone() Template {
	t.Schedule = schedule.Clone(t.Schedule)
	t.Action = t.Action.Clone()
	t.Tags = append([]string(nil), t.Tags...)
	return t
}

// Job instantiates the template for ownerID. Name falls back to the
// template name.
func (t Template) Job(ownerID, name string) *job.ScheduledJob {
	c := t.clone()
	if strings.TrimSpace(name) == "" {
		name = c.Name
	}
	return &job.ScheduledJob{
		OwnerID:     ownerID,
		Name:        name,
		Description: c.Description,
		Schedule:    c.Schedule,
		Action:      c.Action,
		Enabled:     true,
		Metadata:    map[string]any{"templateId": c.ID},
	}
}

type Catalog struct {
	items []Template
	byID  map[string]int
}

// NewCatalog builds a catalog from items. Later duplicates of an id are
// ignored.
func NewCatalog(items ...Template) *Catalog {
	c := &Catalog{byID: map[string]int{}}
	for _, t := range items {
		if _, dup := c.byID[t.ID]; dup {
			continue
		}
		c.byID[t.ID] = len(c.items)
		c.items = append(c.items, t.clone())
	}
	return c
}

// Default is the built-in catalog.
func Default() *Catalog { return NewCatalog(builtins()...) }

// List returns templates in category (all when empty), most popular first.
func (c *Catalog) List(category Category) []Template {
	out := make([]Template, 0, len(c.items))
	for _, t := range c.items {
		if category == "" || strings.EqualFold(string(t.Category), string(category)) {
			out = append(out, t.clone())
		}
	}
	sort.SliceStable(out, func(i, k int) bool {
		if out[i].Popularity != out[k].Popularity {
			return out[i].Popularity > out[k].Popularity
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func (c *Catalog) Get(id string) (Template, error) {
	i, ok := c.byID[id]
	if !ok {
		return Template{}, ErrTemplateNotFound
	}
	return c.items[i].clone(), nil
}

func builtins() []Template {
	return []Template{
		{
			ID:          "daily-standup-reminder",
			Name:        "Daily standup reminder",
			Description: "Remind the team before the morning standup on weekdays.",
			Category:    CategoryReminder,
			Schedule:    schedule.Cron{Expression: "45 8 * * 1-5"},
			Action: job.ActionSpec{
				Type:       job.ActionSendNotification,
				Parameters: map[string]any{"title": "Standup", "message": "Standup starts in 15 minutes."},
			},
			Popularity: 95,
			Tags:       []string{"team", "meeting"},
		},
		{
			ID:          "weekly-report",
			Name:        "Weekly report",
			Description: "Generate the weekly summary every Friday afternoon.",
			Category:    CategoryReporting,
			Schedule:    schedule.Recurring{Frequency: schedule.Weekly, Time: "16:00", DaysOfWeek: []int{5}},
			Action: job.ActionSpec{
				Type:       job.ActionGenerateReport,
				Parameters: map[string]any{"report": "weekly-summary", "format": "pdf"},
			},
			Popularity: 90,
			Tags:       []string{"report", "weekly"},
		},
		{
			ID:          "monthly-invoice-task",
			Name:        "Monthly invoicing task",
			Description: "Create an invoicing task on the first of every month.",
			Category:    CategoryProductivity,
			Schedule:    schedule.Recurring{Frequency: schedule.Monthly, Time: "09:00", DaysOfMonth: []int{1}},
			Action: job.ActionSpec{
				Type:       job.ActionCreateTask,
				Parameters: map[string]any{"title": "Send invoices", "priority": "high"},
			},
			Popularity: 80,
			Tags:       []string{"finance", "monthly"},
		},
		{
			ID:          "nightly-cleanup",
			Name:        "Nightly cleanup",
			Description: "Purge expired temporary data every night.",
			Category:    CategoryMaintenance,
			Schedule:    schedule.Recurring{Frequency: schedule.Daily, Time: "03:00"},
			Action: job.ActionSpec{
				Type:       job.ActionCleanupData,
				Parameters: map[string]any{"olderThanDays": 30},
			},
			Popularity: 70,
			Tags:       []string{"maintenance", "nightly"},
		},
		{
			ID:          "integration-sync",
			Name:        "Integration sync",
			Description: "Sync connected integrations every 30 minutes.",
			Category:    CategoryIntegration,
			Schedule:    schedule.Interval{Minutes: 30},
			Action: job.ActionSpec{
				Type:        job.ActionSyncIntegration,
				RetryPolicy: &job.RetryPolicy{MaxRetries: 5, RetryDelayMs: 2000, BackoffMultiplier: 2},
			},
			Popularity: 65,
			Tags:       []string{"sync"},
		},
		{
			ID:          "webhook-heartbeat",
			Name:        "Webhook heartbeat",
			Description: "Call a webhook every 5 minutes so an external monitor sees the account alive.",
			Category:    CategoryIntegration,
			Schedule:    schedule.Interval{Minutes: 5},
			Action: job.ActionSpec{
				Type:      job.ActionCallWebhook,
				Method:    "POST",
				TimeoutMs: 10000,
			},
			Popularity: 50,
			Tags:       []string{"webhook", "heartbeat"},
		},
		{
			ID:          "follow-up-reminder",
			Name:        "Follow-up reminder",
			Description: "One reminder an hour from now.",
			Category:    CategoryReminder,
			Schedule:    schedule.Delayed{Minutes: 60},
			Action: job.ActionSpec{
				Type:       job.ActionSendNotification,
				Parameters: map[string]any{"title": "Follow up", "message": "Time to follow up."},
			},
			Popularity: 60,
			Tags:       []string{"reminder"},
		},
		{
			ID:          "yearly-review",
			Name:        "Yearly review",
			Description: "Kick off the annual review workflow on January 2nd.",
			Category:    CategoryProductivity,
			Schedule:    schedule.Cron{Expression: "0 10 2 1 *"},
			Action: job.ActionSpec{
				Type:       job.ActionTriggerWorkflow,
				Parameters: map[string]any{"workflow": "annual-review"},
			},
			Popularity: 30,
			Tags:       []string{"review", "yearly"},
		},
	}
}
