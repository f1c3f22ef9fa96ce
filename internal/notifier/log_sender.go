package notifier

import (
	"context"

	logx "jobclock/pkg/logx"
)

// LogSender writes notifications to the log. It is the default sender when no
// external channel is configured.
type LogSender struct {
	Log logx.Logger
}

func (LogSender) Name() string { return "log" }

func (s LogSender) Send(_ context.Context, ownerID string, n Notification) error {
	fields := []logx.Field{
		logx.String("owner", ownerID),
		logx.String("type", string(n.Type)),
		logx.String("title", n.Title),
		logx.String("message", n.Message),
	}
	if n.JobID != "" {
		fields = append(fields, logx.String("job_id", n.JobID))
	}
	switch n.Type {
	case TypeError, TypeWarning:
		s.Log.Warn("owner notification", fields...)
	default:
		s.Log.Info("owner notification", fields...)
	}
	return nil
}

// MultiSender fans out to every sender and returns the first error.
type MultiSender []Sender

func (MultiSender) Name() string { return "multi" }

func (m MultiSender) Send(ctx context.Context, ownerID string, n Notification) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, ownerID, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
