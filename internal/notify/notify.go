// Package notify delivers direct messages, channel posts and daily summaries.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"opsagent/internal/domain"
)

type Notifier interface {
	SendDM(ctx context.Context, email, text string) error
	SendChannel(ctx context.Context, channel, text string) error
	SendDailySummary(ctx context.Context, user domain.User, summary domain.DailySummary) error
}

// LogNotifier writes every message to the logger. It is the default when no
// webhook is configured.
type LogNotifier struct {
	Log *zap.SugaredLogger
}

func (n LogNotifier) logger() *zap.SugaredLogger {
	if n.Log == nil {
		return zap.NewNop().Sugar()
	}
	return n.Log
}

func (n LogNotifier) SendDM(ctx context.Context, email, text string) error {
	n.logger().Infow("notify dm", "email", email, "text", text)
	return nil
}

func (n LogNotifier) SendChannel(ctx context.Context, channel, text string) error {
	n.logger().Infow("notify channel", "channel", channel, "text", text)
	return nil
}

func (n LogNotifier) SendDailySummary(ctx context.Context, user domain.User, summary domain.DailySummary) error {
	n.logger().Infow("notify daily summary", "user", user.ID, "email", user.Email,
		"tasks", len(summary.Tasks), "blocked", len(summary.BlockedTasks), "in_progress", summary.InProgress)
	return nil
}

// FormatSummary renders a summary as plain text for chat delivery.
func FormatSummary(user domain.User, s domain.DailySummary) string {
	var b strings.Builder
	name := user.Name
	if name == "" {
		name = user.Email
	}
	fmt.Fprintf(&b, "Good morning %s. You have %d open tasks (%d in progress, %d blocked); %d completed in the last day.\n",
		name, len(s.Tasks), s.InProgress, len(s.BlockedTasks), s.CompletedToday)
	for _, t := range s.Tasks {
		due := ""
		if t.DueDate != nil {
			due = " due " + *t.DueDate
		}
		fmt.Fprintf(&b, "- [%s] %s (%s)%s\n", t.Status, t.Title, t.ProjectTitle, due)
	}
	return b.String()
}
