// Package notify tells operators when a broadcast finishes.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"broadcast-platform/internal/broadcast"

	"github.com/slack-go/slack"
)

// Notifier is told about every broadcast that reached a terminal status.
type Notifier interface {
	BroadcastFinished(ctx context.Context, b broadcast.Broadcast)
}

// Nop drops notifications.
type Nop struct{}

func (Nop) BroadcastFinished(context.Context, broadcast.Broadcast) {}

// Slack posts a summary to an incoming webhook. Failures are logged only.
type Slack struct {
	webhookURL string
	log        *slog.Logger
}

func NewSlack(webhookURL string, log *slog.Logger) *Slack {
	if log == nil {
		log = slog.Default()
	}
	return &Slack{webhookURL: webhookURL, log: log}
}

func (s *Slack) BroadcastFinished(ctx context.Context, b broadcast.Broadcast) {
	msg := FinishedMessage(b)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{
		Text:   fallbackText(b),
		Blocks: &msg.Blocks,
	})
	if err != nil {
		s.log.Warn("slack notification failed", "broadcast_id", b.ID, "err", err)
	}
}

func FinishedMessage(b broadcast.Broadcast) slack.Message {
	return slack.NewBlockMessage(
		slack.NewSectionBlock(
			slack.NewTextBlockObject(
				slack.MarkdownType,
				fmt.Sprintf("%s *%s* finished: `%s`\n*Confirmed:* %d/%d (%d%%)   *Failed:* %d",
					statusEmoji(b.Status), b.Title, b.Status, b.SuccessCount, b.TotalRecipients, b.SuccessRate(), b.FailureCount),
				false,
				false,
			),
			nil,
			nil,
		),
		slack.NewContextBlock(
			"context",
			slack.NewTextBlockObject(
				slack.MarkdownType,
				contextLine(b),
				false,
				false,
			),
		),
	)
}

func contextLine(b broadcast.Broadcast) string {
	s := fmt.Sprintf("id %s · type %s · priority %s · by %s", b.ID, b.Type, b.Priority, b.CreatedBy)
	switch {
	case b.CancelReason != "":
		s += " · cancelled by " + b.CancelledBy + ": " + b.CancelReason
	case b.FailureReason != "":
		s += " · " + b.FailureReason
	}
	return s
}

func fallbackText(b broadcast.Broadcast) string {
	return fmt.Sprintf("Broadcast %q %s: %d/%d confirmed", b.Title, b.Status, b.SuccessCount, b.TotalRecipients)
}

func statusEmoji(s broadcast.Status) string {
	switch s {
	case broadcast.StatusCompleted:
		return ":white_check_mark:"
	case broadcast.StatusCancelled:
		return ":no_entry_sign:"
	default:
		return ":x:"
	}
}
