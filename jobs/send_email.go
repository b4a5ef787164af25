package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, msg SendEmailPayload) error
}

// LogMailer writes emails to the log instead of delivering them.
type LogMailer struct {
	Logger *slog.Logger
}

// Send implements Mailer.
func (m LogMailer) Send(_ context.Context, msg SendEmailPayload) error {
	jobLogger(m.Logger, TaskTypeSendEmail).Info("email",
		slog.String("from", msg.From),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.Int("body_bytes", len(msg.Body)))
	return nil
}

// SendEmailHandler returns the TaskTypeSendEmail handler backed by mailer.
func SendEmailHandler(mailer Mailer) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SendEmailPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("send email: decode payload: %w: %w", err, asynq.SkipRetry)
		}
		if payload.To == "" {
			return fmt.Errorf("send email: missing recipient: %w", asynq.SkipRetry)
		}
		return mailer.Send(ctx, payload)
	}
}
