// Package handlers provides task event handlers for the worker.
// Each handler reacts to one terminal task status and can be registered with the
// worker for that status.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nadmax/robofleet/internal/taskbridge"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Sender delivers one message.
type Sender func(*mail.SGMailV3) error

func SendGridSender(apiKey string) Sender {
	client := sendgrid.NewSendClient(apiKey)

	return func(m *mail.SGMailV3) error {
		response, err := client.Send(m)
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		if response.StatusCode >= 400 {
			return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
		}
		return nil
	}
}

type EmailAlerter struct {
	from   *mail.Email
	to     []*mail.Email
	send   Sender
	logger *slog.Logger
}

// NewEmailAlerter sends to every address in the comma-separated to list.
func NewEmailAlerter(fromName, fromAddress, to string, send Sender, logger *slog.Logger) *EmailAlerter {
	var recipients []*mail.Email
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			recipients = append(recipients, mail.NewEmail("", addr))
		}
	}

	return &EmailAlerter{
		from:   mail.NewEmail(fromName, fromAddress),
		to:     recipients,
		send:   send,
		logger: logger,
	}
}

func (a *EmailAlerter) TaskFailedHandler(ctx context.Context, evt taskbridge.Event) error {
	if len(a.to) == 0 {
		return errors.New("no alert recipients configured")
	}

	subject := fmt.Sprintf("Robot %d: task %d failed", evt.RobotID, evt.TaskID)
	body := fmt.Sprintf("Task %d on robot %d failed at %s.\nReason: %s\n",
		evt.TaskID, evt.RobotID, evt.OccurredAt.Format("2006-01-02 15:04:05 MST"), reasonOrUnknown(evt.Reason))

	m := mail.NewV3Mail()
	m.SetFrom(a.from)
	m.Subject = subject
	p := mail.NewPersonalization()
	p.AddTos(a.to...)
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", body))

	if err := a.send(m); err != nil {
		return err
	}

	a.logger.Info("failure alert sent", "task_id", evt.TaskID, "robot_id", evt.RobotID, "recipients", len(a.to))
	return nil
}

func reasonOrUnknown(reason string) string {
	if reason == "" || reason == "none" {
		return "not reported"
	}
	return reason
}

// LogHandler records events that need no delivery.
func LogHandler(logger *slog.Logger) func(ctx context.Context, evt taskbridge.Event) error {
	return func(ctx context.Context, evt taskbridge.Event) error {
		logger.Info("task finished", "task_id", evt.TaskID, "robot_id", evt.RobotID, "status", evt.Status)
		return nil
	}
}
