package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nadmax/robofleet/internal/task"
	"github.com/nadmax/robofleet/internal/taskbridge"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTaskFailedHandler_SendsEmail(t *testing.T) {
	var sent *mail.SGMailV3
	alerter := NewEmailAlerter("Robofleet", "fleet@example.com", "ops@example.com, oncall@example.com", func(m *mail.SGMailV3) error {
		sent = m
		return nil
	}, testLogger())

	err := alerter.TaskFailedHandler(context.Background(), taskbridge.Event{
		RobotID:    4,
		TaskID:     812,
		Status:     task.StatusFailed,
		Reason:     "path blocked",
		OccurredAt: time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NotNil(t, sent)

	assert.Equal(t, "Robot 4: task 812 failed", sent.Subject)
	assert.Equal(t, "fleet@example.com", sent.From.Address)
	require.Len(t, sent.Personalizations, 1)
	require.Len(t, sent.Personalizations[0].To, 2)
	assert.Equal(t, "oncall@example.com", sent.Personalizations[0].To[1].Address)
	require.Len(t, sent.Content, 1)
	assert.Contains(t, sent.Content[0].Value, "Reason: path blocked")
}

func TestTaskFailedHandler_SenderError(t *testing.T) {
	alerter := NewEmailAlerter("Robofleet", "fleet@example.com", "ops@example.com", func(m *mail.SGMailV3) error {
		return errors.New("sendgrid error: status 401")
	}, testLogger())

	err := alerter.TaskFailedHandler(context.Background(), taskbridge.Event{TaskID: 1, Status: task.StatusFailed})
	assert.Error(t, err)
}

func TestTaskFailedHandler_NoRecipients(t *testing.T) {
	called := false
	alerter := NewEmailAlerter("Robofleet", "fleet@example.com", " , ", func(m *mail.SGMailV3) error {
		called = true
		return nil
	}, testLogger())

	err := alerter.TaskFailedHandler(context.Background(), taskbridge.Event{TaskID: 1, Status: task.StatusFailed})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestReasonOrUnknown(t *testing.T) {
	assert.Equal(t, "not reported", reasonOrUnknown(""))
	assert.Equal(t, "not reported", reasonOrUnknown("none"))
	assert.Equal(t, "lost localization", reasonOrUnknown("lost localization"))
}

func TestLogHandler(t *testing.T) {
	h := LogHandler(testLogger())
	assert.NoError(t, h(context.Background(), taskbridge.Event{TaskID: 1, Status: task.StatusCompleted}))
}
