package relimq

import "context"

// Reminder defines the pluggable alerting sink invoked when a message ends in
// a terminal failure: publish-retry exhaustion, a negative or unroutable
// confirm, or a final failed consume attempt.
//
// Implementations might send emails, Slack messages, SMS, or page an on-call.
// Reminders are strictly best-effort: errors returned here are logged and
// swallowed by the library and never affect delivery-state correctness.
type Reminder interface {
	// OnSendFailed is called when the outbound side gives up on a message.
	OnSendFailed(ctx context.Context, messageID, messageBody, errorMessage string) error

	// OnConsumeFailed is called when the final consume attempt for a
	// message fails, or when a message is rejected to the dead-letter queue.
	OnConsumeFailed(ctx context.Context, messageID, messageBody, errorMessage string) error
}

// NoopReminder is a no-op implementation of Reminder.
// Use this when failure notifications are not needed.
type NoopReminder struct{}

// OnSendFailed does nothing.
func (n *NoopReminder) OnSendFailed(_ context.Context, _, _, _ string) error {
	return nil
}

// OnConsumeFailed does nothing.
func (n *NoopReminder) OnConsumeFailed(_ context.Context, _, _, _ string) error {
	return nil
}

// LoggingReminder is a simple implementation that logs failure reminders.
type LoggingReminder struct {
	logger Logger
}

// NewLoggingReminder creates a new LoggingReminder.
func NewLoggingReminder(logger Logger) *LoggingReminder {
	return &LoggingReminder{logger: logger}
}

// OnSendFailed logs the send failure.
func (r *LoggingReminder) OnSendFailed(_ context.Context, messageID, _, errorMessage string) error {
	r.logger.Warnf("Message send failed: message_id=%s, error=%s", messageID, errorMessage)
	return nil
}

// OnConsumeFailed logs the consume failure.
func (r *LoggingReminder) OnConsumeFailed(_ context.Context, messageID, _, errorMessage string) error {
	r.logger.Warnf("Message consume failed: message_id=%s, error=%s", messageID, errorMessage)
	return nil
}
