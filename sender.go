package relimq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/coregx/relimq/model"
	"github.com/coregx/relimq/retry"
)

// Sender implements the transactional-outbox send path: the delivery record
// is inserted inside the caller's transaction, and the actual broker publish
// is deferred to an after-commit hook. A crash between the two steps can
// therefore never produce an orphaned publish, and a rolled-back business
// transaction never publishes at all.
//
// The network publish runs asynchronously with retry; its outcome is
// reconciled later through two independent channels that may race:
//
//   - the broker's confirm/return callbacks (HandleConfirm, HandleReturn)
//   - the retry-close finalization once the attempt sequence ends
//
// Both write idempotently to distinguishable fields, so either ordering
// leaves the record reflecting the true outcome.
type Sender struct {
	store    MessageStore
	broker   BrokerGateway
	policy   retry.Policy
	reminder Reminder
	logger   Logger
	idPrefix string
}

// SenderOption configures a Sender.
type SenderOption func(*Sender) error

// NewSender creates a new Sender with the provided options.
//
// Required options:
//   - WithSenderStore: message store
//   - WithSenderBroker: broker gateway
//   - WithSenderLogger: logger instance
//
// Optional options:
//   - WithSenderRetryPolicy: publish retry policy (default: retry.DefaultSendPolicy())
//   - WithSenderReminder: failure alerting sink (default: no reminders)
//   - WithSenderIDPrefix: prefix prepended to generated message ids
func NewSender(opts ...SenderOption) (*Sender, error) {
	s := &Sender{
		policy:   retry.DefaultSendPolicy(),
		reminder: &NoopReminder{},
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply sender option", err)
		}
	}

	// Validate required dependencies
	if s.store == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageStore is required (use WithSenderStore)")
	}
	if s.broker == nil {
		return nil, NewError(ErrCodeConfiguration, "BrokerGateway is required (use WithSenderBroker)")
	}
	if s.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithSenderLogger)")
	}

	return s, nil
}

// WithSenderStore sets the message store dependency.
func WithSenderStore(store MessageStore) SenderOption {
	return func(s *Sender) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		s.store = store
		return nil
	}
}

// WithSenderBroker sets the broker gateway dependency.
func WithSenderBroker(broker BrokerGateway) SenderOption {
	return func(s *Sender) error {
		if broker == nil {
			return fmt.Errorf("broker cannot be nil")
		}
		s.broker = broker
		return nil
	}
}

// WithSenderLogger sets the logger instance.
func WithSenderLogger(logger Logger) SenderOption {
	return func(s *Sender) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithSenderRetryPolicy sets the publish retry policy.
func WithSenderRetryPolicy(policy retry.Policy) SenderOption {
	return func(s *Sender) error {
		s.policy = policy
		return nil
	}
}

// WithSenderReminder sets the failure alerting sink.
func WithSenderReminder(reminder Reminder) SenderOption {
	return func(s *Sender) error {
		if reminder == nil {
			return fmt.Errorf("reminder cannot be nil")
		}
		s.reminder = reminder
		return nil
	}
}

// WithSenderIDPrefix sets a prefix for generated message ids, useful for
// telling apart messages from different deployments sharing one store.
func WithSenderIDPrefix(prefix string) SenderOption {
	return func(s *Sender) error {
		s.idPrefix = prefix
		return nil
	}
}

// SendRequest describes one outbound message.
type SendRequest struct {
	Exchange   string      // Destination exchange
	RoutingKey string      // Destination routing key
	Payload    interface{} // Business payload, serialized to JSON
	BusinessID string      // Optional caller correlation key
	ExtraInfo  string      // Optional free-form metadata
}

// Validate checks the request against the destination requirements.
func (r SendRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Exchange, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.RoutingKey, validation.Required, validation.Length(1, 255)),
	)
}

// SendMessage performs the outbox send inside the caller's transaction tx:
//
//  1. Generate a message id and build the envelope.
//  2. Insert the delivery record through the transaction-scoped store. If the
//     insert fails the whole operation fails and nothing is ever published;
//     the record and the caller's business writes live or die together.
//  3. Register an after-commit hook that publishes the envelope
//     asynchronously, carrying the message id as the confirm correlation token.
//
// The envelope is returned synchronously; the publish outcome is reconciled
// out-of-band via confirm/return callbacks and retry-close finalization.
func (s *Sender) SendMessage(ctx context.Context, tx Tx, req SendRequest) (*model.Envelope, error) {
	if err := req.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "invalid send request", err)
	}

	data, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "failed to serialize payload", err)
	}

	env := model.NewEnvelope(s.newMessageID(), req.Exchange, req.RoutingKey, data, req.BusinessID, req.ExtraInfo)
	body, err := env.Encode()
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "failed to encode envelope", err)
	}

	record := model.NewSenderRecord(env, string(body))
	if err := tx.Store().Insert(ctx, record); err != nil {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to persist delivery record", err)
	}

	tx.AfterCommit(func() {
		go s.publishWithRetry(context.Background(), env.MessageID, env.Exchange, env.RoutingKey, body)
	})

	s.logger.Debugf("Message staged for publish: message_id=%s, exchange=%s, routing_key=%s",
		env.MessageID, env.Exchange, env.RoutingKey)

	return env, nil
}

// ResendMessage re-drives a known message inside the caller's transaction:
// the consume side is reset to unconsumed so a downstream consumer will
// reprocess it, and after commit the stored exchange, routing key, and body
// are republished unchanged.
//
// Returns a not-found error when the message id is unknown.
func (s *Sender) ResendMessage(ctx context.Context, tx Tx, messageID string) error {
	record, err := tx.Store().GetByID(ctx, messageID)
	if err != nil {
		if IsNoData(err) {
			return NewErrorWithCause(ErrCodeNoData, fmt.Sprintf("message not found: %s", messageID), err)
		}
		return NewErrorWithCause(ErrCodeDatabase, "failed to load message for resend", err)
	}

	if err := tx.Store().ResetConsumeStatus(ctx, messageID); err != nil {
		return NewErrorWithCause(ErrCodeDatabase, "failed to reset consume status", err)
	}

	tx.AfterCommit(func() {
		go s.publishWithRetry(context.Background(), record.ID, record.Exchange, record.RoutingKey, []byte(record.MessageBody))
	})

	s.logger.Infof("Message staged for resend: message_id=%s", messageID)
	return nil
}

// HandleConfirm records the broker's publisher confirm for a message id.
// Invoked by the broker gateway from its confirm listener.
func (s *Sender) HandleConfirm(ctx context.Context, messageID string, ack bool, cause string) {
	if messageID == "" {
		return
	}
	if ack {
		s.logger.Infof("Publish confirmed by broker: message_id=%s", messageID)
		if err := s.store.UpdateSendConfirmSuccess(ctx, messageID); err != nil {
			s.logger.Errorf("Failed to record positive confirm for message %s: %v", messageID, err)
		}
		return
	}

	s.logger.Errorf("Publish rejected by broker: message_id=%s, cause=%s", messageID, cause)
	if err := s.store.UpdateSendConfirmFail(ctx, messageID, cause); err != nil {
		s.logger.Errorf("Failed to record negative confirm for message %s: %v", messageID, err)
	}
	s.remindSendFailed(ctx, messageID, cause)
}

// HandleReturn records an unroutable return for a message id.
// Invoked by the broker gateway from its return listener.
func (s *Sender) HandleReturn(ctx context.Context, messageID string, reason string) {
	if messageID == "" {
		return
	}
	s.logger.Errorf("Message returned as unroutable: message_id=%s, reason=%s", messageID, reason)
	if err := s.store.UpdateSendConfirmFail(ctx, messageID, reason); err != nil {
		s.logger.Errorf("Failed to record return for message %s: %v", messageID, err)
	}
	s.remindSendFailed(ctx, messageID, reason)
}

// publishWithRetry drives the publish attempt sequence for one message and
// performs the retry-close finalization once the sequence ends. The message
// id travels as an explicit parameter through the whole chain; no ambient
// per-goroutine state is involved.
func (s *Sender) publishWithRetry(ctx context.Context, messageID, exchange, routingKey string, body []byte) error {
	attempts := s.policy.Attempts()

	var lastErr error
	failed := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.broker.Publish(ctx, exchange, routingKey, body, messageID)
		if err == nil {
			// The attempt counter tracks only failed attempts, so the
			// successful one is added on top.
			if updErr := s.store.UpdateSendSuccess(ctx, messageID, failed+1); updErr != nil {
				s.logger.Errorf("Failed to finalize publish for message %s: %v", messageID, updErr)
			}
			return nil
		}

		lastErr = err
		failed++
		s.logger.Warnf("Publish attempt %d/%d failed for message %s: %v", attempt, attempts, messageID, err)

		if !s.policy.IsFinalAttempt(attempt) {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = attempts // stop retrying
			case <-time.After(s.policy.NextDelay(attempt)):
			}
		}
	}

	if err := s.store.UpdateSendFail(ctx, messageID, failed, lastErr.Error()); err != nil {
		s.logger.Errorf("Failed to record publish exhaustion for message %s: %v", messageID, err)
	}
	s.remindSendFailed(ctx, messageID, lastErr.Error())
	return NewErrorWithCause(ErrCodeBroker, fmt.Sprintf("publish exhausted after %d attempts", attempts), lastErr)
}

// remindSendFailed loads the stored body and invokes the reminder sink.
// Reminder errors are logged and swallowed; they never affect delivery state.
func (s *Sender) remindSendFailed(ctx context.Context, messageID, cause string) {
	body := ""
	if record, err := s.store.GetByID(ctx, messageID); err == nil {
		body = record.MessageBody
	}
	if err := s.reminder.OnSendFailed(ctx, messageID, body, cause); err != nil {
		s.logger.Errorf("Send-failed reminder error for message %s: %v", messageID, err)
	}
}

// newMessageID generates a globally unique message id: the configured prefix
// plus a 32-character hex UUID.
func (s *Sender) newMessageID() string {
	return s.idPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
