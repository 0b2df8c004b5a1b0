package relimq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coregx/relimq/model"
	"github.com/coregx/relimq/retry"
)

// DefaultConsumeLockTimeout is how long a consume lock excludes other workers
// before it is considered abandoned.
const DefaultConsumeLockTimeout = 3 * time.Second

// Handler processes one decoded message. The envelope carries the delivery
// metadata; payload is the business payload decoded into T.
//
// A nil return records the message as consumed; an error return counts as a
// failed attempt and is retried according to the consumer's retry policy.
type Handler[T any] func(ctx context.Context, env *model.Envelope, payload T) error

// Consumer is the idempotent receive path for messages of payload type T.
//
// Before the handler runs, the consumer performs a check-and-lock against the
// delivery record: already-consumed messages and messages being worked by
// another live worker are acknowledged and skipped, and everything else is
// claimed by writing a consuming lock. The message id is the dedup key, so
// redeliveries and broker duplicates collapse onto one record.
type Consumer[T any] struct {
	store       MessageStore
	policy      retry.Policy
	reminder    Reminder
	logger      Logger
	clock       Clock
	lockTimeout time.Duration
	handler     Handler[T]
}

// ConsumerOption configures a Consumer.
type ConsumerOption[T any] func(*Consumer[T]) error

// NewConsumer creates a new Consumer for payload type T with the provided
// options.
//
// Required options:
//   - WithConsumerStore: message store
//   - WithConsumerLogger: logger instance
//
// Optional options:
//   - WithConsumerRetryPolicy: handler retry policy (default: retry.DefaultConsumePolicy())
//   - WithConsumerReminder: failure alerting sink (default: no reminders)
//   - WithConsumerLockTimeout: consume lock timeout (default: 3s)
//   - WithConsumerClock: time source for lock decisions (default: wall clock)
func NewConsumer[T any](handler Handler[T], opts ...ConsumerOption[T]) (*Consumer[T], error) {
	if handler == nil {
		return nil, NewError(ErrCodeConfiguration, "handler is required")
	}

	c := &Consumer[T]{
		policy:      retry.DefaultConsumePolicy(),
		reminder:    &NoopReminder{},
		clock:       SystemClock{},
		lockTimeout: DefaultConsumeLockTimeout,
		handler:     handler,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply consumer option", err)
		}
	}

	// Validate required dependencies
	if c.store == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageStore is required (use WithConsumerStore)")
	}
	if c.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithConsumerLogger)")
	}

	return c, nil
}

// WithConsumerStore sets the message store dependency.
func WithConsumerStore[T any](store MessageStore) ConsumerOption[T] {
	return func(c *Consumer[T]) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		c.store = store
		return nil
	}
}

// WithConsumerLogger sets the logger instance.
func WithConsumerLogger[T any](logger Logger) ConsumerOption[T] {
	return func(c *Consumer[T]) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithConsumerRetryPolicy sets the handler retry policy.
func WithConsumerRetryPolicy[T any](policy retry.Policy) ConsumerOption[T] {
	return func(c *Consumer[T]) error {
		c.policy = policy
		return nil
	}
}

// WithConsumerReminder sets the failure alerting sink.
func WithConsumerReminder[T any](reminder Reminder) ConsumerOption[T] {
	return func(c *Consumer[T]) error {
		if reminder == nil {
			return fmt.Errorf("reminder cannot be nil")
		}
		c.reminder = reminder
		return nil
	}
}

// WithConsumerLockTimeout sets how long a consume lock held by another worker
// is honored before the message is eligible for re-processing.
func WithConsumerLockTimeout[T any](timeout time.Duration) ConsumerOption[T] {
	return func(c *Consumer[T]) error {
		if timeout <= 0 {
			return fmt.Errorf("lock timeout must be positive")
		}
		c.lockTimeout = timeout
		return nil
	}
}

// WithConsumerClock sets the time source used for lock-timeout decisions.
func WithConsumerClock[T any](clock Clock) ConsumerOption[T] {
	return func(c *Consumer[T]) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		c.clock = clock
		return nil
	}
}

// Consume processes one broker delivery end to end: decode, check-and-lock,
// handler attempts, settlement.
//
// Every path settles the delivery. A successful handler outcome acknowledges
// immediately, whichever attempt it lands on; the attempt loop runs in this
// process, so nothing arrives later to settle an unacked delivery. Failures
// reject to the dead-letter side once the retry policy's final attempt is
// spent.
//
// A nil error means the delivery needs no further action from the caller.
func (c *Consumer[T]) Consume(ctx context.Context, d Delivery, acker Acknowledger) error {
	env, err := model.DecodeEnvelope(d.Body)
	if err != nil {
		// Undecodable bodies can never be deduplicated, so they are pushed
		// to the dead-letter side immediately.
		c.logger.Errorf("Rejecting undecodable delivery (tag=%d): %v", d.DeliveryTag, err)
		if rejErr := acker.Reject(d.DeliveryTag); rejErr != nil {
			c.logger.Errorf("Failed to reject undecodable delivery (tag=%d): %v", d.DeliveryTag, rejErr)
		}
		return NewErrorWithCause(ErrCodeValidation, "undecodable message body", err)
	}

	proceed, err := c.checkAndLock(ctx, env, d, acker)
	if err != nil {
		// The record-state step gets exactly one shot per delivery, so a
		// technical failure here settles like a final failed attempt.
		c.remindConsumeFailed(ctx, env.MessageID, err.Error())
		if rejErr := acker.Reject(d.DeliveryTag); rejErr != nil {
			c.logger.Errorf("Failed to reject message %s: %v", env.MessageID, rejErr)
		}
		return err
	}
	if !proceed {
		return nil
	}

	var payload T
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		// Permanently unprocessable for this payload type.
		c.logger.Errorf("Payload decode failed for message %s: %v", env.MessageID, err)
		if updErr := c.store.UpdateConsumeFail(ctx, env.MessageID, err.Error()); updErr != nil {
			c.logger.Errorf("Failed to record decode failure for message %s: %v", env.MessageID, updErr)
		}
		c.remindConsumeFailed(ctx, env.MessageID, err.Error())
		if rejErr := acker.Reject(d.DeliveryTag); rejErr != nil {
			c.logger.Errorf("Failed to reject message %s: %v", env.MessageID, rejErr)
		}
		return NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("payload decode failed for message %s", env.MessageID), err)
	}

	return c.runAttempts(ctx, env, payload, d, acker)
}

// checkAndLock resolves the delivery record state for the message and claims
// the consume lock. It returns proceed=false when the message needs no
// handler run: already consumed, or locked by a live worker. Both cases are
// acknowledged here; the record tracks the outcome, and a lock holder that
// dies leaves a failed record for the rescue path rather than a requeue.
func (c *Consumer[T]) checkAndLock(ctx context.Context, env *model.Envelope, d Delivery, acker Acknowledger) (bool, error) {
	record, err := c.store.GetByID(ctx, env.MessageID)
	if IsNoData(err) {
		// First sighting on this side. The insert doubles as the lock claim:
		// the record is born consuming with count 1.
		insErr := c.store.Insert(ctx, model.NewConsumerRecord(env, string(d.Body)))
		if insErr == nil {
			return true, nil
		}
		if !IsDuplicate(insErr) {
			return false, NewErrorWithCause(ErrCodeDatabase, "failed to create delivery record", insErr)
		}
		// Lost the insert race; re-read and fall through to the
		// existing-record protocol.
		record, err = c.store.GetByID(ctx, env.MessageID)
	}
	if err != nil {
		return false, NewErrorWithCause(ErrCodeDatabase, "failed to load delivery record", err)
	}

	if record.IsConsumed() {
		c.logger.Debugf("Message %s already consumed, acknowledging duplicate", env.MessageID)
		if ackErr := acker.Ack(d.DeliveryTag); ackErr != nil {
			c.logger.Errorf("Failed to acknowledge duplicate of message %s: %v", env.MessageID, ackErr)
		}
		return false, nil
	}

	if record.ConsumeLockHeld(c.lockTimeout, c.clock.Now()) {
		c.logger.Debugf("Message %s is locked by another worker, acknowledging", env.MessageID)
		if ackErr := acker.Ack(d.DeliveryTag); ackErr != nil {
			c.logger.Errorf("Failed to acknowledge locked message %s: %v", env.MessageID, ackErr)
		}
		return false, nil
	}

	if err := c.store.LockConsume(ctx, env.MessageID); err != nil {
		return false, NewErrorWithCause(ErrCodeDatabase, "failed to claim consume lock", err)
	}
	return true, nil
}

// runAttempts drives the handler attempt sequence for one delivery.
func (c *Consumer[T]) runAttempts(ctx context.Context, env *model.Envelope, payload T, d Delivery, acker Acknowledger) error {
	attempts := c.policy.Attempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		final := c.policy.IsFinalAttempt(attempt)

		err := c.callHandler(ctx, env, payload)
		if err == nil {
			if updErr := c.store.UpdateConsumeSuccess(ctx, env.MessageID); updErr != nil {
				c.logger.Errorf("Failed to record consume success for message %s: %v", env.MessageID, updErr)
			}
			if ackErr := acker.Ack(d.DeliveryTag); ackErr != nil {
				c.logger.Errorf("Failed to acknowledge message %s: %v", env.MessageID, ackErr)
			}
			return nil
		}

		lastErr = err
		c.logger.Warnf("Consume attempt %d/%d failed for message %s: %v", attempt, attempts, env.MessageID, err)
		if updErr := c.store.UpdateConsumeFail(ctx, env.MessageID, err.Error()); updErr != nil {
			c.logger.Errorf("Failed to record consume failure for message %s: %v", env.MessageID, updErr)
		}

		if !final {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = attempts // stop retrying
			case <-time.After(c.policy.NextDelay(attempt)):
			}
		}
	}

	c.remindConsumeFailed(ctx, env.MessageID, lastErr.Error())
	if rejErr := acker.Reject(d.DeliveryTag); rejErr != nil {
		c.logger.Errorf("Failed to reject message %s: %v", env.MessageID, rejErr)
	}
	return NewErrorWithCause(ErrCodeBroker, fmt.Sprintf("consume exhausted after %d attempts for message %s", attempts, env.MessageID), lastErr)
}

// callHandler invokes the handler, converting a panic into an error so a
// misbehaving handler cannot take the consume loop down.
func (c *Consumer[T]) callHandler(ctx context.Context, env *model.Envelope, payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, env, payload)
}

// remindConsumeFailed loads the stored body and invokes the reminder sink.
// Reminder errors are logged and swallowed.
func (c *Consumer[T]) remindConsumeFailed(ctx context.Context, messageID, cause string) {
	body := ""
	if record, err := c.store.GetByID(ctx, messageID); err == nil {
		body = record.MessageBody
	}
	if err := c.reminder.OnConsumeFailed(ctx, messageID, body, cause); err != nil {
		c.logger.Errorf("Consume-failed reminder error for message %s: %v", messageID, err)
	}
}
