package relimq

import (
	"context"
	"fmt"

	"github.com/coregx/relimq/model"
)

// deadLetterReason is recorded as the consume error for messages captured
// from a dead-letter queue.
const deadLetterReason = "message routed to dead-letter queue"

// Rescue is the operator surface for stuck messages: draining dead-letter
// queues into durable records, inspecting failure backlogs, and re-driving or
// discarding individual messages.
type Rescue struct {
	store    MessageStore
	broker   BrokerGateway
	sender   *Sender
	txRunner TxRunner
	reminder Reminder
	logger   Logger
}

// RescueOption configures a Rescue service.
type RescueOption func(*Rescue) error

// NewRescue creates a new Rescue service with the provided options.
//
// Required options:
//   - WithRescueStore: message store
//   - WithRescueBroker: broker gateway
//   - WithRescueSender: sender used for message re-drive
//   - WithRescueTxRunner: transaction runner for re-drive
//   - WithRescueLogger: logger instance
//
// Optional options:
//   - WithRescueReminder: failure alerting sink (default: no reminders)
func NewRescue(opts ...RescueOption) (*Rescue, error) {
	r := &Rescue{
		reminder: &NoopReminder{},
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply rescue option", err)
		}
	}

	// Validate required dependencies
	if r.store == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageStore is required (use WithRescueStore)")
	}
	if r.broker == nil {
		return nil, NewError(ErrCodeConfiguration, "BrokerGateway is required (use WithRescueBroker)")
	}
	if r.sender == nil {
		return nil, NewError(ErrCodeConfiguration, "Sender is required (use WithRescueSender)")
	}
	if r.txRunner == nil {
		return nil, NewError(ErrCodeConfiguration, "TxRunner is required (use WithRescueTxRunner)")
	}
	if r.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithRescueLogger)")
	}

	return r, nil
}

// WithRescueStore sets the message store dependency.
func WithRescueStore(store MessageStore) RescueOption {
	return func(r *Rescue) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		r.store = store
		return nil
	}
}

// WithRescueBroker sets the broker gateway dependency.
func WithRescueBroker(broker BrokerGateway) RescueOption {
	return func(r *Rescue) error {
		if broker == nil {
			return fmt.Errorf("broker cannot be nil")
		}
		r.broker = broker
		return nil
	}
}

// WithRescueSender sets the sender used for message re-drive.
func WithRescueSender(sender *Sender) RescueOption {
	return func(r *Rescue) error {
		if sender == nil {
			return fmt.Errorf("sender cannot be nil")
		}
		r.sender = sender
		return nil
	}
}

// WithRescueTxRunner sets the transaction runner used for message re-drive.
func WithRescueTxRunner(runner TxRunner) RescueOption {
	return func(r *Rescue) error {
		if runner == nil {
			return fmt.Errorf("tx runner cannot be nil")
		}
		r.txRunner = runner
		return nil
	}
}

// WithRescueLogger sets the logger instance.
func WithRescueLogger(logger Logger) RescueOption {
	return func(r *Rescue) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		r.logger = logger
		return nil
	}
}

// WithRescueReminder sets the failure alerting sink.
func WithRescueReminder(reminder Reminder) RescueOption {
	return func(r *Rescue) error {
		if reminder == nil {
			return fmt.Errorf("reminder cannot be nil")
		}
		r.reminder = reminder
		return nil
	}
}

// QueueDepth returns the broker-reported message count for the queue, or
// QueueDepthUnknown when the queue is missing or cannot be inspected.
func (r *Rescue) QueueDepth(ctx context.Context, queue string) (int64, error) {
	return r.broker.QueueDepth(ctx, queue)
}

// DrainDeadLetterQueue pulls every message currently sitting on the queue and
// converts each into a durable delivery record, so stuck messages become
// visible and re-drivable through the store instead of rotting on the broker.
//
// Each delivery is acknowledged unconditionally, whether or not its record
// could be written: the durable store is the recovery surface from here on,
// and a poison message must not wedge the drain. Messages whose records could
// not be written are counted as failed, and those with a recoverable message
// id are reported in the result for manual follow-up.
//
// The drain stops at the first empty poll, so messages arriving mid-drain may
// be picked up or left for the next run.
func (r *Rescue) DrainDeadLetterQueue(ctx context.Context, queue string) (model.QueueProcessResult, error) {
	var result model.QueueProcessResult

	for {
		if err := ctx.Err(); err != nil {
			return result, NewErrorWithCause(ErrCodeBroker, "dead-letter drain interrupted", err)
		}

		d, ok, err := r.broker.Get(ctx, queue)
		if err != nil {
			return result, NewErrorWithCause(ErrCodeBroker, fmt.Sprintf("failed to poll queue %s", queue), err)
		}
		if !ok {
			break
		}

		messageID, procErr := r.captureDeadLetter(ctx, d)
		if procErr != nil {
			r.logger.Errorf("Failed to capture dead-letter message (tag=%d, message_id=%s): %v",
				d.DeliveryTag, messageID, procErr)
			result.RecordFailure(messageID)
		} else {
			result.RecordSuccess()
		}

		if ackErr := r.broker.Ack(d.DeliveryTag); ackErr != nil {
			return result, NewErrorWithCause(ErrCodeBroker, "failed to acknowledge dead-letter message", ackErr)
		}
	}

	r.logger.Infof("Dead-letter drain finished for queue %s: processed=%d, succeeded=%d, failed=%d",
		queue, result.Processed, result.Succeeded, result.Failed)
	return result, nil
}

// captureDeadLetter writes one dead-letter delivery into the store and fires
// the consume-failed reminder. Returns the message id when one could be
// recovered from the body, even on failure.
func (r *Rescue) captureDeadLetter(ctx context.Context, d Delivery) (string, error) {
	env, err := model.DecodeEnvelope(d.Body)
	if err != nil {
		return d.MessageID, fmt.Errorf("undecodable body: %w", err)
	}

	meta := model.EnvelopeMeta{
		BusinessID: env.BusinessID,
		Exchange:   env.Exchange,
		RoutingKey: env.RoutingKey,
	}
	record := model.NewDeadLetterRecord(env.MessageID, meta, string(d.Body))

	if err := r.store.Insert(ctx, record); err != nil {
		if !IsDuplicate(err) {
			return env.MessageID, fmt.Errorf("failed to persist record: %w", err)
		}
		// A record already exists from the consume side; stamp the
		// dead-letter outcome onto it.
		if err := r.store.UpdateConsumeFail(ctx, env.MessageID, deadLetterReason); err != nil {
			return env.MessageID, fmt.Errorf("failed to update record: %w", err)
		}
	}

	if err := r.reminder.OnConsumeFailed(ctx, env.MessageID, string(d.Body), deadLetterReason); err != nil {
		r.logger.Errorf("Dead-letter reminder error for message %s: %v", env.MessageID, err)
	}
	return env.MessageID, nil
}

// PurgeQueue drops every message currently on the queue and returns how many
// were removed. Destructive; intended for operator use against test or
// poisoned queues.
func (r *Rescue) PurgeQueue(ctx context.Context, queue string) (int, error) {
	purged, err := r.broker.Purge(ctx, queue)
	if err != nil {
		return 0, NewErrorWithCause(ErrCodeBroker, fmt.Sprintf("failed to purge queue %s", queue), err)
	}
	r.logger.Infof("Purged %d messages from queue %s", purged, queue)
	return purged, nil
}

// ResendMessage re-drives a stored message through the sender: its consume
// state is reset and the stored body republished to the original destination.
func (r *Rescue) ResendMessage(ctx context.Context, messageID string) error {
	return r.txRunner.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return r.sender.ResendMessage(ctx, tx, messageID)
	})
}

// DeleteMessage permanently removes a delivery record. Operator action only.
func (r *Rescue) DeleteMessage(ctx context.Context, messageID string) error {
	if err := r.store.DeleteByID(ctx, messageID); err != nil {
		if IsNoData(err) {
			return NewErrorWithCause(ErrCodeNoData, fmt.Sprintf("message not found: %s", messageID), err)
		}
		return NewErrorWithCause(ErrCodeDatabase, "failed to delete message", err)
	}
	r.logger.Infof("Deleted message record: message_id=%s", messageID)
	return nil
}

// GetSendFailedCount counts locally-sent messages that have not reached send
// success, created within the window.
func (r *Rescue) GetSendFailedCount(ctx context.Context, window model.FailureWindow) (int64, error) {
	return r.store.CountSendFailed(ctx, window)
}

// GetSendFailedPage pages through locally-sent messages that have not reached
// send success, created within the window, newest first.
func (r *Rescue) GetSendFailedPage(ctx context.Context, window model.FailureWindow, page model.PageRequest) (model.RecordPage, error) {
	return r.store.FindSendFailed(ctx, window, page)
}

// GetConsumeFailedCount counts messages that have not reached consume
// success, created within the window.
func (r *Rescue) GetConsumeFailedCount(ctx context.Context, window model.FailureWindow) (int64, error) {
	return r.store.CountConsumeFailed(ctx, window)
}

// GetConsumeFailedPage pages through messages that have not reached consume
// success, created within the window, newest first.
func (r *Rescue) GetConsumeFailedPage(ctx context.Context, window model.FailureWindow, page model.PageRequest) (model.RecordPage, error) {
	return r.store.FindConsumeFailed(ctx, window, page)
}
