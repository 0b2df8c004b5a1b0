package relimq

import (
	"context"
	"time"

	"github.com/coregx/relimq/model"
)

// MessageStore defines the persistence interface for delivery records.
// It is the single source of truth for delivery state: dedup, the consume
// lock, and retry bookkeeping are all conditional writes against it.
//
// Every state-transition method runs in its own short-lived transaction so a
// status update commits even if an outer unit of work later rolls back;
// delivery-state history must survive business-logic failures.
//
// Implementations must be safe for concurrent use.
type MessageStore interface {
	// Insert creates a new delivery record.
	// Returns ErrDuplicate when a record for the same message id exists.
	Insert(ctx context.Context, record model.DeliveryRecord) error

	// GetByID retrieves a record by message id.
	// Returns ErrNoData if not found.
	GetByID(ctx context.Context, messageID string) (model.DeliveryRecord, error)

	// UpdateSendSuccess finalizes a completed publish attempt sequence:
	// send_count is incremented by sendCount and the last send time is
	// stamped. The send status is left untouched; the broker confirm
	// callback owns the transition to success.
	UpdateSendSuccess(ctx context.Context, messageID string, sendCount int) error

	// UpdateSendFail marks the record send-failed after publish-retry
	// exhaustion, adding the attempt count and the final error.
	UpdateSendFail(ctx context.Context, messageID string, sendCount int, errorMessage string) error

	// UpdateSendConfirmSuccess records a positive broker confirm:
	// send status success, confirm time stamped, send error cleared.
	UpdateSendConfirmSuccess(ctx context.Context, messageID string) error

	// UpdateSendConfirmFail records a negative confirm or an unroutable
	// return: send status failed, confirm time stamped, error recorded.
	UpdateSendConfirmFail(ctx context.Context, messageID string, errorMessage string) error

	// LockConsume claims the consume lock: consume status is set to
	// consuming, the consume count incremented, and the lock time refreshed.
	LockConsume(ctx context.Context, messageID string) error

	// UpdateConsumeSuccess marks the handler outcome successful: consume
	// status success, success time stamped, consume error cleared.
	UpdateConsumeSuccess(ctx context.Context, messageID string) error

	// UpdateConsumeFail marks the handler outcome failed with its error.
	UpdateConsumeFail(ctx context.Context, messageID string, errorMessage string) error

	// DeleteByID permanently removes a record. Operator action only;
	// the core protocol never deletes.
	DeleteByID(ctx context.Context, messageID string) error

	// CountSendFailed counts sender-saved records whose send status is not
	// success, created within the window.
	CountSendFailed(ctx context.Context, window model.FailureWindow) (int64, error)

	// FindSendFailed pages through sender-saved records whose send status
	// is not success, created within the window, newest first.
	FindSendFailed(ctx context.Context, window model.FailureWindow, page model.PageRequest) (model.RecordPage, error)

	// CountConsumeFailed counts records whose consume status is not
	// success, created within the window.
	CountConsumeFailed(ctx context.Context, window model.FailureWindow) (int64, error)

	// FindConsumeFailed pages through records whose consume status is not
	// success, created within the window, newest first.
	FindConsumeFailed(ctx context.Context, window model.FailureWindow, page model.PageRequest) (model.RecordPage, error)
}

// TxStore is the narrow store surface available inside a caller-scoped
// transaction. The outbox insert and the resend reset must share the caller's
// transaction so the delivery record and the business write commit or roll
// back together.
type TxStore interface {
	// Insert creates a new delivery record inside the transaction.
	// Returns ErrDuplicate when a record for the same message id exists.
	Insert(ctx context.Context, record model.DeliveryRecord) error

	// GetByID retrieves a record by message id inside the transaction.
	// Returns ErrNoData if not found.
	GetByID(ctx context.Context, messageID string) (model.DeliveryRecord, error)

	// ResetConsumeStatus returns the record's consume side to unconsumed,
	// so a downstream consumer reprocesses the message after a resend.
	ResetConsumeStatus(ctx context.Context, messageID string) error
}

// Tx is the explicit transaction boundary handle passed to outbox operations.
// AfterCommit registers a hook that runs only once the transaction has
// committed successfully; hooks are discarded on rollback. This ordering is
// the outbox guarantee: a message is never published unless its durable
// record is committed first.
type Tx interface {
	// Store returns the transaction-scoped record store.
	Store() TxStore

	// AfterCommit registers fn to run after a successful commit.
	AfterCommit(fn func())
}

// TxRunner opens caller-scoped transactions. Business code runs its own
// writes and the outbox send inside the same fn; a nil return commits, any
// error rolls back, and after-commit hooks fire only on commit.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Clock abstracts time for lock-timeout decisions. Production code uses
// SystemClock; tests substitute fixed instants.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock implementation.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
