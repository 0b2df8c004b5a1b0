package relica

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/coregx/relimq"
	"github.com/coregx/relimq/model"
)

// TxRunner implements relimq.TxRunner over database/sql transactions.
//
// It runs the caller's function inside one *sql.Tx, commits on nil return,
// rolls back on error, and fires after-commit hooks only once the commit has
// actually landed. The transaction-scoped store operates on the raw *sql.Tx
// directly, since every statement must join the caller's transaction.
type TxRunner struct {
	db          *sql.DB
	driverName  string
	tablePrefix string
}

// NewTxRunner creates a new TxRunner with default table prefix.
func NewTxRunner(db *sql.DB, driverName string) *TxRunner {
	return &TxRunner{db: db, driverName: driverName, tablePrefix: "relimq_"}
}

// NewTxRunnerWithPrefix creates a new TxRunner with custom table prefix.
func NewTxRunnerWithPrefix(db *sql.DB, driverName, prefix string) *TxRunner {
	return &TxRunner{db: db, driverName: driverName, tablePrefix: prefix}
}

// RunInTx opens a transaction, runs fn, and commits or rolls back based on
// fn's return. After-commit hooks registered through the Tx handle run only
// after a successful commit, in registration order.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context, tx relimq.Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to begin transaction", err)
	}

	handle := &txHandle{
		store: &txStore{
			tx:          sqlTx,
			driverName:  r.driverName,
			tablePrefix: r.tablePrefix,
		},
	}

	if err := fn(ctx, handle); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return relimq.NewErrorWithCause(relimq.ErrCodeDatabase,
				fmt.Sprintf("rollback failed after error: %v", err), rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to commit transaction", err)
	}

	for _, hook := range handle.hooks {
		hook()
	}
	return nil
}

// txHandle is the relimq.Tx implementation handed to the caller's function.
type txHandle struct {
	store *txStore
	hooks []func()
}

func (t *txHandle) Store() relimq.TxStore { return t.store }

func (t *txHandle) AfterCommit(fn func()) {
	if fn != nil {
		t.hooks = append(t.hooks, fn)
	}
}

// txStore implements relimq.TxStore against the live *sql.Tx.
type txStore struct {
	tx          *sql.Tx
	driverName  string
	tablePrefix string
}

func (s *txStore) tableName() string {
	return s.tablePrefix + "message"
}

const recordColumns = "id, business_id, exchange, routing_key, message_body, " +
	"send_status, send_count, send_last_time, confirm_last_time, send_error_message, " +
	"consume_status, consume_count, consume_last_time, consume_success_time, " +
	"consume_error_message, saved_by, created_at"

// Insert creates a new delivery record inside the transaction.
func (s *txStore) Insert(ctx context.Context, record model.DeliveryRecord) error {
	query := rebind(s.driverName, "INSERT INTO "+s.tableName()+" ("+recordColumns+") "+
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")

	_, err := s.tx.ExecContext(ctx, query,
		record.ID, record.BusinessID, record.Exchange, record.RoutingKey, record.MessageBody,
		record.SendStatus, record.SendCount, record.SendLastTime, record.ConfirmLastTime, record.SendErrorMessage,
		record.ConsumeStatus, record.ConsumeCount, record.ConsumeLastTime, record.ConsumeSuccessTime,
		record.ConsumeErrorMessage, record.SavedBy, record.CreatedAt)

	if isDuplicateErr(err) {
		return relimq.ErrDuplicate
	}
	if err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to insert delivery record", err)
	}
	return nil
}

// GetByID retrieves a record by message id inside the transaction.
func (s *txStore) GetByID(ctx context.Context, messageID string) (model.DeliveryRecord, error) {
	var record model.DeliveryRecord

	query := rebind(s.driverName, "SELECT "+recordColumns+" FROM "+s.tableName()+" WHERE id = ?")
	err := s.tx.QueryRowContext(ctx, query, messageID).Scan(
		&record.ID, &record.BusinessID, &record.Exchange, &record.RoutingKey, &record.MessageBody,
		&record.SendStatus, &record.SendCount, &record.SendLastTime, &record.ConfirmLastTime, &record.SendErrorMessage,
		&record.ConsumeStatus, &record.ConsumeCount, &record.ConsumeLastTime, &record.ConsumeSuccessTime,
		&record.ConsumeErrorMessage, &record.SavedBy, &record.CreatedAt)

	if err == sql.ErrNoRows {
		return record, relimq.ErrNoData
	}
	if err != nil {
		return record, relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to load delivery record", err)
	}
	return record, nil
}

// ResetConsumeStatus returns the record's consume side to unconsumed so a
// downstream consumer reprocesses the message after a resend.
func (s *txStore) ResetConsumeStatus(ctx context.Context, messageID string) error {
	query := rebind(s.driverName, "UPDATE "+s.tableName()+" SET consume_status = ? WHERE id = ?")
	_, err := s.tx.ExecContext(ctx, query, model.ConsumeStatusUnconsumed, messageID)
	if err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to reset consume status", err)
	}
	return nil
}

// rebind converts ? placeholders to the $n form for PostgreSQL.
func rebind(driverName, query string) string {
	if driverName != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
