package relica

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coregx/relica"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/coregx/relimq"
	"github.com/coregx/relimq/model"
)

// MessageStore implements relimq.MessageStore using Relica.
//
// Every method runs as its own autocommit statement, so state transitions are
// durable independently of any surrounding business transaction.
type MessageStore struct {
	db          *relica.DB
	driverName  string
	tablePrefix string
}

// NewMessageStore creates a new MessageStore with default table prefix.
func NewMessageStore(sqlDB *sql.DB, driverName string) *MessageStore {
	return &MessageStore{
		db:          relica.WrapDB(sqlDB, driverName),
		driverName:  driverName,
		tablePrefix: "relimq_",
	}
}

// NewMessageStoreWithPrefix creates a new MessageStore with custom table prefix.
func NewMessageStoreWithPrefix(sqlDB *sql.DB, driverName, prefix string) *MessageStore {
	return &MessageStore{
		db:          relica.WrapDB(sqlDB, driverName),
		driverName:  driverName,
		tablePrefix: prefix,
	}
}

func (s *MessageStore) tableName() string {
	return s.tablePrefix + "message"
}

// Insert creates a new delivery record.
func (s *MessageStore) Insert(ctx context.Context, record model.DeliveryRecord) error {
	err := s.db.WithContext(ctx).Model(&record).Table(s.tableName()).Insert()
	if isDuplicateErr(err) {
		return relimq.ErrDuplicate
	}
	if err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to insert delivery record", err)
	}
	return nil
}

// GetByID retrieves a delivery record by message id.
func (s *MessageStore) GetByID(ctx context.Context, messageID string) (model.DeliveryRecord, error) {
	var record model.DeliveryRecord

	err := s.db.WithContext(ctx).Select("*").
		From(s.tableName()).
		Where("id = ?", messageID).
		One(&record)

	if errors.Is(err, sql.ErrNoRows) {
		return record, relimq.ErrNoData
	}
	if err != nil {
		return record, relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to load delivery record", err)
	}

	return record, nil
}

// UpdateSendSuccess adds the finished attempt count and stamps the last send
// time. The send status stays untouched; the broker confirm owns it.
// The count is incremented SQL-side so a concurrent writer cannot lose it.
func (s *MessageStore) UpdateSendSuccess(ctx context.Context, messageID string, sendCount int) error {
	query := rebind(s.driverName, "UPDATE "+s.tableName()+
		" SET send_count = send_count + ?, send_last_time = ? WHERE id = ?")
	return s.exec(ctx, "failed to update send success", query,
		sendCount, time.Now(), messageID)
}

// UpdateSendFail marks the record send-failed after publish-retry exhaustion.
func (s *MessageStore) UpdateSendFail(ctx context.Context, messageID string, sendCount int, errorMessage string) error {
	query := rebind(s.driverName, "UPDATE "+s.tableName()+
		" SET send_status = ?, send_count = send_count + ?, send_last_time = ?, send_error_message = ? WHERE id = ?")
	return s.exec(ctx, "failed to update send failure", query,
		string(model.SendStatusFailed), sendCount, time.Now(), errorMessage, messageID)
}

// UpdateSendConfirmSuccess records a positive broker confirm.
func (s *MessageStore) UpdateSendConfirmSuccess(ctx context.Context, messageID string) error {
	return s.update(ctx, messageID, map[string]interface{}{
		"send_status":        string(model.SendStatusSuccess),
		"confirm_last_time":  time.Now(),
		"send_error_message": nil,
	})
}

// UpdateSendConfirmFail records a negative confirm or an unroutable return.
func (s *MessageStore) UpdateSendConfirmFail(ctx context.Context, messageID string, errorMessage string) error {
	return s.update(ctx, messageID, map[string]interface{}{
		"send_status":        string(model.SendStatusFailed),
		"confirm_last_time":  time.Now(),
		"send_error_message": errorMessage,
	})
}

// LockConsume claims the consume lock: status consuming, count incremented
// SQL-side, lock time refreshed.
func (s *MessageStore) LockConsume(ctx context.Context, messageID string) error {
	query := rebind(s.driverName, "UPDATE "+s.tableName()+
		" SET consume_status = ?, consume_count = consume_count + 1, consume_last_time = ? WHERE id = ?")
	return s.exec(ctx, "failed to claim consume lock", query,
		string(model.ConsumeStatusConsuming), time.Now(), messageID)
}

// UpdateConsumeSuccess marks the handler outcome successful.
func (s *MessageStore) UpdateConsumeSuccess(ctx context.Context, messageID string) error {
	return s.update(ctx, messageID, map[string]interface{}{
		"consume_status":        string(model.ConsumeStatusSuccess),
		"consume_success_time":  time.Now(),
		"consume_error_message": nil,
	})
}

// UpdateConsumeFail marks the handler outcome failed with its error.
func (s *MessageStore) UpdateConsumeFail(ctx context.Context, messageID string, errorMessage string) error {
	return s.update(ctx, messageID, map[string]interface{}{
		"consume_status":        string(model.ConsumeStatusFailed),
		"consume_last_time":     time.Now(),
		"consume_error_message": errorMessage,
	})
}

// DeleteByID permanently removes a delivery record.
func (s *MessageStore) DeleteByID(ctx context.Context, messageID string) error {
	record, err := s.GetByID(ctx, messageID)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Model(&record).Table(s.tableName()).Delete(); err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to delete delivery record", err)
	}
	return nil
}

// CountSendFailed counts sender-saved records whose send status is not
// success, created within the window.
func (s *MessageStore) CountSendFailed(ctx context.Context, window model.FailureWindow) (int64, error) {
	from, to := window.Bounds(time.Now())

	var count int64
	err := s.db.WithContext(ctx).Select("COUNT(*)").
		From(s.tableName()).
		Where("saved_by = ? AND send_status <> ? AND created_at BETWEEN ? AND ?",
			string(model.SavedBySender), string(model.SendStatusSuccess), from, to).
		One(&count)
	if err != nil {
		return 0, relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to count send-failed records", err)
	}
	return count, nil
}

// FindSendFailed pages through sender-saved records whose send status is not
// success, created within the window, newest first.
func (s *MessageStore) FindSendFailed(ctx context.Context, window model.FailureWindow, page model.PageRequest) (model.RecordPage, error) {
	total, err := s.CountSendFailed(ctx, window)
	if err != nil {
		return model.RecordPage{}, err
	}

	from, to := window.Bounds(time.Now())

	var records []model.DeliveryRecord
	err = s.db.WithContext(ctx).Select("*").
		From(s.tableName()).
		Where("saved_by = ? AND send_status <> ? AND created_at BETWEEN ? AND ?",
			string(model.SavedBySender), string(model.SendStatusSuccess), from, to).
		OrderBy("created_at DESC").
		Limit(int64(page.PageSize)).
		Offset(int64(page.Offset())).
		All(&records)
	if err != nil {
		return model.RecordPage{}, relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to find send-failed records", err)
	}

	return model.RecordPage{
		Records:  records,
		Total:    total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}, nil
}

// CountConsumeFailed counts records whose consume status is not success,
// created within the window.
func (s *MessageStore) CountConsumeFailed(ctx context.Context, window model.FailureWindow) (int64, error) {
	from, to := window.Bounds(time.Now())

	var count int64
	err := s.db.WithContext(ctx).Select("COUNT(*)").
		From(s.tableName()).
		Where("consume_status <> ? AND created_at BETWEEN ? AND ?",
			string(model.ConsumeStatusSuccess), from, to).
		One(&count)
	if err != nil {
		return 0, relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to count consume-failed records", err)
	}
	return count, nil
}

// FindConsumeFailed pages through records whose consume status is not
// success, created within the window, newest first.
func (s *MessageStore) FindConsumeFailed(ctx context.Context, window model.FailureWindow, page model.PageRequest) (model.RecordPage, error) {
	total, err := s.CountConsumeFailed(ctx, window)
	if err != nil {
		return model.RecordPage{}, err
	}

	from, to := window.Bounds(time.Now())

	var records []model.DeliveryRecord
	err = s.db.WithContext(ctx).Select("*").
		From(s.tableName()).
		Where("consume_status <> ? AND created_at BETWEEN ? AND ?",
			string(model.ConsumeStatusSuccess), from, to).
		OrderBy("created_at DESC").
		Limit(int64(page.PageSize)).
		Offset(int64(page.Offset())).
		All(&records)
	if err != nil {
		return model.RecordPage{}, relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to find consume-failed records", err)
	}

	return model.RecordPage{
		Records:  records,
		Total:    total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}, nil
}

// exec runs a raw statement (used where the builder cannot express the SQL,
// such as counter increments) and maps a missing row to ErrNoData.
func (s *MessageStore) exec(ctx context.Context, action, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeDatabase, action, err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
		return relimq.ErrNoData
	}
	return nil
}

func (s *MessageStore) update(ctx context.Context, messageID string, fields map[string]interface{}) error {
	_, err := s.db.WithContext(ctx).Update(s.tableName()).
		Set(fields).
		Where("id = ?", messageID).
		Execute()
	if err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeDatabase, "failed to update delivery record", err)
	}
	return nil
}

// isDuplicateErr recognizes a primary-key or unique-constraint violation for
// the supported drivers.
func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	return false
}
