package model

import (
	"database/sql"
	"time"
)

// SendStatus represents the outbound lifecycle state of a delivery record.
type SendStatus string

const (
	// SendStatusInit indicates a record created but not yet handed to the publisher.
	SendStatusInit SendStatus = "init"

	// SendStatusSending indicates the record is committed and the publish is in flight.
	SendStatusSending SendStatus = "sending"

	// SendStatusSuccess indicates the broker confirmed the publish.
	SendStatusSuccess SendStatus = "success"

	// SendStatusFailed indicates a negative confirm, an unroutable return,
	// or publish-retry exhaustion.
	SendStatusFailed SendStatus = "failed"
)

// ConsumeStatus represents the inbound lifecycle state of a delivery record.
type ConsumeStatus string

const (
	// ConsumeStatusUnconsumed indicates no consumer has claimed the message yet.
	ConsumeStatusUnconsumed ConsumeStatus = "unconsumed"

	// ConsumeStatusConsuming indicates a consume attempt holds the idempotency lock.
	ConsumeStatusConsuming ConsumeStatus = "consuming"

	// ConsumeStatusSuccess indicates the business handler completed.
	ConsumeStatusSuccess ConsumeStatus = "success"

	// ConsumeStatusFailed indicates the last consume attempt failed.
	ConsumeStatusFailed ConsumeStatus = "failed"
)

// SavedBy records which side of the protocol first created the record.
// It is provenance for reporting and filtering only, never control flow.
type SavedBy string

const (
	// SavedBySender marks records created by the outbound send path before publish.
	SavedBySender SavedBy = "sender"

	// SavedByConsumer marks records created on first delivery of an id the
	// store has never seen (the sender side lives in another system).
	SavedByConsumer SavedBy = "consumer"

	// SavedByDeadLetter marks records created by the dead-letter rescue drain.
	SavedByDeadLetter SavedBy = "dead_letter"
)

// DeliveryRecord is the durable row tracking one message's send and consume
// lifecycle, keyed by message id. It is the single source of truth for all
// delivery-state coordination: dedup, the consume lock, and retry bookkeeping
// are all expressed as conditional reads and writes against it.
//
// Lifecycle:
//
//	send side:    init → sending → success | failed
//	consume side: unconsumed → consuming → success | failed
//
// A failed send may be re-driven only by an explicit resend. A consuming
// record may be re-entered only once its lock has expired.
type DeliveryRecord struct {
	ID                  string         `json:"id" db:"id"`
	BusinessID          sql.NullString `json:"businessId" db:"business_id"`
	Exchange            string         `json:"exchange" db:"exchange"`
	RoutingKey          string         `json:"routingKey" db:"routing_key"`
	MessageBody         string         `json:"messageBody" db:"message_body"`
	SendStatus          SendStatus     `json:"sendStatus" db:"send_status"`
	SendCount           int            `json:"sendCount" db:"send_count"`
	SendLastTime        sql.NullTime   `json:"sendLastTime" db:"send_last_time"`
	ConfirmLastTime     sql.NullTime   `json:"confirmLastTime" db:"confirm_last_time"`
	SendErrorMessage    sql.NullString `json:"sendErrorMessage" db:"send_error_message"`
	ConsumeStatus       ConsumeStatus  `json:"consumeStatus" db:"consume_status"`
	ConsumeCount        int            `json:"consumeCount" db:"consume_count"`
	ConsumeLastTime     sql.NullTime   `json:"consumeLastTime" db:"consume_last_time"`
	ConsumeSuccessTime  sql.NullTime   `json:"consumeSuccessTime" db:"consume_success_time"`
	ConsumeErrorMessage sql.NullString `json:"consumeErrorMessage" db:"consume_error_message"`
	SavedBy             SavedBy        `json:"savedBy" db:"saved_by"`
	CreatedAt           time.Time      `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for DeliveryRecord.
func (r DeliveryRecord) TableName() string {
	return tablePrefix + "message"
}

// NewSenderRecord creates the durable record the sender inserts inside the
// caller's transaction before publishing. Initial state: sending/unconsumed.
func NewSenderRecord(env *Envelope, body string) DeliveryRecord {
	now := time.Now()
	return DeliveryRecord{
		ID:              env.MessageID,
		BusinessID:      nullString(env.BusinessID),
		Exchange:        env.Exchange,
		RoutingKey:      env.RoutingKey,
		MessageBody:     body,
		SendStatus:      SendStatusSending,
		SendCount:       0,
		SendLastTime:    sql.NullTime{Time: now, Valid: true},
		ConsumeStatus:   ConsumeStatusUnconsumed,
		ConsumeCount:    0,
		SavedBy:         SavedBySender,
		CreatedAt:       now,
	}
}

// NewConsumerRecord creates the record a consumer inserts on first delivery of
// an id the store has never seen. The send side is implied successful (the
// message did arrive), and the consume lock is taken immediately.
func NewConsumerRecord(env *Envelope, body string) DeliveryRecord {
	now := time.Now()
	return DeliveryRecord{
		ID:              env.MessageID,
		BusinessID:      nullString(env.BusinessID),
		Exchange:        env.Exchange,
		RoutingKey:      env.RoutingKey,
		MessageBody:     body,
		SendStatus:      SendStatusSuccess,
		SendCount:       0,
		ConsumeStatus:   ConsumeStatusConsuming,
		ConsumeCount:    1,
		ConsumeLastTime: sql.NullTime{Time: now, Valid: true},
		SavedBy:         SavedByConsumer,
		CreatedAt:       now,
	}
}

// NewDeadLetterRecord creates the record the rescue drain inserts for a poison
// message with no matching row, using whatever metadata survived in the body.
func NewDeadLetterRecord(messageID string, meta EnvelopeMeta, body string) DeliveryRecord {
	now := time.Now()
	return DeliveryRecord{
		ID:              messageID,
		BusinessID:      nullString(meta.BusinessID),
		Exchange:        meta.Exchange,
		RoutingKey:      meta.RoutingKey,
		MessageBody:     body,
		SendStatus:      SendStatusSuccess,
		SendCount:       0,
		ConsumeStatus:   ConsumeStatusFailed,
		ConsumeCount:    1,
		ConsumeLastTime: sql.NullTime{Time: now, Valid: true},
		SavedBy:         SavedByDeadLetter,
		CreatedAt:       now,
	}
}

// IsConsumed reports whether the business handler already completed for this id.
func (r *DeliveryRecord) IsConsumed() bool {
	return r.ConsumeStatus == ConsumeStatusSuccess
}

// ConsumeLockHeld reports whether another consume attempt is presumed in
// flight: the record is consuming and its lock is younger than the timeout.
// A consuming record with no recorded lock time is treated as abandoned.
func (r *DeliveryRecord) ConsumeLockHeld(timeout time.Duration, now time.Time) bool {
	if r.ConsumeStatus != ConsumeStatusConsuming {
		return false
	}
	if !r.ConsumeLastTime.Valid {
		return false
	}
	return now.Before(r.ConsumeLastTime.Time.Add(timeout))
}

// Envelope decodes the stored message body back into its wire envelope.
func (r *DeliveryRecord) Envelope() (*Envelope, error) {
	return DecodeEnvelope([]byte(r.MessageBody))
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
