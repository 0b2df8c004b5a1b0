// Package model contains the domain models for the relimq delivery-state
// protocol: the durable delivery record, the wire envelope, and the
// operational result types used by the rescue workflow.
package model

import (
	"encoding/json"
	"time"
)

// tablePrefix is prepended to every table name. Adapters can override the
// prefix at construction time; this default matches the embedded migrations.
const tablePrefix = "relimq_"

// Envelope is the self-describing wire document carried end-to-end for every
// message. The message id doubles as the idempotency key on both the send and
// consume side, and as the publisher-confirm correlation token.
//
// The payload is kept as raw JSON so the envelope round-trips unchanged
// through the store and the broker regardless of the business payload type.
type Envelope struct {
	MessageID  string          `json:"messageId"`
	BusinessID string          `json:"businessId,omitempty"`
	Exchange   string          `json:"exchange"`
	RoutingKey string          `json:"routingKey"`
	ExtraInfo  string          `json:"extraInfo,omitempty"`
	CreateTime time.Time       `json:"createTime"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope for a new outbound message.
// The creation time is stamped immediately and never changes.
func NewEnvelope(messageID, exchange, routingKey string, data json.RawMessage, businessID, extraInfo string) *Envelope {
	return &Envelope{
		MessageID:  messageID,
		BusinessID: businessID,
		Exchange:   exchange,
		RoutingKey: routingKey,
		ExtraInfo:  extraInfo,
		CreateTime: time.Now(),
		Data:       data,
	}
}

// Encode serializes the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire body back into an envelope.
// A body without a message id is rejected: without the id no idempotency
// decision can be made, so the caller must treat the message as unparseable.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.MessageID == "" {
		return nil, ErrMissingMessageID
	}
	return &env, nil
}

// EnvelopeMeta is the subset of envelope fields the dead-letter rescue path
// tries to recover from a poison message body. Fields that cannot be parsed
// stay empty; only the message id is mandatory for recovery.
type EnvelopeMeta struct {
	BusinessID string `json:"businessId"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routingKey"`
}

// DecodeEnvelopeMeta extracts the recoverable metadata from a message body.
func DecodeEnvelopeMeta(body []byte) (EnvelopeMeta, error) {
	var meta EnvelopeMeta
	err := json.Unmarshal(body, &meta)
	return meta, err
}

// ErrMissingMessageID indicates a wire body that decodes as JSON but carries
// no message id, making idempotent handling impossible.
var ErrMissingMessageID = DomainError{Code: "MISSING_MESSAGE_ID", Message: "envelope has no message id"}

// DomainError represents a domain-level rule violation raised by model types.
type DomainError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
}

func (e DomainError) Error() string {
	return e.Message
}
