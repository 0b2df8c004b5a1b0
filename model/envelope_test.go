package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_EncodeDecode(t *testing.T) {
	env := NewEnvelope("msg-1", "orders", "order.created", json.RawMessage(`{"id":42}`), "biz-1", "trace=abc")

	body, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(body)
	require.NoError(t, err)

	assert.Equal(t, env.MessageID, decoded.MessageID)
	assert.Equal(t, env.BusinessID, decoded.BusinessID)
	assert.Equal(t, env.Exchange, decoded.Exchange)
	assert.Equal(t, env.RoutingKey, decoded.RoutingKey)
	assert.Equal(t, env.ExtraInfo, decoded.ExtraInfo)
	assert.JSONEq(t, `{"id":42}`, string(decoded.Data))
}

func TestDecodeEnvelope_MissingMessageID(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"exchange":"orders","routingKey":"order.created"}`))
	assert.ErrorIs(t, err, ErrMissingMessageID)
}

func TestDecodeEnvelope_InvalidJSON(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json at all`))
	assert.Error(t, err)
}

func TestDecodeEnvelopeMeta(t *testing.T) {
	meta, err := DecodeEnvelopeMeta([]byte(`{"messageId":"msg-1","businessId":"biz-7","exchange":"orders","routingKey":"order.created","data":{"x":1}}`))
	require.NoError(t, err)

	assert.Equal(t, "biz-7", meta.BusinessID)
	assert.Equal(t, "orders", meta.Exchange)
	assert.Equal(t, "order.created", meta.RoutingKey)
}

func TestQueueProcessResult_Accounting(t *testing.T) {
	var result QueueProcessResult

	result.RecordSuccess()
	result.RecordSuccess()
	result.RecordFailure("msg-bad")
	result.RecordFailure("msg-bad") // duplicate id recorded once
	result.RecordFailure("")        // unknown id never listed

	assert.Equal(t, 5, result.Processed)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 3, result.Failed)
	assert.Equal(t, result.Processed, result.Succeeded+result.Failed)
	assert.Equal(t, []string{"msg-bad"}, result.UnprocessableIDs)
}

func TestPageRequest_Offset(t *testing.T) {
	assert.Equal(t, int64(0), PageRequest{Page: 1, PageSize: 20}.Offset())
	assert.Equal(t, int64(40), PageRequest{Page: 3, PageSize: 20}.Offset())
	assert.Equal(t, int64(0), PageRequest{Page: 0, PageSize: 20}.Offset())
}

func TestFailureWindow_Bounds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := FailureWindow{StartSecondsAgo: 60, EndSecondsAgo: 3600}

	from, to := window.Bounds(now)
	assert.Equal(t, now.Add(-1*time.Hour), from)
	assert.Equal(t, now.Add(-1*time.Minute), to)
	assert.True(t, from.Before(to))
}
