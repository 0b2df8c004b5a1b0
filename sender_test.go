package relimq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/relimq/model"
	"github.com/coregx/relimq/retry"
)

func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		Enabled:         true,
		MaxAttempts:     maxAttempts,
		BaseDelay:       time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		ExponentialBase: 2.0,
	}
}

func newTestSender(t *testing.T, store MessageStore, broker BrokerGateway, reminder Reminder) *Sender {
	t.Helper()
	sender, err := NewSender(
		WithSenderStore(store),
		WithSenderBroker(broker),
		WithSenderLogger(&NoopLogger{}),
		WithSenderRetryPolicy(fastPolicy(3)),
		WithSenderReminder(reminder),
	)
	require.NoError(t, err)
	return sender
}

func TestNewSender_RequiresDependencies(t *testing.T) {
	tests := []struct {
		name string
		opts []SenderOption
	}{
		{
			name: "missing store",
			opts: []SenderOption{WithSenderBroker(newFakeBroker()), WithSenderLogger(&NoopLogger{})},
		},
		{
			name: "missing broker",
			opts: []SenderOption{WithSenderStore(newFakeStore()), WithSenderLogger(&NoopLogger{})},
		},
		{
			name: "missing logger",
			opts: []SenderOption{WithSenderStore(newFakeStore()), WithSenderBroker(newFakeBroker())},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSender(tt.opts...)
			require.Error(t, err)
			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, ErrCodeConfiguration, e.Code)
		})
	}
}

func TestSender_SendMessage(t *testing.T) {
	store := newFakeStore()
	broker := newFakeBroker()
	sender := newTestSender(t, store, broker, &NoopReminder{})

	tx := newFakeTx(store)
	env, err := sender.SendMessage(context.Background(), tx, SendRequest{
		Exchange:   "orders",
		RoutingKey: "order.created",
		Payload:    map[string]int{"qty": 2},
		BusinessID: "order-9",
	})
	require.NoError(t, err)
	require.NotEmpty(t, env.MessageID)

	// Record is durable before any publish
	record, ok := store.get(env.MessageID)
	require.True(t, ok)
	assert.Equal(t, model.SendStatusSending, record.SendStatus)
	assert.Equal(t, 0, record.SendCount)
	assert.Equal(t, model.ConsumeStatusUnconsumed, record.ConsumeStatus)
	assert.Equal(t, model.SavedBySender, record.SavedBy)
	assert.Equal(t, "order-9", record.BusinessID.String)

	// Nothing reaches the broker until commit
	assert.Equal(t, 0, broker.publishCount())

	tx.commit()

	require.Eventually(t, func() bool { return broker.publishCount() == 1 }, time.Second, time.Millisecond)
	published := broker.published[0]
	assert.Equal(t, "orders", published.Exchange)
	assert.Equal(t, "order.created", published.RoutingKey)
	assert.Equal(t, env.MessageID, published.MessageID)

	decoded, err := model.DecodeEnvelope(published.Body)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, decoded.MessageID)
	assert.JSONEq(t, `{"qty":2}`, string(decoded.Data))

	// Retry-close finalization counts the successful attempt
	require.Eventually(t, func() bool {
		r, _ := store.get(env.MessageID)
		return r.SendCount == 1
	}, time.Second, time.Millisecond)
}

func TestSender_SendMessage_Validation(t *testing.T) {
	store := newFakeStore()
	sender := newTestSender(t, store, newFakeBroker(), &NoopReminder{})

	tx := newFakeTx(store)
	_, err := sender.SendMessage(context.Background(), tx, SendRequest{RoutingKey: "order.created"})
	require.Error(t, err)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrCodeValidation, e.Code)
	assert.Empty(t, store.records)
}

func TestSender_SendMessage_RolledBackTxPublishesNothing(t *testing.T) {
	store := newFakeStore()
	broker := newFakeBroker()
	sender := newTestSender(t, store, broker, &NoopReminder{})

	tx := newFakeTx(store)
	_, err := sender.SendMessage(context.Background(), tx, SendRequest{
		Exchange:   "orders",
		RoutingKey: "order.created",
		Payload:    "data",
	})
	require.NoError(t, err)

	// The hook is never run because the transaction rolled back
	assert.Equal(t, 0, broker.publishCount())
}

func TestSender_PublishWithRetry_SucceedsAfterFailures(t *testing.T) {
	store := newFakeStore()
	broker := newFakeBroker()
	broker.failures = 2
	sender := newTestSender(t, store, broker, &NoopReminder{})

	env := model.NewEnvelope("msg-retry", "orders", "order.created", json.RawMessage(`{}`), "", "")
	body, _ := env.Encode()
	store.put(model.NewSenderRecord(env, string(body)))

	err := sender.publishWithRetry(context.Background(), env.MessageID, env.Exchange, env.RoutingKey, body)
	require.NoError(t, err)

	assert.Equal(t, 1, broker.publishCount())
	record, _ := store.get(env.MessageID)
	// 2 failed attempts plus the successful one
	assert.Equal(t, 3, record.SendCount)
	// Status is the confirm callback's to change
	assert.Equal(t, model.SendStatusSending, record.SendStatus)
}

func TestSender_PublishWithRetry_Exhaustion(t *testing.T) {
	store := newFakeStore()
	broker := newFakeBroker()
	broker.failures = 3
	reminder := &fakeReminder{}
	sender := newTestSender(t, store, broker, reminder)

	env := model.NewEnvelope("msg-dead", "orders", "order.created", nil, "", "")
	body, _ := env.Encode()
	store.put(model.NewSenderRecord(env, string(body)))

	err := sender.publishWithRetry(context.Background(), env.MessageID, env.Exchange, env.RoutingKey, body)
	require.Error(t, err)

	record, _ := store.get(env.MessageID)
	assert.Equal(t, model.SendStatusFailed, record.SendStatus)
	assert.Equal(t, 3, record.SendCount)
	assert.True(t, record.SendErrorMessage.Valid)

	require.Len(t, reminder.sendFailed, 1)
	assert.Equal(t, "msg-dead", reminder.sendFailed[0].MessageID)
	assert.Equal(t, string(body), reminder.sendFailed[0].MessageBody)
}

func TestSender_HandleConfirm_Ack(t *testing.T) {
	store := newFakeStore()
	sender := newTestSender(t, store, newFakeBroker(), &NoopReminder{})

	env := model.NewEnvelope("msg-ok", "orders", "order.created", nil, "", "")
	body, _ := env.Encode()
	store.put(model.NewSenderRecord(env, string(body)))

	sender.HandleConfirm(context.Background(), "msg-ok", true, "")

	record, _ := store.get("msg-ok")
	assert.Equal(t, model.SendStatusSuccess, record.SendStatus)
	assert.True(t, record.ConfirmLastTime.Valid)
	assert.False(t, record.SendErrorMessage.Valid)
}

func TestSender_HandleConfirm_Nack(t *testing.T) {
	store := newFakeStore()
	reminder := &fakeReminder{}
	sender := newTestSender(t, store, newFakeBroker(), reminder)

	env := model.NewEnvelope("msg-nack", "orders", "order.created", nil, "", "")
	body, _ := env.Encode()
	store.put(model.NewSenderRecord(env, string(body)))

	sender.HandleConfirm(context.Background(), "msg-nack", false, "broker negative acknowledgement (nack)")

	record, _ := store.get("msg-nack")
	assert.Equal(t, model.SendStatusFailed, record.SendStatus)
	assert.Equal(t, "broker negative acknowledgement (nack)", record.SendErrorMessage.String)

	require.Len(t, reminder.sendFailed, 1)
	assert.Equal(t, "msg-nack", reminder.sendFailed[0].MessageID)
}

func TestSender_HandleReturn(t *testing.T) {
	store := newFakeStore()
	reminder := &fakeReminder{}
	sender := newTestSender(t, store, newFakeBroker(), reminder)

	env := model.NewEnvelope("msg-lost", "orders", "nowhere", nil, "", "")
	body, _ := env.Encode()
	store.put(model.NewSenderRecord(env, string(body)))

	sender.HandleReturn(context.Background(), "msg-lost", "message returned: reply_code=312, reply_text=NO_ROUTE")

	record, _ := store.get("msg-lost")
	assert.Equal(t, model.SendStatusFailed, record.SendStatus)
	assert.Contains(t, record.SendErrorMessage.String, "NO_ROUTE")
	require.Len(t, reminder.sendFailed, 1)
}

func TestSender_ResendMessage(t *testing.T) {
	store := newFakeStore()
	broker := newFakeBroker()
	sender := newTestSender(t, store, broker, &NoopReminder{})

	env := model.NewEnvelope("msg-again", "orders", "order.created", json.RawMessage(`{"n":1}`), "", "")
	body, _ := env.Encode()
	record := model.NewSenderRecord(env, string(body))
	record.ConsumeStatus = model.ConsumeStatusFailed
	store.put(record)

	tx := newFakeTx(store)
	require.NoError(t, sender.ResendMessage(context.Background(), tx, "msg-again"))

	// The consume side is reset inside the transaction
	updated, _ := store.get("msg-again")
	assert.Equal(t, model.ConsumeStatusUnconsumed, updated.ConsumeStatus)
	assert.Equal(t, 0, broker.publishCount())

	tx.commit()

	require.Eventually(t, func() bool { return broker.publishCount() == 1 }, time.Second, time.Millisecond)
	published := broker.published[0]
	assert.Equal(t, "orders", published.Exchange)
	assert.Equal(t, "order.created", published.RoutingKey)
	assert.Equal(t, string(body), string(published.Body))
}

func TestSender_ResendMessage_NotFound(t *testing.T) {
	store := newFakeStore()
	sender := newTestSender(t, store, newFakeBroker(), &NoopReminder{})

	err := sender.ResendMessage(context.Background(), newFakeTx(store), "ghost")
	require.Error(t, err)
	assert.True(t, IsNoData(err))
}
