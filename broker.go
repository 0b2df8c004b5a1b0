package relimq

import "context"

// QueueDepthUnknown is the sentinel returned by BrokerGateway.QueueDepth when
// a queue does not exist or cannot be inspected.
const QueueDepthUnknown = int64(-1)

// Delivery is one message pulled or pushed from the broker, reduced to the
// fields the delivery protocol needs. The message id is recovered from the
// broker's message properties when present; bodies with no id property can
// still be recovered by decoding the envelope.
type Delivery struct {
	MessageID   string
	Exchange    string
	RoutingKey  string
	Body        []byte
	DeliveryTag uint64
	Redelivered bool
}

// Acknowledger settles a single delivery with the broker.
// Implementations wrap the broker channel the delivery arrived on.
type Acknowledger interface {
	// Ack acknowledges the delivery, removing it from the queue.
	Ack(deliveryTag uint64) error

	// Reject rejects the delivery without requeueing, routing it to the
	// queue's dead-letter destination when one is configured.
	Reject(deliveryTag uint64) error
}

// ConfirmHandler receives the broker's asynchronous publish outcomes.
// The Sender implements this interface; broker gateway adapters invoke it
// from their confirm/return listener goroutines.
type ConfirmHandler interface {
	// HandleConfirm is invoked with the broker's publisher confirm for a
	// message id: ack=true when the broker accepted the publish, ack=false
	// with a cause when it did not.
	HandleConfirm(ctx context.Context, messageID string, ack bool, cause string)

	// HandleReturn is invoked when the broker returns a published message
	// as unroutable.
	HandleReturn(ctx context.Context, messageID string, reason string)
}

// BrokerGateway defines the broker operations the delivery protocol consumes:
// confirmed publish, manual pull/settle, and queue management.
//
// Publish must attach the message id as the publisher-confirm correlation
// token so the gateway can dispatch confirms back through a ConfirmHandler.
type BrokerGateway interface {
	// Publish sends a persistent message to the exchange with the routing
	// key. The call returns once the publish is on the wire; the broker's
	// accept/reject decision arrives later through the ConfirmHandler.
	Publish(ctx context.Context, exchange, routingKey string, body []byte, messageID string) error

	// Get pulls a single message from the queue without auto-ack.
	// ok is false when the queue is empty.
	Get(ctx context.Context, queue string) (d Delivery, ok bool, err error)

	// Ack acknowledges a delivery previously returned by Get.
	Ack(deliveryTag uint64) error

	// Reject rejects a delivery previously returned by Get, without requeue.
	Reject(deliveryTag uint64) error

	// QueueDepth returns the broker-reported message count for the queue,
	// or QueueDepthUnknown when the queue is missing or inaccessible.
	QueueDepth(ctx context.Context, queue string) (int64, error)

	// Purge removes all messages from the queue and returns how many were
	// dropped.
	Purge(ctx context.Context, queue string) (int, error)
}
