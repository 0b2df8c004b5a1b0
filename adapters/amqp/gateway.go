// Package amqp implements relimq.BrokerGateway over RabbitMQ using the
// rabbitmq/amqp091-go client.
//
// The gateway runs the publish channel in confirm mode and translates the
// protocol's tag-based confirms back into message ids: each publish registers
// its delivery tag against the message id, and the confirm listener resolves
// the tag when the broker's verdict arrives. Unroutable returns carry the
// message id in the message properties directly.
//
// Connection recovery is the caller's concern: when the underlying connection
// drops, rebuild the gateway and re-attach the confirm handler.
package amqp

import (
	"context"
	"fmt"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/coregx/relimq"
)

const confirmBufferSize = 64

// Gateway is the RabbitMQ-backed broker gateway.
type Gateway struct {
	url      string
	logger   relimq.Logger
	prefetch int

	conn  *amqp091.Connection
	pubCh *amqp091.Channel
	opsCh *amqp091.Channel

	// pubMu serializes publishes so delivery tags are assigned in publish
	// order, matching the broker's confirm tag sequence.
	pubMu   sync.Mutex
	nextTag uint64
	pending map[uint64]string

	handlerMu sync.RWMutex
	handler   relimq.ConfirmHandler

	opsMu sync.Mutex
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway) error

// NewGateway connects to the broker and starts the confirm and return
// listeners.
//
// Required options:
//   - WithURL: broker connection URL
//   - WithLogger: logger instance
//
// Optional options:
//   - WithConfirmHandler: confirm/return sink (can also be set later via SetConfirmHandler)
//   - WithPrefetch: consumer prefetch count (default: 1)
func NewGateway(opts ...GatewayOption) (*Gateway, error) {
	g := &Gateway{
		prefetch: 1,
		pending:  make(map[uint64]string),
	}

	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, relimq.NewErrorWithCause(relimq.ErrCodeConfiguration, "failed to apply gateway option", err)
		}
	}

	if g.url == "" {
		return nil, relimq.NewError(relimq.ErrCodeConfiguration, "broker URL is required (use WithURL)")
	}
	if g.logger == nil {
		return nil, relimq.NewError(relimq.ErrCodeConfiguration, "Logger is required (use WithLogger)")
	}

	conn, err := amqp091.Dial(g.url)
	if err != nil {
		return nil, relimq.NewErrorWithCause(relimq.ErrCodeBroker, "failed to connect to broker", err)
	}
	g.conn = conn

	if err := g.setupChannels(); err != nil {
		conn.Close()
		return nil, err
	}
	return g, nil
}

// WithURL sets the broker connection URL.
func WithURL(url string) GatewayOption {
	return func(g *Gateway) error {
		if url == "" {
			return fmt.Errorf("url cannot be empty")
		}
		g.url = url
		return nil
	}
}

// WithLogger sets the logger instance.
func WithLogger(logger relimq.Logger) GatewayOption {
	return func(g *Gateway) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		g.logger = logger
		return nil
	}
}

// WithConfirmHandler sets the confirm/return sink.
func WithConfirmHandler(handler relimq.ConfirmHandler) GatewayOption {
	return func(g *Gateway) error {
		g.handler = handler
		return nil
	}
}

// WithPrefetch sets the consumer prefetch count used by Listen.
func WithPrefetch(count int) GatewayOption {
	return func(g *Gateway) error {
		if count <= 0 {
			return fmt.Errorf("prefetch must be positive")
		}
		g.prefetch = count
		return nil
	}
}

// SetConfirmHandler attaches the confirm/return sink. The sender implements
// relimq.ConfirmHandler and also needs the gateway to publish, so the handler
// is usually attached after both are constructed.
func (g *Gateway) SetConfirmHandler(handler relimq.ConfirmHandler) {
	g.handlerMu.Lock()
	g.handler = handler
	g.handlerMu.Unlock()
}

func (g *Gateway) setupChannels() error {
	pubCh, err := g.conn.Channel()
	if err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeBroker, "failed to open publish channel", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeBroker, "failed to enable confirm mode", err)
	}
	g.pubCh = pubCh

	confirms := pubCh.NotifyPublish(make(chan amqp091.Confirmation, confirmBufferSize))
	returns := pubCh.NotifyReturn(make(chan amqp091.Return, confirmBufferSize))
	go g.confirmLoop(confirms)
	go g.returnLoop(returns)

	opsCh, err := g.conn.Channel()
	if err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeBroker, "failed to open operations channel", err)
	}
	g.opsCh = opsCh
	return nil
}

// Publish sends a persistent, mandatory message carrying the message id in
// the message properties. The delivery tag assigned by the channel is mapped
// to the message id so the confirm listener can resolve it later.
func (g *Gateway) Publish(ctx context.Context, exchange, routingKey string, body []byte, messageID string) error {
	g.pubMu.Lock()
	defer g.pubMu.Unlock()

	tag := g.nextTag + 1
	g.pending[tag] = messageID

	err := g.pubCh.PublishWithContext(ctx, exchange, routingKey, true, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    messageID,
		Body:         body,
	})
	if err != nil {
		delete(g.pending, tag)
		return relimq.NewErrorWithCause(relimq.ErrCodeBroker,
			fmt.Sprintf("failed to publish to exchange %s", exchange), err)
	}

	g.nextTag = tag
	return nil
}

func (g *Gateway) confirmLoop(confirms <-chan amqp091.Confirmation) {
	for conf := range confirms {
		g.pubMu.Lock()
		messageID, known := g.pending[conf.DeliveryTag]
		delete(g.pending, conf.DeliveryTag)
		g.pubMu.Unlock()

		if !known {
			g.logger.Warnf("Confirm for unknown delivery tag %d", conf.DeliveryTag)
			continue
		}

		cause := ""
		if !conf.Ack {
			cause = "broker negative acknowledgement (nack)"
		}
		g.dispatchConfirm(messageID, conf.Ack, cause)
	}
}

func (g *Gateway) returnLoop(returns <-chan amqp091.Return) {
	for ret := range returns {
		reason := fmt.Sprintf("message returned: reply_code=%d, reply_text=%s", ret.ReplyCode, ret.ReplyText)

		g.handlerMu.RLock()
		handler := g.handler
		g.handlerMu.RUnlock()

		if handler == nil {
			g.logger.Warnf("Return with no confirm handler attached: message_id=%s, %s", ret.MessageId, reason)
			continue
		}
		handler.HandleReturn(context.Background(), ret.MessageId, reason)
	}
}

func (g *Gateway) dispatchConfirm(messageID string, ack bool, cause string) {
	g.handlerMu.RLock()
	handler := g.handler
	g.handlerMu.RUnlock()

	if handler == nil {
		g.logger.Warnf("Confirm with no confirm handler attached: message_id=%s, ack=%v", messageID, ack)
		return
	}
	handler.HandleConfirm(context.Background(), messageID, ack, cause)
}

// Get pulls one message from the queue without auto-ack.
func (g *Gateway) Get(_ context.Context, queue string) (relimq.Delivery, bool, error) {
	g.opsMu.Lock()
	defer g.opsMu.Unlock()

	msg, ok, err := g.opsCh.Get(queue, false)
	if err != nil {
		return relimq.Delivery{}, false, relimq.NewErrorWithCause(relimq.ErrCodeBroker,
			fmt.Sprintf("failed to get from queue %s", queue), err)
	}
	if !ok {
		return relimq.Delivery{}, false, nil
	}
	return toDelivery(msg), true, nil
}

// Ack acknowledges a delivery previously returned by Get.
func (g *Gateway) Ack(deliveryTag uint64) error {
	g.opsMu.Lock()
	defer g.opsMu.Unlock()
	if err := g.opsCh.Ack(deliveryTag, false); err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeBroker, "failed to ack delivery", err)
	}
	return nil
}

// Reject rejects a delivery previously returned by Get, without requeue.
func (g *Gateway) Reject(deliveryTag uint64) error {
	g.opsMu.Lock()
	defer g.opsMu.Unlock()
	if err := g.opsCh.Reject(deliveryTag, false); err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeBroker, "failed to reject delivery", err)
	}
	return nil
}

// QueueDepth returns the broker-reported message count for the queue, or
// relimq.QueueDepthUnknown when the queue does not exist.
//
// The passive declare that reports the count closes its channel on a missing
// queue, so the probe runs on a throwaway channel.
func (g *Gateway) QueueDepth(_ context.Context, queue string) (int64, error) {
	ch, err := g.conn.Channel()
	if err != nil {
		return relimq.QueueDepthUnknown, relimq.NewErrorWithCause(relimq.ErrCodeBroker, "failed to open channel", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		g.logger.Debugf("Queue %s not inspectable: %v", queue, err)
		return relimq.QueueDepthUnknown, nil
	}
	return int64(q.Messages), nil
}

// Purge removes all messages from the queue.
func (g *Gateway) Purge(_ context.Context, queue string) (int, error) {
	g.opsMu.Lock()
	defer g.opsMu.Unlock()

	purged, err := g.opsCh.QueuePurge(queue, false)
	if err != nil {
		return 0, relimq.NewErrorWithCause(relimq.ErrCodeBroker,
			fmt.Sprintf("failed to purge queue %s", queue), err)
	}
	return purged, nil
}

// ConsumeFunc processes one pushed delivery; relimq.Consumer.Consume
// satisfies this signature.
type ConsumeFunc func(ctx context.Context, d relimq.Delivery, acker relimq.Acknowledger) error

// Listen consumes the queue on a dedicated channel and feeds each delivery to
// fn, blocking until ctx is cancelled or the channel closes. Settlement is
// fn's responsibility; Listen never acks on its own.
func (g *Gateway) Listen(ctx context.Context, queue string, fn ConsumeFunc) error {
	ch, err := g.conn.Channel()
	if err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeBroker, "failed to open consume channel", err)
	}
	defer ch.Close()

	if err := ch.Qos(g.prefetch, 0, false); err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeBroker, "failed to set prefetch", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return relimq.NewErrorWithCause(relimq.ErrCodeBroker,
			fmt.Sprintf("failed to consume from queue %s", queue), err)
	}

	acker := &channelAcker{ch: ch}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, open := <-deliveries:
			if !open {
				return relimq.NewError(relimq.ErrCodeBroker, "consume channel closed by broker")
			}
			if err := fn(ctx, toDelivery(msg), acker); err != nil {
				g.logger.Errorf("Delivery processing failed on queue %s: %v", queue, err)
			}
		}
	}
}

// Close shuts down the connection and all channels.
func (g *Gateway) Close() error {
	return g.conn.Close()
}

type channelAcker struct {
	ch *amqp091.Channel
}

func (a *channelAcker) Ack(deliveryTag uint64) error {
	return a.ch.Ack(deliveryTag, false)
}

func (a *channelAcker) Reject(deliveryTag uint64) error {
	return a.ch.Reject(deliveryTag, false)
}

func toDelivery(msg amqp091.Delivery) relimq.Delivery {
	return relimq.Delivery{
		MessageID:   msg.MessageId,
		Exchange:    msg.Exchange,
		RoutingKey:  msg.RoutingKey,
		Body:        msg.Body,
		DeliveryTag: msg.DeliveryTag,
		Redelivered: msg.Redelivered,
	}
}
