package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// AMQPQueue maps topics onto durable RabbitMQ queues of the same name.
// Payloads travel as JSON; subscribers receive the raw body as []byte.
type AMQPQueue struct {
	mu         sync.Mutex
	ch         *amqp.Channel
	log        *zap.Logger
	MaxRetries int
}

func NewAMQPQueue(ch *amqp.Channel, log *zap.Logger) *AMQPQueue {
	return &AMQPQueue{ch: ch, log: log, MaxRetries: 3}
}

func (q *AMQPQueue) declare(topic string) error {
	_, err := q.ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	return nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return q.publish(topic, body, 0)
}

func (q *AMQPQueue) publish(topic string, body []byte, retries int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.declare(topic); err != nil {
		return err
	}
	return q.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: retries},
		Body:         body,
	})
}

// Subscribe consumes topic with manual acks. A failed delivery is
// republished with an incremented retry header until MaxRetries.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	if err := q.declare(topic); err != nil {
		q.mu.Unlock()
		return err
	}
	msgs, err := q.ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	go func() {
		for d := range msgs {
			q.handle(topic, d, handler)
		}
		q.log.Info("consumer closed", zap.String("topic", topic))
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, d amqp.Delivery, handler func(payload any) error) {
	err := handler(d.Body)
	if err == nil {
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries >= q.MaxRetries {
		q.log.Error("job permanently failed", zap.String("topic", topic), zap.Int("attempts", retries+1), zap.Error(err))
		d.Ack(false)
		return
	}
	q.log.Warn("job failed, requeueing", zap.String("topic", topic), zap.Int("attempt", retries+1), zap.Error(err))
	if perr := q.publish(topic, d.Body, int32(retries+1)); perr != nil {
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

var _ Queue = (*AMQPQueue)(nil)
