package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/unclebandit/campaign-scheduler/internal/model"
)

// OutboundMessage is the payload handed to the provider gateway.
type OutboundMessage struct {
	MessageID string        `json:"message_id"`
	Address   string        `json:"address"`
	Channel   model.Channel `json:"channel"`
	Body      string        `json:"body"`
	CreatedAt time.Time     `json:"created_at"`
}

// Publisher is the part of *amqp.Channel the sender uses.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSender hands messages to the provider gateway through a durable
// RabbitMQ queue. A message counts as delivered once the broker accepted it.
type AMQPSender struct {
	mu    sync.Mutex
	ch    Publisher
	queue string
}

// NewAMQPSender declares queue on ch and publishes to it.
func NewAMQPSender(ch *amqp.Channel, queue string) (*AMQPSender, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare %s: %w", queue, err)
	}
	return &AMQPSender{ch: ch, queue: queue}, nil
}

func (s *AMQPSender) Send(ctx context.Context, address string, channel model.Channel, message string) (DeliveryReceipt, error) {
	if err := ctx.Err(); err != nil {
		return DeliveryReceipt{}, err
	}
	out := OutboundMessage{
		MessageID: uuid.NewString(),
		Address:   address,
		Channel:   channel,
		Body:      message,
		CreatedAt: time.Now(),
	}
	body, err := json.Marshal(out)
	if err != nil {
		return DeliveryReceipt{}, err
	}

	s.mu.Lock()
	err = s.ch.Publish("", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    out.MessageID,
		Timestamp:    out.CreatedAt,
		Body:         body,
	})
	s.mu.Unlock()
	if err != nil {
		return DeliveryReceipt{}, fmt.Errorf("publish to %s: %w", s.queue, err)
	}
	return DeliveryReceipt{MessageID: out.MessageID, AcceptedAt: out.CreatedAt}, nil
}

var _ Sender = (*AMQPSender)(nil)
