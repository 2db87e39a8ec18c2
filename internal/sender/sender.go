package sender

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-scheduler/internal/model"
)

// DeliveryReceipt is what a provider hands back for an accepted message.
type DeliveryReceipt struct {
	MessageID  string    `json:"message_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Sender delivers one rendered message on one channel. Any error is a
// delivery failure for that attempt.
type Sender interface {
	Send(ctx context.Context, address string, channel model.Channel, message string) (DeliveryReceipt, error)
}

// LogSender accepts every message and only logs it. Used when no provider
// hand-off is configured.
type LogSender struct {
	Log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{Log: log}
}

func (s *LogSender) Send(ctx context.Context, address string, channel model.Channel, message string) (DeliveryReceipt, error) {
	if err := ctx.Err(); err != nil {
		return DeliveryReceipt{}, err
	}
	r := DeliveryReceipt{MessageID: uuid.NewString(), AcceptedAt: time.Now()}
	s.Log.Info("message delivered",
		zap.String("message_id", r.MessageID),
		zap.String("address", address),
		zap.String("channel", string(channel)),
		zap.Int("length", len(message)),
	)
	return r, nil
}

var _ Sender = (*LogSender)(nil)
