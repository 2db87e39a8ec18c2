package queue

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// ControlTopic carries runner commands when runners live in cmd/worker.
const ControlTopic = "campaign_control"

// RunnerController is what a subscriber drives on each command.
type RunnerController interface {
	Wake(campaignID int64)
	Stop(campaignID int64)
}

// ErrControllerClosed rejects a wake that reached a process which is shutting
// down. The queue redelivers it, to this process or to another worker.
var ErrControllerClosed = errors.New("runner controller is shutting down")

// closable is implemented by controllers that stop accepting work.
type closable interface {
	Closed() bool
}

// ControlPublisher forwards runner control to remote workers over a Queue.
type ControlPublisher struct {
	Q     Queue
	Topic string
	Log   *zap.Logger
}

func NewControlPublisher(q Queue, topic string, log *zap.Logger) *ControlPublisher {
	if topic == "" {
		topic = ControlTopic
	}
	return &ControlPublisher{Q: q, Topic: topic, Log: log}
}

func (p *ControlPublisher) send(action CommandAction, campaignID int64) {
	cmd := Command{Action: action, CampaignID: campaignID, IssuedAt: time.Now()}
	if err := p.Q.Publish(p.Topic, cmd); err != nil {
		// the worker's periodic resume picks the campaign up anyway
		p.Log.Error("failed to publish runner command",
			zap.String("action", string(action)), zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
}

func (p *ControlPublisher) Wake(campaignID int64) { p.send(CommandWake, campaignID) }
func (p *ControlPublisher) Stop(campaignID int64) { p.send(CommandStop, campaignID) }

// HandleCommand applies one control payload to ctl.
func HandleCommand(ctl RunnerController, log *zap.Logger, payload any) error {
	cmd, err := decodeCommand(payload)
	if err != nil {
		// malformed commands are dropped, retrying cannot fix them
		log.Warn("invalid control command", zap.Error(err))
		return nil
	}
	switch cmd.Action {
	case CommandWake:
		if c, ok := ctl.(closable); ok && c.Closed() {
			return ErrControllerClosed
		}
		ctl.Wake(cmd.CampaignID)
	case CommandStop:
		ctl.Stop(cmd.CampaignID)
	default:
		log.Warn("unknown control action", zap.String("action", string(cmd.Action)))
		return nil
	}
	log.Debug("control command applied", zap.String("action", string(cmd.Action)), zap.Int64("campaign_id", cmd.CampaignID))
	return nil
}

// StartControlSubscriber routes control commands on topic to ctl.
func StartControlSubscriber(q Queue, topic string, ctl RunnerController, log *zap.Logger) error {
	if topic == "" {
		topic = ControlTopic
	}
	return q.Subscribe(topic, func(payload any) error {
		return HandleCommand(ctl, log, payload)
	})
}
