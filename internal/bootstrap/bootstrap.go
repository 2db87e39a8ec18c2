// Package bootstrap assembles the scheduler's shared components from config.
// cmd/server and cmd/worker differ only in which of them they start.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-scheduler/internal/config"
	"github.com/unclebandit/campaign-scheduler/internal/db"
	"github.com/unclebandit/campaign-scheduler/internal/events"
	"github.com/unclebandit/campaign-scheduler/internal/lease"
	"github.com/unclebandit/campaign-scheduler/internal/pacing"
	"github.com/unclebandit/campaign-scheduler/internal/queue"
	"github.com/unclebandit/campaign-scheduler/internal/repository"
	"github.com/unclebandit/campaign-scheduler/internal/runner"
	"github.com/unclebandit/campaign-scheduler/internal/sender"
	"github.com/unclebandit/campaign-scheduler/internal/service"
)

type Components struct {
	Config    *config.Config
	Log       *zap.Logger
	Store     repository.Store
	Feed      *events.Feed
	Templates *service.TemplateService
	Sender    sender.Sender

	DB    *sql.DB
	Redis *redis.Client
	AMQP  *amqp.Connection

	closers []func() error
}

// Open connects every backend the config enables. Close releases them.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Components, error) {
	c := &Components{
		Config:    cfg,
		Log:       log,
		Feed:      events.NewFeed(64),
		Templates: service.NewTemplateService(),
	}
	c.closers = append(c.closers, func() error { c.Feed.Close(); return nil })

	if err := c.openStore(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.openRedis(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.openSender(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) openStore(ctx context.Context) error {
	switch c.Config.Storage.Driver {
	case "postgres":
		conn, err := db.Open(ctx, c.Config.DB, c.Log)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, conn.Close)
		if err := db.Migrate(ctx, conn); err != nil {
			return err
		}
		c.DB = conn
		c.Store = repository.NewPostgresStore(conn)
	default:
		c.Log.Warn("using in-memory storage, state is lost on restart")
		c.Store = repository.NewMemoryStore().Store()
	}
	return nil
}

func (c *Components) openRedis(ctx context.Context) error {
	if c.Config.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Addr,
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("ping redis %s: %w", c.Config.Redis.Addr, err)
	}
	c.closers = append(c.closers, client.Close)
	c.Redis = client
	c.Store.Idempotency = &repository.RedisIdempotency{Client: client}
	c.Log.Info("redis connected", zap.String("addr", c.Config.Redis.Addr))
	return nil
}

// Channel dials RabbitMQ on first use and opens a new channel.
func (c *Components) Channel() (*amqp.Channel, error) {
	if c.AMQP == nil {
		conn, err := amqp.Dial(c.Config.RabbitMQ.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		c.closers = append(c.closers, conn.Close)
		c.AMQP = conn
	}
	ch, err := c.AMQP.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return ch, nil
}

func (c *Components) openSender() error {
	if c.Config.Sender.Driver != "amqp" {
		c.Sender = sender.NewLogSender(c.Log)
		return nil
	}
	ch, err := c.Channel()
	if err != nil {
		return err
	}
	s, err := sender.NewAMQPSender(ch, c.Config.RabbitMQ.OutboundQueue)
	if err != nil {
		return err
	}
	c.Sender = s
	return nil
}

// ControlQueue opens the queue carrying runner commands between processes.
func (c *Components) ControlQueue() (*queue.AMQPQueue, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return queue.NewAMQPQueue(ch, c.Log), nil
}

// NewManager builds the runner manager. With Redis configured, runners are
// exclusive per campaign across every process sharing that Redis.
func (c *Components) NewManager() *runner.Manager {
	rc := c.Config.Runner
	opts := runner.Options{
		DispatchTimeout:    rc.DispatchTimeout,
		ClaimLease:         rc.ClaimLease,
		LeasePoll:          rc.LeasePoll,
		BookkeepingRetries: rc.BookkeepingRetries,
		BookkeepingBackoff: rc.BookkeepingBackoff,
		DripCap:            c.Config.Drip.Cap,
		NextDelay:          pacing.NextDelay,
	}
	deps := runner.Deps{
		Store:    c.Store,
		Sender:   c.Sender,
		Renderer: c.Templates,
		Feed:     c.Feed,
		Log:      c.Log,
	}
	if c.Redis == nil {
		return runner.NewManager(deps, opts, nil)
	}
	return runner.NewManager(deps, opts, lease.NewRedisLease(c.Redis, uuid.NewString(), c.Config.Redis.LeaseTTL))
}

// Service builds the control surface on top of runners.
func (c *Components) Service(runners service.RunnerControl) *service.CampaignService {
	return &service.CampaignService{
		Store:          c.Store,
		Runners:        runners,
		Templates:      c.Templates,
		Feed:           c.Feed,
		Log:            c.Log,
		IdempotencyTTL: c.Config.Runner.IdempotencyTTL,
	}
}

// StartManager resumes live campaigns and starts the periodic jobs.
func (c *Components) StartManager(ctx context.Context, m *runner.Manager, svc *service.CampaignService) error {
	if err := m.ResumeAll(ctx); err != nil {
		return fmt.Errorf("resume live campaigns: %w", err)
	}
	if err := m.Schedule(c.Config.Drip.ReconcileSchedule, "reconcile", svc.ReconcileLive); err != nil {
		return err
	}
	return m.StartSchedules(c.Config.Drip.Tick)
}

// Close releases backends in reverse order of opening.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.Log.Warn("close failed", zap.Error(err))
		}
	}
	c.closers = nil
}
