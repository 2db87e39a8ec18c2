package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-scheduler/internal/events"
	"github.com/unclebandit/campaign-scheduler/internal/metrics"
	"github.com/unclebandit/campaign-scheduler/internal/model"
	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
)

// Lease makes a campaign's runner exclusive across processes.
type Lease interface {
	Acquire(ctx context.Context, campaignID int64) (bool, error)
	Extend(ctx context.Context, campaignID int64) error
	Release(ctx context.Context, campaignID int64) error
	TTL() time.Duration
}

type entry struct {
	runner  *Runner
	done    chan struct{}
	restart bool
}

// Manager owns the runners of this process: at most one per campaign.
type Manager struct {
	deps  Deps
	opts  Options
	owner string
	lease Lease

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cron   *cron.Cron

	mu      sync.Mutex
	runners map[int64]*entry
	closed  bool
}

// NewManager builds a manager. lease may be nil for single-process setups.
func NewManager(deps Deps, opts Options, lease Lease) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:    deps,
		opts:    opts,
		owner:   uuid.NewString(),
		lease:   lease,
		ctx:     ctx,
		cancel:  cancel,
		cron:    cron.New(),
		runners: map[int64]*entry{},
	}
}

// Owner is the claim token this process stamps on leased rows.
func (m *Manager) Owner() string { return m.owner }

// Closed reports whether Shutdown has begun. A closed manager ignores Wake.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Running reports whether a runner loop is attached to the campaign.
func (m *Manager) Running(campaignID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runners[campaignID]
	return ok
}

// Wake attaches a runner to the campaign, or nudges the attached one. A
// runner that is stopping is replaced once its in-flight send finished;
// the replacement exits at once if the campaign is no longer live.
func (m *Manager) Wake(campaignID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if e, ok := m.runners[campaignID]; ok {
		// re-attach after exit in case the loop is already on its way out
		e.restart = true
		e.runner.Wake()
		return
	}
	m.startLocked(campaignID)
}

// Stop signals the campaign's runner to exit after its in-flight send.
func (m *Manager) Stop(campaignID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.runners[campaignID]; ok {
		e.restart = false
		e.runner.Stop()
	}
}

func (m *Manager) startLocked(campaignID int64) {
	r := New(campaignID, m.owner, m.deps, m.opts)
	e := &entry{runner: r, done: make(chan struct{})}
	m.runners[campaignID] = e
	metrics.ActiveRunners.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(campaignID, r)
		close(e.done)
		metrics.ActiveRunners.Dec()

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.runners[campaignID] != e {
			return
		}
		delete(m.runners, campaignID)
		if e.restart && !m.closed {
			m.startLocked(campaignID)
		}
	}()
}

func (m *Manager) run(campaignID int64, r *Runner) {
	log := m.deps.Log.With(zap.Int64("campaign_id", campaignID))

	if m.lease != nil {
		ok, err := m.lease.Acquire(m.ctx, campaignID)
		if err != nil {
			log.Error("runner lease unavailable", zap.Error(err))
			return
		}
		if !ok {
			log.Debug("runner attached in another process")
			return
		}
		stopKeepAlive := m.keepAlive(campaignID, r, log)
		defer func() {
			stopKeepAlive()
			if err := m.lease.Release(context.Background(), campaignID); err != nil {
				log.Warn("runner lease release failed", zap.Error(err))
			}
		}()
	}

	err := r.Run(m.ctx)
	if err == nil {
		return
	}
	if appErrors.IsRunnerFault(err) {
		metrics.RunnerFaults.Inc()
		log.Error("runner faulted", zap.Error(err))
		m.deps.Feed.Publish(events.Event{Type: events.TypeFault, CampaignID: campaignID, Error: err.Error()})
		return
	}
	log.Error("runner stopped with error", zap.Error(err))
}

// keepAlive extends the lease at a third of its TTL and stops the runner
// once the lease is lost.
func (m *Manager) keepAlive(campaignID int64, r *Runner, log *zap.Logger) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(m.lease.TTL() / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := m.lease.Extend(m.ctx, campaignID); err != nil {
					log.Warn("runner lease lost", zap.Error(err))
					r.Stop()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// ResumeAll attaches runners to every live campaign, used on boot.
func (m *Manager) ResumeAll(ctx context.Context) error {
	return m.wakeLive(ctx, func(*model.Campaign) bool { return true })
}

// WakeActiveDrips nudges every active drip campaign to re-plan.
func (m *Manager) WakeActiveDrips(ctx context.Context) error {
	return m.wakeLive(ctx, func(c *model.Campaign) bool { return c.Kind == model.KindDrip })
}

func (m *Manager) wakeLive(ctx context.Context, match func(*model.Campaign) bool) error {
	live, err := m.deps.Store.Campaigns.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("list live campaigns: %w", err)
	}
	for _, c := range live {
		if match(c) {
			m.Wake(c.ID)
		}
	}
	return nil
}

// Schedule runs job on a cron spec (e.g. "@every 1m") until Shutdown.
func (m *Manager) Schedule(spec, name string, job func(ctx context.Context) error) error {
	_, err := m.cron.AddFunc(spec, func() {
		if err := job(m.ctx); err != nil {
			m.deps.Log.Warn("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

// StartSchedules starts the cron jobs, including the periodic drip wake.
func (m *Manager) StartSchedules(dripTick string) error {
	if err := m.Schedule(dripTick, "drip-tick", m.WakeActiveDrips); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Shutdown stops cron and every runner, then waits for in-flight sends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.runners {
		e.restart = false
		e.runner.Stop()
	}
	m.mu.Unlock()

	<-m.cron.Stop().Done()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
