package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/model"
)

// MemoryStore is an in-process implementation of every store interface. It
// is used by tests and by the "memory" storage driver. A single mutex makes
// each method behave like one transaction.
type MemoryStore struct {
	mu sync.Mutex

	nextID      int64
	campaigns   map[int64]*model.Campaign
	recipients  map[int64]*model.Recipient
	order       map[int64][]int64 // campaign -> recipient ids in insertion order
	enrollments map[int64]*model.DripEnrollment
	messages    map[int64][]model.DripMessage // enrollment -> attempts
	conversions map[string]time.Time
	idem        map[string]idemEntry
}

type idemEntry struct {
	value   []byte
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:   map[int64]*model.Campaign{},
		recipients:  map[int64]*model.Recipient{},
		order:       map[int64][]int64{},
		enrollments: map[int64]*model.DripEnrollment{},
		messages:    map[int64][]model.DripMessage{},
		conversions: map[string]time.Time{},
		idem:        map[string]idemEntry{},
	}
}

// Store returns the bundle backed by this memory store.
func (m *MemoryStore) Store() Store {
	return Store{Campaigns: m, Recipients: m, Drip: m, Conversions: m, Idempotency: m}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	cp.Steps = append([]model.DripStep(nil), c.Steps...)
	return &cp
}

// ====================== Campaigns ======================

func (m *MemoryStore) Create(_ context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	m.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

func (m *MemoryStore) ListCampaigns(_ context.Context, offset, limit int, kind, status string) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.campaigns {
		if kind != "" && string(c.Kind) != kind {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		all = append(all, cloneCampaign(c))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) ListLive(_ context.Context) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Campaign
	for _, c := range m.campaigns {
		if c.Live() {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CompareAndSetStatus(_ context.Context, id int64, from, to model.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Status != from {
		return appErrors.Transition(string(c.Status), "move to "+string(to))
	}
	c.Status = to
	c.UpdatedAt = &at
	if to == model.StatusRunning || to == model.StatusActive {
		if c.StartedAt == nil {
			c.StartedAt = &at
		}
	}
	if to.Terminal() {
		c.CompletedAt = &at
	}
	return nil
}

// SetCounters overwrites the cached counters without looking at the rows.
// Tests use it to simulate drift.
func (m *MemoryStore) SetCounters(_ context.Context, id int64, sent, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.SentCount, c.FailedCount = sent, failed
	return nil
}

func (m *MemoryStore) RecountCounters(_ context.Context, id int64) (Recount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return Recount{}, appErrors.NewCampaignNotFound(id)
	}
	rc := Recount{CachedSent: c.SentCount, CachedFailed: c.FailedCount}
	for _, rid := range m.order[id] {
		switch m.recipients[rid].Status {
		case model.RecipientSent:
			rc.Sent++
		case model.RecipientFailed:
			rc.Failed++
		case model.RecipientPending:
			rc.Pending++
		}
	}
	c.SentCount, c.FailedCount = rc.Sent, rc.Failed
	return rc, nil
}

func (m *MemoryStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[id]; !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	for _, rid := range m.order[id] {
		delete(m.recipients, rid)
	}
	delete(m.order, id)
	for eid, e := range m.enrollments {
		if e.CampaignID == id {
			delete(m.messages, eid)
			delete(m.enrollments, eid)
		}
	}
	delete(m.campaigns, id)
	return nil
}

// ====================== Recipients ======================

func (m *MemoryStore) BulkInsert(_ context.Context, campaignID int64, rs []model.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	seen := map[string]bool{}
	for _, id := range m.order[campaignID] {
		seen[m.recipients[id].Address] = true
	}
	for _, r := range rs {
		if seen[r.Address] {
			return appErrors.Duplicate(r.Address)
		}
		seen[r.Address] = true
	}
	now := time.Now()
	for _, r := range rs {
		r.ID = m.id()
		r.CampaignID = campaignID
		r.Status = model.RecipientPending
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		rec := r
		m.recipients[r.ID] = &rec
		m.order[campaignID] = append(m.order[campaignID], r.ID)
	}
	c.TotalRecipients += len(rs)
	return nil
}

func (m *MemoryStore) finalize(id int64, status model.RecipientStatus, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return appErrors.ErrNotFound
	}
	if r.Status != model.RecipientPending {
		if r.Status == status {
			return nil
		}
		return appErrors.ErrAlreadyFinalized
	}
	r.Status = status
	r.ClaimedAt = nil
	r.ClaimedBy = ""
	c := m.campaigns[r.CampaignID]
	if status == model.RecipientSent {
		r.SentAt = &at
		c.SentCount++
	} else {
		r.ErrorMessage = errMsg
		c.FailedCount++
	}
	return nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id int64, sentAt time.Time) error {
	return m.finalize(id, model.RecipientSent, "", sentAt)
}

func (m *MemoryStore) MarkFailed(_ context.Context, id int64, errMsg string, at time.Time) error {
	return m.finalize(id, model.RecipientFailed, errMsg, at)
}

func (m *MemoryStore) NextPendingBatch(_ context.Context, campaignID int64, limit int, owner string, lease time.Duration, now time.Time) ([]model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Recipient
	for _, id := range m.order[campaignID] {
		if len(out) >= limit {
			break
		}
		r := m.recipients[id]
		if r.Status != model.RecipientPending {
			continue
		}
		if r.ClaimedAt != nil && r.ClaimedBy != owner && now.Sub(*r.ClaimedAt) < lease {
			continue
		}
		claimed := now
		r.ClaimedAt = &claimed
		r.ClaimedBy = owner
		out = append(out, *r)
	}
	return out, nil
}

func (m *MemoryStore) ListByCampaign(_ context.Context, campaignID int64, offset, limit int, status string) ([]model.Recipient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []model.Recipient
	for _, id := range m.order[campaignID] {
		r := m.recipients[id]
		if status != "" && string(r.Status) != status {
			continue
		}
		all = append(all, *r)
	}
	total := len(all)
	if offset >= total {
		return []model.Recipient{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, campaignID int64) (map[model.RecipientStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[model.RecipientStatus]int{model.RecipientPending: 0, model.RecipientSent: 0, model.RecipientFailed: 0}
	for _, id := range m.order[campaignID] {
		stats[m.recipients[id].Status]++
	}
	return stats, nil
}

// ====================== Drip ======================

func (m *MemoryStore) Enroll(_ context.Context, campaignID int64, es []model.DripEnrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[campaignID]; !ok {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	seen := map[string]bool{}
	for _, e := range m.enrollments {
		if e.CampaignID == campaignID {
			seen[e.Address] = true
		}
	}
	for _, e := range es {
		if seen[e.Address] {
			return appErrors.Duplicate(e.Address)
		}
		seen[e.Address] = true
	}
	now := time.Now()
	for _, e := range es {
		e.ID = m.id()
		e.CampaignID = campaignID
		if e.State == "" {
			e.State = model.StateAwaiting
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		rec := e
		m.enrollments[e.ID] = &rec
	}
	return nil
}

func (m *MemoryStore) enrollmentsOf(campaignID int64, liveOnly bool) []model.DripEnrollment {
	var out []model.DripEnrollment
	for _, e := range m.enrollments {
		if e.CampaignID != campaignID {
			continue
		}
		if liveOnly && e.State.Finished() {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) ListLiveEnrollments(_ context.Context, campaignID int64) ([]model.DripEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrollmentsOf(campaignID, true), nil
}

func (m *MemoryStore) ListEnrollments(_ context.Context, campaignID int64, offset, limit int) ([]model.DripEnrollment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.enrollmentsOf(campaignID, false)
	total := len(all)
	if offset >= total {
		return []model.DripEnrollment{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) MessagesByEnrollment(_ context.Context, campaignID int64) (map[int64][]model.DripMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64][]model.DripMessage{}
	for id, msgs := range m.messages {
		if e := m.enrollments[id]; e == nil || e.CampaignID != campaignID {
			continue
		}
		out[id] = append([]model.DripMessage(nil), msgs...)
	}
	return out, nil
}

func (m *MemoryStore) ClaimEnrollment(_ context.Context, id int64, owner string, lease time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return false, appErrors.ErrNotFound
	}
	if e.ClaimedAt != nil && e.ClaimedBy != owner && now.Sub(*e.ClaimedAt) < lease {
		return false, nil
	}
	claimed := now
	e.ClaimedAt = &claimed
	e.ClaimedBy = owner
	return true, nil
}

func (m *MemoryStore) ReleaseEnrollment(_ context.Context, id int64, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.enrollments[id]; ok && e.ClaimedBy == owner {
		e.ClaimedAt = nil
		e.ClaimedBy = ""
	}
	return nil
}

func (m *MemoryStore) RecordMessage(_ context.Context, msg *model.DripMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enrollments[msg.EnrollmentID]; !ok {
		return appErrors.ErrNotFound
	}
	for _, existing := range m.messages[msg.EnrollmentID] {
		if existing.StepIndex == msg.StepIndex && existing.Channel == msg.Channel {
			if existing.Status == msg.Status {
				*msg = existing
				return nil
			}
			return appErrors.ErrAlreadyFinalized
		}
	}
	msg.ID = m.id()
	m.messages[msg.EnrollmentID] = append(m.messages[msg.EnrollmentID], *msg)
	return nil
}

func (m *MemoryStore) SetEnrollmentState(_ context.Context, id int64, state model.EnrollmentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return appErrors.ErrNotFound
	}
	if e.State == model.StateConverted {
		return nil
	}
	e.State = state
	return nil
}

// ====================== Conversions ======================

func (m *MemoryStore) IsConverted(_ context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conversions[reference]
	return ok, nil
}

func (m *MemoryStore) MarkConverted(_ context.Context, reference string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversions[reference]; !ok {
		m.conversions[reference] = at
	}
	return nil
}

// ====================== Idempotency ======================

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.idem[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.idem[key]; ok && time.Now().Before(e.expires) {
		return false, nil
	}
	m.idem[key] = idemEntry{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}

var (
	_ CampaignStore    = (*MemoryStore)(nil)
	_ RecipientStore   = (*MemoryStore)(nil)
	_ DripStore        = (*MemoryStore)(nil)
	_ ConversionStore  = (*MemoryStore)(nil)
	_ IdempotencyStore = (*MemoryStore)(nil)
)
