package queue

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingController struct {
	mu     sync.Mutex
	wakes  []int64
	stops  []int64
	signal chan struct{}
}

func newRecordingController() *recordingController {
	return &recordingController{signal: make(chan struct{}, 10)}
}

func (c *recordingController) Wake(id int64) {
	c.mu.Lock()
	c.wakes = append(c.wakes, id)
	c.mu.Unlock()
	c.signal <- struct{}{}
}

func (c *recordingController) Stop(id int64) {
	c.mu.Lock()
	c.stops = append(c.stops, id)
	c.mu.Unlock()
	c.signal <- struct{}{}
}

func waitSignal(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}
}

func TestInMemoryQueueRetriesUntilSuccess(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())
	q.backoff = time.Millisecond

	var calls int32
	done := make(chan struct{})
	require.NoError(t, q.Subscribe("t", func(payload any) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}))
	require.NoError(t, q.Publish("t", 1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never succeeded")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInMemoryQueuePublishWithoutSubscribers(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())
	assert.Error(t, q.Publish("nobody", 1))
}

func TestControlRoundTripOverInMemoryQueue(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())
	ctl := newRecordingController()
	require.NoError(t, StartControlSubscriber(q, "", ctl, zap.NewNop()))

	pub := NewControlPublisher(q, "", zap.NewNop())
	pub.Wake(4)
	waitSignal(t, ctl.signal)
	pub.Stop(5)
	waitSignal(t, ctl.signal)

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	assert.Equal(t, []int64{4}, ctl.wakes)
	assert.Equal(t, []int64{5}, ctl.stops)
}

func TestHandleCommandDecodesJSON(t *testing.T) {
	ctl := newRecordingController()
	body, _ := json.Marshal(Command{Action: CommandStop, CampaignID: 9})

	require.NoError(t, HandleCommand(ctl, zap.NewNop(), body))
	assert.Equal(t, []int64{9}, ctl.stops)

	assert.NoError(t, HandleCommand(ctl, zap.NewNop(), []byte("not json")))
	assert.NoError(t, HandleCommand(ctl, zap.NewNop(), 42))
	assert.Empty(t, ctl.wakes)
}

// closingController reports itself closed for the first n checks, like a
// worker whose manager is mid-shutdown when a wake arrives.
type closingController struct {
	*recordingController
	closedChecks int32
	n            int32
}

func (c *closingController) Closed() bool {
	return atomic.AddInt32(&c.closedChecks, 1) <= c.n
}

func TestHandleCommandRejectsWakeWhileClosed(t *testing.T) {
	ctl := &closingController{recordingController: newRecordingController(), n: 1}

	err := HandleCommand(ctl, zap.NewNop(), Command{Action: CommandWake, CampaignID: 3})
	assert.ErrorIs(t, err, ErrControllerClosed)
	assert.Empty(t, ctl.wakes)

	// stop is a no-op for a closed manager and must not be redelivered
	require.NoError(t, HandleCommand(ctl, zap.NewNop(), Command{Action: CommandStop, CampaignID: 3}))
	assert.Equal(t, []int64{3}, ctl.stops)
}

func TestInMemoryQueueRedeliversWakeRejectedByClosedController(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())
	q.backoff = time.Millisecond
	ctl := &closingController{recordingController: newRecordingController(), n: 2}
	require.NoError(t, StartControlSubscriber(q, "", ctl, zap.NewNop()))

	NewControlPublisher(q, "", zap.NewNop()).Wake(7)
	waitSignal(t, ctl.signal)

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	assert.Equal(t, []int64{7}, ctl.wakes)
	assert.Equal(t, int32(3), atomic.LoadInt32(&ctl.closedChecks))
}
