package tracker

import (
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripstream/internal/subscription"
	"tripstream/pkg/types"
)

// fakeSubs records subscribe/unsubscribe calls and exposes the handler so
// tests can inject frames directly.
type fakeSubs struct {
	mu           sync.Mutex
	handlers     map[string]subscription.Handler
	registry     *subscription.Registry
	unsubscribes int
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{
		handlers: make(map[string]subscription.Handler),
		registry: subscription.NewRegistry(nopPublisher{}, nil),
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(types.Frame) error { return nil }

func (f *fakeSubs) Subscribe(topic string, h subscription.Handler) (*subscription.Handle, error) {
	handle, err := f.registry.Subscribe(topic, h)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.handlers[topic] = h
	f.mu.Unlock()
	return handle, nil
}

func (f *fakeSubs) Unsubscribe(h *subscription.Handle) {
	f.registry.Unsubscribe(h)
	f.mu.Lock()
	f.unsubscribes++
	f.mu.Unlock()
}

func (f *fakeSubs) deliver(t *testing.T, topic string, update types.StatusUpdate) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	require.NotNil(t, h)
	body, err := json.Marshal(update)
	require.NoError(t, err)
	h(topic, body)
}

func (f *fakeSubs) unsubCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes
}

func newStartedTracker(t *testing.T, subs *fakeSubs) *Tracker {
	t.Helper()
	tr, err := New("BK100", "hotel", subs, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	t.Cleanup(tr.Stop)
	return tr
}

func TestNew_RequiresCodeAndType(t *testing.T) {
	subs := newFakeSubs()

	_, err := New("", "hotel", subs, nil)
	assert.ErrorIs(t, err, ErrMissingBookingRef)

	_, err = New("BK100", "", subs, nil)
	assert.ErrorIs(t, err, ErrMissingBookingRef)

	_, err = New("BK100", "hotel", nil, nil)
	assert.ErrorIs(t, err, ErrNilSubscriptions)
}

func TestTracker_StartsPending(t *testing.T) {
	subs := newFakeSubs()
	tr := newStartedTracker(t, subs)

	snap := tr.Snapshot()
	assert.Equal(t, StatePending, snap.State)
	assert.Less(t, snap.Progress, 100)
	assert.True(t, subs.registry.Active(types.BookingTopic("BK100", "hotel")))
}

func TestTracker_ConfirmedFrame(t *testing.T) {
	subs := newFakeSubs()
	tr := newStartedTracker(t, subs)

	subs.deliver(t, types.BookingTopic("BK100", "hotel"), types.StatusUpdate{Status: types.BookingStatusConfirmed})

	snap := tr.Snapshot()
	assert.Equal(t, StateConfirmed, snap.State)
	assert.Equal(t, 100, snap.Progress)
	// Terminal state released the topic.
	assert.Equal(t, 1, subs.unsubCount())
	assert.False(t, subs.registry.Active(types.BookingTopic("BK100", "hotel")))
}

func TestTracker_FailedFrameCapturesReason(t *testing.T) {
	subs := newFakeSubs()
	tr := newStartedTracker(t, subs)

	subs.deliver(t, types.BookingTopic("BK100", "hotel"), types.StatusUpdate{
		Status:        types.BookingStatusFailed,
		FailureReason: "Room unavailable",
	})

	snap := tr.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, "Room unavailable", snap.FailureReason)
	assert.Equal(t, 100, snap.Progress)
}

func TestTracker_TerminalStatesAreFinal(t *testing.T) {
	subs := newFakeSubs()
	tr := newStartedTracker(t, subs)
	topic := types.BookingTopic("BK100", "hotel")

	subs.deliver(t, topic, types.StatusUpdate{Status: types.BookingStatusConfirmed})
	require.Equal(t, StateConfirmed, tr.Snapshot().State)

	// Later frames and transport failures change nothing.
	tr.handleFrame(topic, mustMarshal(t, types.StatusUpdate{Status: types.BookingStatusFailed, FailureReason: "late"}))
	tr.MarkConnectionError()

	snap := tr.Snapshot()
	assert.Equal(t, StateConfirmed, snap.State)
	assert.Empty(t, snap.FailureReason)
	assert.Equal(t, 100, snap.Progress)
}

func TestTracker_ConnectionErrorIsDistinct(t *testing.T) {
	subs := newFakeSubs()
	tr := newStartedTracker(t, subs)

	tr.MarkConnectionError()

	snap := tr.Snapshot()
	assert.Equal(t, StateConnectionError, snap.State)
	assert.NotEqual(t, StateFailed, snap.State)
	// Progress freezes where it was instead of jumping to done.
	assert.Less(t, snap.Progress, 100)
	assert.Equal(t, 1, subs.unsubCount())
}

func TestTracker_PendingAndCancelledFramesIgnored(t *testing.T) {
	subs := newFakeSubs()
	tr := newStartedTracker(t, subs)
	topic := types.BookingTopic("BK100", "hotel")

	subs.deliver(t, topic, types.StatusUpdate{Status: types.BookingStatusPending})
	subs.deliver(t, topic, types.StatusUpdate{Status: types.BookingStatusCancelled})
	subs.deliver(t, topic, types.StatusUpdate{Status: "SOMETHING_ELSE"})

	assert.Equal(t, StatePending, tr.Snapshot().State)
	assert.Equal(t, 0, subs.unsubCount())
}

func TestTracker_MalformedFrameIgnored(t *testing.T) {
	subs := newFakeSubs()
	tr := newStartedTracker(t, subs)

	tr.handleFrame(types.BookingTopic("BK100", "hotel"), json.RawMessage(`{not json`))

	assert.Equal(t, StatePending, tr.Snapshot().State)
}

func TestTracker_StopReleasesSubscription(t *testing.T) {
	subs := newFakeSubs()
	tr, err := New("BK100", "hotel", subs, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start())

	tr.Stop()
	tr.Stop() // idempotent

	assert.Equal(t, 1, subs.unsubCount())
	assert.False(t, subs.registry.Active(types.BookingTopic("BK100", "hotel")))
}

func TestTracker_OnUpdateFiresOnTerminal(t *testing.T) {
	subs := newFakeSubs()
	tr, err := New("BK100", "hotel", subs, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var states []State
	tr.OnUpdate(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})
	require.NoError(t, tr.Start())
	t.Cleanup(tr.Stop)

	subs.deliver(t, types.BookingTopic("BK100", "hotel"), types.StatusUpdate{Status: types.BookingStatusConfirmed})

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateConfirmed, states[len(states)-1])
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
