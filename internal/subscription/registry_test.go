package subscription

import (
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripstream/pkg/types"
)

type fakePublisher struct {
	mu     sync.Mutex
	frames []types.Frame
	err    error
}

func (p *fakePublisher) Publish(f types.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, f)
	return nil
}

func (p *fakePublisher) sent() []types.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Frame, len(p.frames))
	copy(out, p.frames)
	return out
}

func noop(string, json.RawMessage) {}

func TestSubscribe_QueuesUntilConnected(t *testing.T) {
	pub := &fakePublisher{}
	reg := NewRegistry(pub, nil)

	h, err := reg.Subscribe(types.InboxTopic("42"), noop)
	require.NoError(t, err)
	require.NotNil(t, h)

	// Nothing goes out before the connected callback.
	assert.Empty(t, pub.sent())

	reg.HandleConnected()

	frames := pub.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, types.OpSubscribe, frames[0].Op)
	assert.Equal(t, "/topic/messages/42", frames[0].Topic)
}

func TestSubscribe_ImmediateWhenConnected(t *testing.T) {
	pub := &fakePublisher{}
	reg := NewRegistry(pub, nil)
	reg.HandleConnected()

	_, err := reg.Subscribe(types.BookingTopic("BK100", "hotel"), noop)
	require.NoError(t, err)

	frames := pub.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, "/topic/booking/BK100/type/hotel", frames[0].Topic)
}

func TestSubscribe_DuplicateTopicRejected(t *testing.T) {
	reg := NewRegistry(&fakePublisher{}, nil)

	_, err := reg.Subscribe(types.InboxTopic("42"), noop)
	require.NoError(t, err)

	_, err = reg.Subscribe(types.InboxTopic("42"), noop)
	assert.ErrorIs(t, err, ErrDuplicateTopic)
}

func TestSubscribe_Validation(t *testing.T) {
	reg := NewRegistry(&fakePublisher{}, nil)

	_, err := reg.Subscribe("", noop)
	assert.ErrorIs(t, err, types.ErrInvalidTopic)

	_, err = reg.Subscribe(types.InboxTopic("42"), nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	pub := &fakePublisher{}
	reg := NewRegistry(pub, nil)
	reg.HandleConnected()

	h, err := reg.Subscribe(types.BookingTopic("BK100", "hotel"), noop)
	require.NoError(t, err)
	require.True(t, reg.Active(h.Topic()))

	reg.Unsubscribe(h)
	assert.False(t, reg.Active(h.Topic()))

	// Second unsubscribe and nil handle are no-ops.
	reg.Unsubscribe(h)
	reg.Unsubscribe(nil)

	frames := pub.sent()
	require.Len(t, frames, 2)
	assert.Equal(t, types.OpUnsubscribe, frames[1].Op)

	// Topic is free again after unsubscribe.
	_, err = reg.Subscribe(types.BookingTopic("BK100", "hotel"), noop)
	assert.NoError(t, err)
}

func TestDispatch(t *testing.T) {
	reg := NewRegistry(&fakePublisher{}, nil)

	var got []string
	_, err := reg.Subscribe(types.InboxTopic("42"), func(topic string, body json.RawMessage) {
		got = append(got, string(body))
	})
	require.NoError(t, err)

	reg.Dispatch(types.InboxTopic("42"), json.RawMessage(`{"a":1}`))
	reg.Dispatch(types.InboxTopic("99"), json.RawMessage(`{"b":2}`)) // dropped silently

	assert.Equal(t, []string{`{"a":1}`}, got)
}

func TestHandleConnected_ReplaysAllSubscriptions(t *testing.T) {
	pub := &fakePublisher{}
	reg := NewRegistry(pub, nil)
	reg.HandleConnected()

	_, err := reg.Subscribe(types.InboxTopic("42"), noop)
	require.NoError(t, err)
	_, err = reg.Subscribe(types.BookingTopic("BK100", "hotel"), noop)
	require.NoError(t, err)

	// Transport drops and comes back: both topics replayed.
	reg.HandleDisconnected()
	reg.HandleConnected()

	topics := map[string]int{}
	for _, f := range pub.sent() {
		if f.Op == types.OpSubscribe {
			topics[f.Topic]++
		}
	}
	assert.Equal(t, 2, topics["/topic/messages/42"])
	assert.Equal(t, 2, topics["/topic/booking/BK100/type/hotel"])
}

func TestSubscribe_WhileDisconnectedDoesNotPublish(t *testing.T) {
	pub := &fakePublisher{}
	reg := NewRegistry(pub, nil)
	reg.HandleConnected()
	reg.HandleDisconnected()

	h, err := reg.Subscribe(types.InboxTopic("42"), noop)
	require.NoError(t, err)
	assert.Empty(t, pub.sent())

	// Unsubscribe while down sends nothing either.
	reg.Unsubscribe(h)
	assert.Empty(t, pub.sent())
}
