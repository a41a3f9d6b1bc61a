// Package tracker follows one in-flight booking through the asynchronous
// confirmation workflow until a terminal outcome.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"tripstream/internal/metrics"
	"tripstream/internal/subscription"
	"tripstream/pkg/types"
)

// State is the tracker's position in the confirmation workflow.
type State int

const (
	StatePending State = iota
	StateConfirmed
	StateFailed
	// StateConnectionError means the transport itself failed. It is
	// terminal for the tracker but distinct from a business failure.
	StateConnectionError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateConnectionError:
		return "connection_error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can occur.
func (s State) Terminal() bool {
	return s != StatePending
}

// Progress cadence. The value is cosmetic liveness feedback only: it rises
// on a fixed tick while pending, never reaching 100 until a business
// outcome arrives.
const (
	progressTick = 700 * time.Millisecond
	progressStep = 7
	progressCap  = 90
)

// Snapshot is a point-in-time view of a tracker for the UI.
type Snapshot struct {
	BookingCode   string
	BookingType   string
	State         State
	Progress      int
	FailureReason string
}

// Subscriptions is the slice of the registry a tracker needs.
type Subscriptions interface {
	Subscribe(topic string, h subscription.Handler) (*subscription.Handle, error)
	Unsubscribe(h *subscription.Handle)
}

// Tracker is the per-booking state machine. Create one when a confirmation
// screen opens and Stop it when the screen is left; terminal states release
// the subscription on their own.
type Tracker struct {
	code        string
	bookingType string
	subs        Subscriptions
	logger      *slog.Logger

	mu       sync.Mutex
	state    State
	progress int
	reason   string
	handle   *subscription.Handle
	stopCh   chan struct{}
	stopped  bool
	onUpdate func(Snapshot)
}

// New creates a tracker. Both the booking code and type are required; a
// caller missing either must redirect to the listing view instead.
func New(code, bookingType string, subs Subscriptions, logger *slog.Logger) (*Tracker, error) {
	if code == "" || bookingType == "" {
		return nil, ErrMissingBookingRef
	}
	if subs == nil {
		return nil, ErrNilSubscriptions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		code:        code,
		bookingType: bookingType,
		subs:        subs,
		logger:      logger,
		state:       StatePending,
		stopCh:      make(chan struct{}),
	}, nil
}

// OnUpdate registers a single observer called after every visible change.
// It must be set before Start.
func (t *Tracker) OnUpdate(fn func(Snapshot)) {
	t.mu.Lock()
	t.onUpdate = fn
	t.mu.Unlock()
}

// Start subscribes to the booking's status topic and begins the progress
// cadence. The subscribe request is queued by the registry when the
// transport is still connecting.
func (t *Tracker) Start() error {
	handle, err := t.subs.Subscribe(types.BookingTopic(t.code, t.bookingType), t.handleFrame)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state.Terminal() || t.stopped {
		t.mu.Unlock()
		t.subs.Unsubscribe(handle)
		return nil
	}
	t.handle = handle
	t.mu.Unlock()

	go t.progressLoop()
	return nil
}

// handleFrame consumes one status frame off the booking topic.
func (t *Tracker) handleFrame(topic string, body json.RawMessage) {
	var update types.StatusUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		t.logger.Warn("dropping malformed status frame", "booking", t.code, "error", err)
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}
	metrics.FramesRouted.WithLabelValues("booking").Inc()

	switch update.Status {
	case types.BookingStatusConfirmed:
		t.finish(StateConfirmed, "")
	case types.BookingStatusFailed:
		t.finish(StateFailed, update.FailureReason)
	case types.BookingStatusPending, types.BookingStatusCancelled:
		// No transition: pending is where we already are, and a cancel
		// arrives through the booking flow, not this tracker.
	default:
		t.logger.Debug("ignoring unknown status", "booking", t.code, "status", update.Status)
		metrics.FramesDropped.WithLabelValues("unknown_status").Inc()
	}
}

// MarkConnectionError transitions to the transport-failure terminal state.
// Progress is frozen where it was, not forced to 100.
func (t *Tracker) MarkConnectionError() {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = StateConnectionError
	handle := t.releaseLocked()
	snap := t.snapshotLocked()
	fn := t.onUpdate
	t.mu.Unlock()

	if handle != nil {
		t.subs.Unsubscribe(handle)
	}
	if fn != nil {
		fn(snap)
	}
	t.logger.Warn("booking tracker hit connection error", "booking", t.code)
}

// Stop releases the tracker when the owning view is torn down. Frames that
// arrive afterwards are dropped by the registry.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	handle := t.releaseLocked()
	t.mu.Unlock()

	if handle != nil {
		t.subs.Unsubscribe(handle)
	}
}

// Snapshot returns the current view of the tracker.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		BookingCode:   t.code,
		BookingType:   t.bookingType,
		State:         t.state,
		Progress:      t.progress,
		FailureReason: t.reason,
	}
}

// finish applies a terminal business outcome exactly once.
func (t *Tracker) finish(state State, reason string) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.reason = reason
	t.progress = 100
	handle := t.releaseLocked()
	snap := t.snapshotLocked()
	fn := t.onUpdate
	t.mu.Unlock()

	if handle != nil {
		t.subs.Unsubscribe(handle)
	}
	if fn != nil {
		fn(snap)
	}
	t.logger.Info("booking tracker finished", "booking", t.code, "state", state.String())
}

// releaseLocked stops the cadence and detaches the subscription handle.
// Caller holds t.mu and must perform the unsubscribe itself.
func (t *Tracker) releaseLocked() *subscription.Handle {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	handle := t.handle
	t.handle = nil
	return handle
}

// progressLoop advances the cosmetic progress value while pending.
func (t *Tracker) progressLoop() {
	ticker := time.NewTicker(progressTick)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.state.Terminal() {
				t.mu.Unlock()
				return
			}
			if t.progress < progressCap {
				t.progress += progressStep
				if t.progress > progressCap {
					t.progress = progressCap
				}
			}
			snap := t.snapshotLocked()
			fn := t.onUpdate
			t.mu.Unlock()

			if fn != nil {
				fn(snap)
			}
		}
	}
}
