package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripstream/internal/api"
	"tripstream/internal/broker"
	"tripstream/internal/directory"
	"tripstream/internal/history"
	"tripstream/internal/identity"
	"tripstream/internal/tracker"
	"tripstream/internal/transport"
	"tripstream/pkg/types"
)

// coreFixture runs a full in-process broker: websocket endpoint, history
// store and collaborator API behind one listener.
type coreFixture struct {
	brk    *broker.Server
	signer *identity.Signer
	wsURL  string
	apiURL string
}

func newCore(t *testing.T) *coreFixture {
	t.Helper()

	store, err := history.NewStore(filepath.Join(t.TempDir(), "core.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	signer, err := identity.NewSigner("test-secret", time.Hour)
	require.NoError(t, err)

	brk := broker.NewServer(broker.NewHub(nil, nil), store, signer, 100, 100, nil)
	mux := http.NewServeMux()
	api.NewServer(store, brk, signer, nil).Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &coreFixture{
		brk:    brk,
		signer: signer,
		wsURL:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		apiURL: ts.URL + "/api",
	}
}

// login builds a session for userID and connects it.
func (f *coreFixture) login(t *testing.T, userID, name string) *Session {
	t.Helper()
	token, err := f.signer.Mint(userID, name, name+"@test.example")
	require.NoError(t, err)

	dir := directory.NewClient(f.apiURL, token, time.Second)
	sess := New(transport.Options{
		BrokerURL:      f.wsURL,
		Heartbeat:      time.Second,
		ReconnectDelay: 100 * time.Millisecond,
	}, dir, nil)
	t.Cleanup(sess.Close)

	require.NoError(t, sess.Login(context.Background(), Credentials{UserID: userID, Token: token}))
	require.Equal(t, transport.StateConnected, sess.State())
	return sess
}

func TestChatBetweenTwoSessions(t *testing.T) {
	f := newCore(t)
	alice := f.login(t, "42", "Alex")
	bob := f.login(t, "7", "Andes Tours")

	aliceStore, err := alice.Store()
	require.NoError(t, err)
	bobStore, err := bob.Store()
	require.NoError(t, err)
	bobNotif, err := bob.Notifications()
	require.NoError(t, err)

	_, err = aliceStore.Send(context.Background(), "7", "is the trek available in June?")
	require.NoError(t, err)

	// Bob's session builds the conversation from the live frame and the
	// partner lookup.
	require.Eventually(t, func() bool {
		return len(bobStore.List()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	convs := bobStore.List()
	assert.Equal(t, "42", convs[0].PartnerID)
	assert.Equal(t, "is the trek available in June?", convs[0].LastMessage)
	assert.Equal(t, 1, convs[0].UnreadCount)

	select {
	case n := <-bobNotif:
		assert.Equal(t, "42", n.PartnerID)
		assert.True(t, n.PlaySound)
		assert.Equal(t, 1, n.TotalUnread)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a notification for the inbound message")
	}

	// Alice's own echo from the broker is absorbed by the duplicate window:
	// one conversation, nothing unread.
	require.Eventually(t, func() bool {
		return len(aliceStore.List()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, aliceStore.TotalUnread())
}

func TestSelectConversation_LoadsPersistedHistory(t *testing.T) {
	f := newCore(t)
	alice := f.login(t, "42", "Alex")
	bob := f.login(t, "7", "Andes Tours")

	aliceStore, err := alice.Store()
	require.NoError(t, err)
	bobStore, err := bob.Store()
	require.NoError(t, err)

	_, err = aliceStore.Send(context.Background(), "7", "first")
	require.NoError(t, err)
	_, err = aliceStore.Send(context.Background(), "7", "second")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		convs := bobStore.List()
		return len(convs) == 1 && convs[0].UnreadCount == 2
	}, 2*time.Second, 20*time.Millisecond)

	conv, err := bobStore.SelectConversation(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "first", conv.Messages[0].Content)
	assert.Equal(t, "second", conv.Messages[1].Content)
	assert.Equal(t, 0, conv.UnreadCount)
	assert.Equal(t, "Alex", conv.PartnerName)
}

func TestCheckReachable(t *testing.T) {
	f := newCore(t)
	alice := f.login(t, "42", "Alex")
	f.login(t, "7", "Andes Tours")

	summary, err := alice.CheckReachable(context.Background(), "Andes Tours@test.example")
	require.NoError(t, err)
	assert.Equal(t, "7", summary.PartnerID)

	_, err = alice.CheckReachable(context.Background(), "nobody@test.example")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestTracker_Confirmed(t *testing.T) {
	f := newCore(t)
	alice := f.login(t, "42", "Alex")

	tr, err := alice.OpenTracker("BK100", "hotel", nil)
	require.NoError(t, err)

	// The subscribe frame races the publish; re-publishing until the
	// terminal state lands keeps the test deterministic.
	require.Eventually(t, func() bool {
		_ = f.brk.PublishStatus("BK100", "hotel", types.StatusUpdate{Status: types.BookingStatusConfirmed})
		return tr.Snapshot().State == tracker.StateConfirmed
	}, 3*time.Second, 50*time.Millisecond)

	snap := tr.Snapshot()
	assert.Equal(t, 100, snap.Progress)
	assert.Empty(t, snap.FailureReason)
}

func TestTracker_FailedWithReason(t *testing.T) {
	f := newCore(t)
	alice := f.login(t, "42", "Alex")

	tr, err := alice.OpenTracker("BK200", "hotel", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = f.brk.PublishStatus("BK200", "hotel", types.StatusUpdate{
			Status: types.BookingStatusFailed, FailureReason: "Room unavailable",
		})
		return tr.Snapshot().State == tracker.StateFailed
	}, 3*time.Second, 50*time.Millisecond)

	assert.Equal(t, "Room unavailable", tr.Snapshot().FailureReason)
	assert.Equal(t, 100, tr.Snapshot().Progress)
}

func TestTracker_Lifecycle(t *testing.T) {
	f := newCore(t)
	alice := f.login(t, "42", "Alex")

	_, err := alice.OpenTracker("BK300", "flight", nil)
	require.NoError(t, err)

	_, err = alice.OpenTracker("BK300", "flight", nil)
	assert.ErrorIs(t, err, ErrTrackerExists)

	alice.CloseTracker("BK300", "flight")
	_, err = alice.OpenTracker("BK300", "flight", nil)
	assert.NoError(t, err)

	_, err = alice.OpenTracker("", "flight", nil)
	assert.ErrorIs(t, err, tracker.ErrMissingBookingRef)
}

func TestSession_RequiresLogin(t *testing.T) {
	f := newCore(t)
	sess := New(transport.Options{BrokerURL: f.wsURL}, directory.NewClient(f.apiURL, "", time.Second), nil)
	t.Cleanup(sess.Close)

	_, err := sess.Store()
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	_, err = sess.Notifications()
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	_, err = sess.OpenTracker("BK100", "hotel", nil)
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	assert.ErrorIs(t, sess.Login(context.Background(), Credentials{}), types.ErrInvalidUserID)
}

func TestLogin_Idempotent(t *testing.T) {
	f := newCore(t)
	alice := f.login(t, "42", "Alex")

	store1, err := alice.Store()
	require.NoError(t, err)

	token, err := f.signer.Mint("42", "Alex", "Alex@test.example")
	require.NoError(t, err)
	require.NoError(t, alice.Login(context.Background(), Credentials{UserID: "42", Token: token}))

	store2, err := alice.Store()
	require.NoError(t, err)
	assert.Same(t, store1, store2)
}

func TestLogin_RejectedTokenFailsTrackers(t *testing.T) {
	f := newCore(t)

	dir := directory.NewClient(f.apiURL, "", time.Second)
	sess := New(transport.Options{BrokerURL: f.wsURL}, dir, nil)
	t.Cleanup(sess.Close)

	// Garbage token: the handshake is rejected and not retried.
	err := sess.Login(context.Background(), Credentials{UserID: "42", Token: "garbage"})
	require.ErrorIs(t, err, transport.ErrHandshakeFailed)
	assert.Equal(t, transport.StateFailed, sess.State())

	// A tracker opened on a failed transport terminates immediately with
	// progress frozen, not forced to completion.
	tr, err := sess.OpenTracker("BK100", "hotel", nil)
	require.NoError(t, err)
	snap := tr.Snapshot()
	assert.Equal(t, tracker.StateConnectionError, snap.State)
	assert.Equal(t, 0, snap.Progress)
}

func TestLogout_DiscardsState(t *testing.T) {
	f := newCore(t)
	alice := f.login(t, "42", "Alex")

	_, err := alice.OpenTracker("BK100", "hotel", nil)
	require.NoError(t, err)

	alice.Logout()
	assert.Equal(t, transport.StateDisconnected, alice.State())

	_, err = alice.Store()
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	_, err = alice.OpenTracker("BK100", "hotel", nil)
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}
