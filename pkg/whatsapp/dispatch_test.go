package whatsapp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readySession(t *testing.T, handle *fakeHandle) (*Session, *[]time.Duration) {
	t.Helper()

	reg := NewRegistry(fakeFactory(handle))
	session, err := reg.Resolve("dispatch-test-" + t.Name())
	require.NoError(t, err)

	var slept []time.Duration
	session.sleep = func(d time.Duration) {
		slept = append(slept, d)
	}
	session.delay = DelayConfig{MinMS: 100, MaxMS: 200, JitterMS: 50}
	session.transition(EventReady, "")
	return session, &slept
}

func TestDispatchOrderedResults(t *testing.T) {
	handle := &fakeHandle{}
	session, _ := readySession(t, handle)

	recipients := []Recipient{
		{Phone: "+1 (555) 111-2222", ContactID: "c1"},
		{Phone: "15553334444", ContactID: "c2"},
		{Phone: "1555 555 6666", ContactID: "c3"},
	}

	results, err := session.Dispatch(context.Background(), "hello", recipients)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, result := range results {
		assert.Equal(t, recipients[i].ContactID, result.ContactID)
		assert.Equal(t, recipients[i].Phone, result.Phone)
		assert.True(t, result.Success)
		assert.Empty(t, result.Error)
	}
	assert.Equal(t, []string{"15551112222", "15553334444", "15555556666"}, handle.sent)
}

func TestDispatchDelaysBetweenSendsOnly(t *testing.T) {
	handle := &fakeHandle{}
	session, slept := readySession(t, handle)

	recipients := []Recipient{
		{Phone: "15551110001"},
		{Phone: "15551110002"},
		{Phone: "15551110003"},
	}

	_, err := session.Dispatch(context.Background(), "hello", recipients)
	require.NoError(t, err)

	// No pause before the first send.
	require.Len(t, *slept, 2)
	for _, d := range *slept {
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestDispatchInvalidPhoneFailsLocally(t *testing.T) {
	handle := &fakeHandle{}
	session, slept := readySession(t, handle)

	results, err := session.Dispatch(context.Background(), "hello", []Recipient{
		{Phone: "garbage", ContactID: "c1"},
		{Phone: "---", ContactID: "c2"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, result := range results {
		assert.False(t, result.Success)
		assert.Equal(t, "Invalid phone", result.Error)
	}
	// Invalid entries never reach the driver and never burn a delay slot.
	assert.Empty(t, handle.sent)
	assert.Empty(t, *slept)
}

func TestDispatchIsolatesFailures(t *testing.T) {
	handle := &fakeHandle{failWith: errors.New("rate limited upstream")}
	session, _ := readySession(t, handle)

	results, err := session.Dispatch(context.Background(), "hello", []Recipient{
		{Phone: "15551110001", ContactID: "c1"},
		{Phone: "15551110002", ContactID: "c2"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, result := range results {
		assert.False(t, result.Success)
		assert.Equal(t, "rate limited upstream", result.Error)
	}
}

func TestDispatchRequiresReadySession(t *testing.T) {
	handle := &fakeHandle{}
	reg := NewRegistry(fakeFactory(handle))
	session, err := reg.Resolve("not-ready")
	require.NoError(t, err)

	_, err = session.Dispatch(context.Background(), "hello", []Recipient{{Phone: "15551110001"}})
	assert.ErrorIs(t, err, ErrSessionNotReady)
	assert.Empty(t, handle.sent)
}

func TestDispatchValidatesInput(t *testing.T) {
	handle := &fakeHandle{}
	session, _ := readySession(t, handle)

	_, err := session.Dispatch(context.Background(), "", []Recipient{{Phone: "15551110001"}})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = session.Dispatch(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrNoRecipients)

	assert.Empty(t, handle.sent)
}

func TestSendTextSingle(t *testing.T) {
	handle := &fakeHandle{}
	session, _ := readySession(t, handle)

	require.NoError(t, session.SendText(context.Background(), "+1 555 777 8888", "pong"))
	assert.Equal(t, []string{"15557778888"}, handle.sent)

	assert.Error(t, session.SendText(context.Background(), "no digits", "pong"))

	session.transition(EventDisconnected, "gone")
	assert.ErrorIs(t, session.SendText(context.Background(), "15557778888", "pong"), ErrSessionNotReady)
}

func TestRandomDelayBounds(t *testing.T) {
	cfg := DelayConfig{MinMS: 1000, MaxMS: 2000, JitterMS: 500}

	for i := 0; i < 500; i++ {
		d := randomDelay(cfg)
		assert.GreaterOrEqual(t, d, 1000*time.Millisecond)
		// Base is exclusive of max, jitter inclusive of its bound.
		assert.LessOrEqual(t, d, 2499*time.Millisecond)
	}
}

func TestRandomDelayDegenerateConfig(t *testing.T) {
	d := randomDelay(DelayConfig{MinMS: 500, MaxMS: 500, JitterMS: 0})
	assert.Equal(t, 500*time.Millisecond, d)

	// Inverted bounds collapse to the minimum.
	d = randomDelay(DelayConfig{MinMS: 500, MaxMS: 100, JitterMS: 0})
	assert.Equal(t, 500*time.Millisecond, d)
}
