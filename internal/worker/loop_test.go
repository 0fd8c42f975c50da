package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dengon/internal/events"
	"github.com/ashita-ai/dengon/internal/stream"
)

// scriptedHandler fails Handle with handleErr and DeadLetter with deadErr.
type scriptedHandler struct {
	mu        sync.Mutex
	handleErr error
	deadErr   error
	handled   int
	reasons   []string
}

func (h *scriptedHandler) Handle(context.Context, stream.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled++
	return h.handleErr
}

func (h *scriptedHandler) DeadLetter(_ context.Context, _ stream.Entry, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, reason)
	return h.deadErr
}

func newScriptedLoop(t *testing.T, h Handler, maxAttempts int) (*Loop, stream.Bus, *recordingPublisher) {
	t.Helper()
	bus := newTestBus(t)
	pub := &recordingPublisher{}
	l := NewLoop(bus, h, pub, LoopConfig{
		Topic: "test:loop", Group: "g", Block: 10 * time.Millisecond, MaxAttempts: maxAttempts,
	}, testLogger)
	require.NoError(t, bus.EnsureGroup(context.Background(), "test:loop", "g"))
	return l, bus, pub
}

func TestLoopAcksOnSuccess(t *testing.T) {
	h := &scriptedHandler{}
	l, bus, _ := newScriptedLoop(t, h, 3)
	_, err := bus.Publish(context.Background(), "test:loop", map[string]string{stream.FieldMessageID: "m1"})
	require.NoError(t, err)

	n, err := l.Poll(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := bus.Pending(context.Background(), "test:loop", "g")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestLoopDeadLettersWithLastError(t *testing.T) {
	h := &scriptedHandler{handleErr: errors.New("provider timeout")}
	l, bus, pub := newScriptedLoop(t, h, 1)
	tenant := uuid.New()
	id, err := bus.Publish(context.Background(), "test:loop", map[string]string{
		stream.FieldMessageID: "m1", stream.FieldTenantID: tenant.String(),
	})
	require.NoError(t, err)

	_, err = l.Poll(context.Background(), "c1")
	require.NoError(t, err)
	time.Sleep(testClaimTimeout + 50*time.Millisecond)
	_, err = l.Poll(context.Background(), "c1")
	require.NoError(t, err)

	assert.Equal(t, 1, h.handled, "exhausted entry is not handled again")
	assert.Equal(t, []string{"provider timeout"}, h.reasons)

	dead := drain(t, bus, stream.DeadTopic("test:loop"))
	require.Len(t, dead, 1)
	f := dead[0].Fields
	assert.Equal(t, "m1", f[stream.FieldMessageID])
	assert.Equal(t, "test:loop", f[stream.FieldSourceTopic])
	assert.Equal(t, id, f[stream.FieldSourceID])
	assert.Equal(t, "2", f[stream.FieldAttempts])
	assert.Equal(t, "provider timeout", f[stream.FieldLastError])

	deadEvents := pub.ofType(events.TypeDeadLettered)
	require.Len(t, deadEvents, 1)
	assert.Equal(t, tenant, deadEvents[0].TenantID)

	pending, err := bus.Pending(context.Background(), "test:loop", "g")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestLoopFailedFinalizeKeepsEntryAndReason(t *testing.T) {
	h := &scriptedHandler{handleErr: errors.New("smtp 451"), deadErr: errors.New("db down")}
	l, bus, _ := newScriptedLoop(t, h, 1)
	_, err := bus.Publish(context.Background(), "test:loop", map[string]string{stream.FieldMessageID: "m1"})
	require.NoError(t, err)

	_, err = l.Poll(context.Background(), "c1")
	require.NoError(t, err)
	for range 2 {
		time.Sleep(testClaimTimeout + 50*time.Millisecond)
		_, err = l.Poll(context.Background(), "c1")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"smtp 451", "smtp 451"}, h.reasons)
	assert.Empty(t, drain(t, bus, stream.DeadTopic("test:loop")))
	pending, err := bus.Pending(context.Background(), "test:loop", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestParseRef(t *testing.T) {
	tenant, msg := uuid.New(), uuid.New()
	ref, err := parseRef(stream.Entry{Fields: map[string]string{
		stream.FieldTenantID: tenant.String(), stream.FieldMessageID: msg.String(),
	}})
	require.NoError(t, err)
	assert.Equal(t, entryRef{TenantID: tenant, MessageID: msg}, ref)

	_, err = parseRef(stream.Entry{Fields: map[string]string{stream.FieldTenantID: "x"}})
	assert.ErrorIs(t, err, errMalformed)
}
