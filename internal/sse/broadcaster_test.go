package sse

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// mockResponseWriter implements http.ResponseWriter and http.Flusher with
// a thread-safe buffer, since fan-out happens off the caller's goroutine.
type mockResponseWriter struct {
	mu      sync.Mutex
	buf     strings.Builder
	header  http.Header
	failing bool
	flushed int

	// delay slows Write down so overlapping calls become observable.
	delay      time.Duration
	writing    atomic.Int32
	overlapped atomic.Bool
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{header: make(http.Header)}
}

func (m *mockResponseWriter) Header() http.Header { return m.header }

func (m *mockResponseWriter) Write(p []byte) (int, error) {
	if m.writing.Add(1) > 1 {
		m.overlapped.Store(true)
	}
	defer m.writing.Add(-1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, http.ErrHandlerTimeout
	}
	return m.buf.Write(p)
}

func (m *mockResponseWriter) WriteHeader(int) {}

func (m *mockResponseWriter) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed++
}

func (m *mockResponseWriter) contents() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

func (m *mockResponseWriter) fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = true
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	w := newMockResponseWriter()
	client, err := b.Subscribe(w, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, 1, b.SubscriberCount("sess-1"))
	assert.Equal(t, 1, b.ClientCount())

	b.Unsubscribe(client)
	assert.Equal(t, 0, b.SubscriberCount("sess-1"))
	assert.Equal(t, 0, b.ClientCount())

	// Unsubscribing twice is harmless.
	b.Unsubscribe(client)
}

func TestPublishDeliversToSessionSubscribers(t *testing.T) {
	b := NewBroadcaster()

	w1 := newMockResponseWriter()
	w2 := newMockResponseWriter()
	other := newMockResponseWriter()

	_, err := b.Subscribe(w1, "sess-1")
	require.NoError(t, err)
	_, err = b.Subscribe(w2, "sess-1")
	require.NoError(t, err)
	_, err = b.Subscribe(other, "sess-2")
	require.NoError(t, err)

	b.Publish(models.NewTokenUpdateEvent("sess-1", 100, "generate", 100))

	// Delivery is asynchronous.
	require.Eventually(t, func() bool {
		return strings.Contains(w1.contents(), "token_update") &&
			strings.Contains(w2.contents(), "token_update")
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, w1.contents(), `"sess-1"`)
	assert.Empty(t, other.contents(), "subscriber of another session must not receive the event")
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster()
	// Must not block or panic.
	b.Publish(models.NewStatusEvent("sess-1", models.SessionStatusActive, models.SessionStatusPaused))
}

func TestPublishDoesNotBlockCaller(t *testing.T) {
	b := NewBroadcaster()
	w := newMockResponseWriter()
	w.fail()
	_, err := b.Subscribe(w, "sess-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		b.Publish(models.NewTokenUpdateEvent("sess-1", 1, "x", 1))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a failing subscriber")
	}
}

func TestDeadClientReaped(t *testing.T) {
	b := NewBroadcaster()
	w := newMockResponseWriter()
	w.fail()
	_, err := b.Subscribe(w, "sess-1")
	require.NoError(t, err)

	b.Publish(models.NewTokenUpdateEvent("sess-1", 1, "x", 1))

	require.Eventually(t, func() bool {
		return b.SubscriberCount("sess-1") == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestConcurrentPublishesSerializedPerClient(t *testing.T) {
	b := NewBroadcaster()
	w := newMockResponseWriter()
	w.delay = 200 * time.Microsecond
	_, err := b.Subscribe(w, "sess-1")
	require.NoError(t, err)

	const publishers = 50
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Publish(models.NewTokenUpdateEvent("sess-1", int64(n), "generate", int64(n)))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return w.contents() != ""
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, w.overlapped.Load(), "writes to one client must never overlap")

	// Delivered frames must be whole, never interleaved fragments.
	body := strings.TrimSuffix(w.contents(), "\n\n")
	for _, frame := range strings.Split(body, "\n\n") {
		assert.True(t, strings.HasPrefix(frame, "data: "), "malformed frame: %q", frame)
	}
}

func TestPublishEventShape(t *testing.T) {
	b := NewBroadcaster()
	w := newMockResponseWriter()
	_, err := b.Subscribe(w, "sess-1")
	require.NoError(t, err)

	b.Publish(models.NewCheckpointEvent(&models.Checkpoint{
		ID:          "cp-1",
		SessionID:   "sess-1",
		Phase:       "analysis",
		PromptCount: 3,
		TokensUsed:  500,
	}))

	require.Eventually(t, func() bool {
		return w.contents() != ""
	}, 2*time.Second, 10*time.Millisecond)

	body := w.contents()
	assert.True(t, strings.HasPrefix(body, "data: "), "SSE frames start with a data field")
	assert.True(t, strings.HasSuffix(body, "\n\n"), "SSE frames end with a blank line")
	assert.Contains(t, body, `"checkpoint"`)
	assert.Contains(t, body, `"analysis"`)
}
