package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
	pubmemory "github.com/JakeFAU/portal-extractor/internal/publisher/memory"
)

func testConfig() Config {
	return Config{
		Workers:     2,
		Buffer:      8,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Timeout:     time.Second,
		UserAgent:   "test-agent",
		Topic:       "events",
	}
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcherDeliversEvent(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received []extractor.Event
		agents   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev extractor.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, ev)
		agents = append(agents, r.Header.Get("User-Agent"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := New(testConfig(), nil, zap.NewNop())
	startDispatcher(t, d)

	d.Notify(srv.URL, extractor.Event{ID: "job-1", Status: extractor.EventStarted})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "job-1", received[0].ID)
	assert.Equal(t, extractor.EventStarted, received[0].Status)
	assert.Equal(t, "test-agent", agents[0])
}

func TestDispatcherRetriesNon2xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(testConfig(), nil, zap.NewNop())
	startDispatcher(t, d)

	d.Notify(srv.URL, extractor.Event{ID: "job-2", Status: extractor.EventCompleted})

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestDispatcherStopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(testConfig(), nil, zap.NewNop())
	startDispatcher(t, d)

	d.Notify(srv.URL, extractor.Event{ID: "job-3", Status: extractor.EventFailed})

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcherNotifyDropsWhenFull(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Buffer = 1
	d := New(cfg, nil, zap.NewNop())

	d.Notify("http://example.invalid", extractor.Event{ID: "a"})
	d.Notify("http://example.invalid", extractor.Event{ID: "b"})

	assert.Equal(t, 1, d.Pending())
}

func TestDispatcherMirrorsToPublisher(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	d := New(testConfig(), pub, zap.NewNop())
	startDispatcher(t, d)

	d.Notify("", extractor.Event{ID: "job-4", Status: extractor.EventWaitingCaptcha, ResolutionURL: "https://x/solve/1"})

	require.Eventually(t, func() bool { return len(pub.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := pub.Messages()[0]
	assert.Equal(t, "events", msg.Topic)
	assert.Equal(t, "job-4", msg.Attributes["job_id"])
	assert.Equal(t, "waiting-captcha", msg.Attributes["status"])
	ev, ok := msg.Payload.(extractor.Event)
	require.True(t, ok)
	assert.Equal(t, "https://x/solve/1", ev.ResolutionURL)
}
