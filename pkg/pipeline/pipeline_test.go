package pipeline

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grokify/apibuddy/pkg/cache"
	"github.com/grokify/apibuddy/pkg/config"
	"github.com/grokify/apibuddy/pkg/metrics"
	"github.com/grokify/apibuddy/pkg/security"
	"github.com/grokify/apibuddy/pkg/store"
	"github.com/grokify/apibuddy/pkg/throttle"
)

func newTestPipeline(t *testing.T, upstreamURL string) (*Pipeline, *metrics.Sink) {
	t.Helper()

	s, err := store.Open(store.Config{DatabasePath: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	c := cache.New(cache.Config{Store: s, MaxEntries: 1000, MaxResponseSize: 1 << 20})
	gate, err := security.New(false, "")
	if err != nil {
		t.Fatalf("security.New: %v", err)
	}
	th := throttle.New(throttle.Config{RequestsPerHour: func(string) int { return 1000 }})
	m := metrics.New(metrics.Config{})

	cfg := config.DefaultConfig()
	cfg.DomainMappings["cn"] = config.DomainMapping{Upstream: upstreamURL, TTLSeconds: 3600}

	p := New(Config{
		Config:   cfg,
		Gate:     gate,
		Cache:    c,
		Throttle: th,
		Metrics:  m,
	})
	return p, m
}

func TestPipelineMissThenHit(t *testing.T) {
	var upstreamCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	p, m := newTestPipeline(t, upstream.URL)

	req1 := httptest.NewRequest(http.MethodGet, "/cn/v1/items", nil)
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)

	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec1.Code)
	}
	if rec1.Header().Get("X-Apibuddy-Cache") != "MISS" {
		t.Errorf("expected first request to be a MISS, got %q", rec1.Header().Get("X-Apibuddy-Cache"))
	}

	req2 := httptest.NewRequest(http.MethodGet, "/cn/v1/items", nil)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)

	if rec2.Header().Get("X-Apibuddy-Cache") != "HIT" {
		t.Errorf("expected second request to be a HIT, got %q", rec2.Header().Get("X-Apibuddy-Cache"))
	}
	if rec2.Body.String() != `{"ok":true}` {
		t.Errorf("unexpected cached body: %s", rec2.Body.String())
	}

	if calls := atomic.LoadInt32(&upstreamCalls); calls != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", calls)
	}

	snap := m.Snapshot()
	if snap["cn"].Hits != 1 || snap["cn"].Misses != 1 {
		t.Errorf("unexpected metrics snapshot: %+v", snap["cn"])
	}

	events := m.RecentEvents(100)
	counted := map[metrics.Outcome]int{}
	for _, e := range events {
		counted[e.Outcome]++
	}
	for _, want := range []metrics.Outcome{
		metrics.OutcomeRequestReceived,
		metrics.OutcomeAuthPass,
		metrics.OutcomeCacheStore,
	} {
		if counted[want] == 0 {
			t.Errorf("expected at least one %q event, got none (events: %+v)", want, events)
		}
	}
}

func TestPipelineUnknownAliasReturns404(t *testing.T) {
	p, _ := newTestPipeline(t, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, "/unknown/v1/items", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown alias, got %d", rec.Code)
	}
}

func TestPipelineUpstreamErrorReturns502(t *testing.T) {
	p, _ := newTestPipeline(t, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, "/cn/v1/items", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for unreachable upstream, got %d", rec.Code)
	}
}

func TestPipelineCoalescesConcurrentIdenticalMisses(t *testing.T) {
	var upstreamCalls int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	p, _ := newTestPipeline(t, upstream.URL)

	const concurrency = 5
	var wg sync.WaitGroup
	recs := make([]*httptest.ResponseRecorder, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/cn/v1/items", nil)
			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, req)
			recs[i] = rec
		}(i)
	}

	// Give every goroutine a chance to reach the upstream handler and
	// block there before releasing them all at once.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls := atomic.LoadInt32(&upstreamCalls); calls != 1 {
		t.Errorf("expected exactly 1 upstream call for %d concurrent identical requests, got %d", concurrency, calls)
	}
	for i, rec := range recs {
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestPipelineThrottleRefusesOverBudget(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s, err := store.Open(store.Config{DatabasePath: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	c := cache.New(cache.Config{Store: s, MaxEntries: 1000, MaxResponseSize: 1 << 20})
	gate, _ := security.New(false, "")
	th := throttle.New(throttle.Config{RequestsPerHour: func(string) int { return 1 }})
	m := metrics.New(metrics.Config{})

	cfg := config.DefaultConfig()
	cfg.DomainMappings["cn"] = config.DomainMapping{Upstream: upstream.URL, TTLSeconds: 3600}

	p := New(Config{Config: cfg, Gate: gate, Cache: c, Throttle: th, Metrics: m})

	for i := 0; i < 2; i++ {
		// Distinct paths so each request is its own cache miss and actually
		// reaches the throttle check.
		req := httptest.NewRequest(http.MethodGet, "/cn/v1/items/"+string(rune('a'+i)), nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		if i == 0 && rec.Code != http.StatusOK {
			t.Fatalf("expected first request to succeed, got %d", rec.Code)
		}
		if i == 1 && rec.Code != http.StatusTooManyRequests {
			t.Errorf("expected second request to be throttled, got %d", rec.Code)
		}
	}
}
