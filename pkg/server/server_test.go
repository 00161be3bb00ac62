package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/grokify/apibuddy/pkg/config"
)

func newTestConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Cache.DatabasePath = ":memory:"
	cfg.DomainMappings["cn"] = config.DomainMapping{Upstream: upstreamURL, TTLSeconds: 3600}
	return cfg
}

func TestNewAndClearCache(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	cfg := newTestConfig(t, upstream.URL)
	s, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.store.Close()

	if err := s.ClearCache(context.Background(), ""); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
}

func TestGetSecureKeyWhenNotRequired(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")
	s, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.store.Close()

	if key, ok := s.GetSecureKey(); key != "" || !ok {
		t.Errorf("expected an always-available empty key when security not required, got (%q, %v)", key, ok)
	}
}

func TestGetMetricsSnapshotReturnsEmptyMapInitially(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")
	s, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.store.Close()

	snap := s.GetMetrics()
	if len(snap) != 0 {
		t.Errorf("expected empty metrics snapshot before any requests, got %+v", snap)
	}
}
