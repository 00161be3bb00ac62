package metrics

import "testing"

func TestRecordHitUpdatesCounters(t *testing.T) {
	s := New(Config{})
	s.RecordHit("cn", 100)
	s.RecordHit("cn", 50)

	snap := s.Snapshot()
	stats := snap["cn"]
	if stats.Requests != 2 {
		t.Errorf("expected 2 requests, got %d", stats.Requests)
	}
	if stats.Hits != 2 {
		t.Errorf("expected 2 hits, got %d", stats.Hits)
	}
	if stats.BytesServed != 150 {
		t.Errorf("expected 150 bytes served, got %d", stats.BytesServed)
	}
}

func TestRingBufferBoundedByCapacity(t *testing.T) {
	s := New(Config{RingCapacity: 3})
	for i := 0; i < 10; i++ {
		s.RecordMiss("cn")
	}

	events := s.RecentEvents(100)
	if len(events) != 3 {
		t.Fatalf("expected ring buffer bounded at 3, got %d", len(events))
	}
}

func TestHandlerInvokedPerEvent(t *testing.T) {
	s := New(Config{})
	var seen []Outcome
	s.AddHandler(func(e Event) { seen = append(seen, e.Outcome) })

	s.RecordHit("cn", 10)
	s.RecordMiss("cn")
	s.RecordThrottled("cn")

	if len(seen) != 3 {
		t.Fatalf("expected 3 handler invocations, got %d", len(seen))
	}
	if seen[0] != OutcomeHit || seen[1] != OutcomeMiss || seen[2] != OutcomeThrottled {
		t.Errorf("unexpected outcome sequence: %v", seen)
	}
}

func TestDifferentDomainsTrackedSeparately(t *testing.T) {
	s := New(Config{})
	s.RecordHit("cn", 10)
	s.RecordMiss("news")

	snap := s.Snapshot()
	if snap["cn"].Hits != 1 {
		t.Error("expected cn to have 1 hit")
	}
	if snap["news"].Misses != 1 {
		t.Error("expected news to have 1 miss")
	}
}

func TestRequestLifecycleEventsAreRecorded(t *testing.T) {
	s := New(Config{})
	var seen []Outcome
	s.AddHandler(func(e Event) { seen = append(seen, e.Outcome) })

	s.RecordRequestReceived()
	s.RecordAuthPass()
	s.RecordMiss("cn")
	s.RecordCacheStore("cn")

	want := []Outcome{OutcomeRequestReceived, OutcomeAuthPass, OutcomeMiss, OutcomeCacheStore}
	if len(seen) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(seen), seen)
	}
	for i, o := range want {
		if seen[i] != o {
			t.Errorf("event %d: expected %q, got %q", i, o, seen[i])
		}
	}
}

func TestAuthFailIsRecordedSeparatelyFromAuthPass(t *testing.T) {
	s := New(Config{})
	var seen []Outcome
	s.AddHandler(func(e Event) { seen = append(seen, e.Outcome) })

	s.RecordRequestReceived()
	s.RecordAuthFail()

	if len(seen) != 2 || seen[1] != OutcomeAuthFail {
		t.Fatalf("expected [request_received, auth_fail], got %v", seen)
	}
}
