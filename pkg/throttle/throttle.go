// Package throttle implements the Throttle Manager: a per-domain sliding
// hourly request budget with progressive exponential back-off on
// violation.
//
// Grounded on the teacher's pkg/backend/memory.go time-based cache state
// (MemoryCertCache's expiresAt bookkeeping under a mutex, generalized
// here from a single TTL check to a sliding window plus a decaying
// violation counter) and on afterdarksys-apiproxyd's daemon rate-limiter
// shape for the backoff formula.
package throttle

import (
	"sync"
	"time"
)

const (
	// DefaultBaseDelay is the back-off applied after the first violation.
	DefaultBaseDelay = time.Second
	// DefaultDecayInterval is how long a domain must go without a new
	// violation before its violation counter resets to zero.
	DefaultDecayInterval = 10 * time.Minute
)

// State is a point-in-time snapshot of a domain's throttle bookkeeping.
type State struct {
	Domain              string
	Violations          int
	CurrentDelaySeconds int
	LastViolationAt     time.Time
	TotalRequests       int64
	WindowRequestCount  int
}

// domainState is the live, mutex-guarded bookkeeping for one domain.
type domainState struct {
	mu                sync.Mutex
	violations        int
	lastViolationAt   time.Time
	totalRequests     int64
	requestTimestamps []time.Time // sliding one-hour window
}

// Manager is the Throttle Manager. One Manager instance is shared across
// all domains; each domain gets its own lock so that throttle decisions
// for unrelated domains never contend.
type Manager struct {
	mu      sync.Mutex // guards the domains map itself, not its values
	domains map[string]*domainState

	baseDelay       time.Duration
	progressiveMax  time.Duration
	decayInterval   time.Duration
	requestsPerHour func(domain string) int
	clock           func() time.Time
}

// Config configures a Manager.
type Config struct {
	// ProgressiveMaxDelay caps the back-off delay.
	ProgressiveMaxDelay time.Duration
	// BaseDelay is applied after the first violation (default: DefaultBaseDelay).
	BaseDelay time.Duration
	// DecayInterval is the violation-counter reset window (default: DefaultDecayInterval).
	DecayInterval time.Duration
	// RequestsPerHour resolves a domain's hourly budget. Required.
	RequestsPerHour func(domain string) int
	// Clock returns the current time (default: time.Now). Overridable for tests.
	Clock func() time.Time
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	decayInterval := cfg.DecayInterval
	if decayInterval <= 0 {
		decayInterval = DefaultDecayInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		domains:         make(map[string]*domainState),
		baseDelay:       baseDelay,
		progressiveMax:  cfg.ProgressiveMaxDelay,
		decayInterval:   decayInterval,
		requestsPerHour: cfg.RequestsPerHour,
		clock:           clock,
	}
}

func (m *Manager) stateFor(domain string) *domainState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.domains[domain]
	if !ok {
		ds = &domainState{}
		m.domains[domain] = ds
	}
	return ds
}

// ShouldAdmit reports whether a request to domain may proceed right now,
// and if not, how many seconds the caller should wait before retrying.
// A domain under an active exponential back-off cooldown is refused
// regardless of its hourly budget; otherwise admission is refused once
// the sliding one-hour window is at budget.
func (m *Manager) ShouldAdmit(domain string) (admit bool, retryAfterSeconds int) {
	ds := m.stateFor(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := m.clock()
	m.decayLocked(ds, now)

	if ds.violations > 0 {
		delay := m.currentDelayLocked(ds)
		elapsed := now.Sub(ds.lastViolationAt)
		if elapsed < delay {
			return false, int((delay - elapsed).Seconds()) + 1
		}
	}

	ds.requestTimestamps = pruneWindow(ds.requestTimestamps, now)
	limit := m.requestsPerHour(domain)
	if limit > 0 && len(ds.requestTimestamps) >= limit {
		// Exceeding the sliding-window budget is itself a violation: it
		// must grow the same progressive back-off an upstream 429 would,
		// not just return a flat, non-escalating retry delay.
		m.recordViolationLocked(ds, now)
		return false, 60
	}

	return true, 0
}

// RecordAdmission records that a request against domain was let through.
// Call this only after ShouldAdmit returned true for the same request.
func (m *Manager) RecordAdmission(domain string) {
	ds := m.stateFor(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := m.clock()
	ds.requestTimestamps = append(pruneWindow(ds.requestTimestamps, now), now)
	ds.totalRequests++
}

// RecordViolation records a throttle violation for domain — either the
// caller exceeded the hourly budget, or the upstream itself returned 429.
// Each violation doubles the back-off delay, capped at ProgressiveMaxDelay.
func (m *Manager) RecordViolation(domain string) {
	ds := m.stateFor(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := m.clock()
	m.decayLocked(ds, now)
	m.recordViolationLocked(ds, now)
}

// recordViolationLocked is RecordViolation's bookkeeping, callable from
// paths (like ShouldAdmit's budget check) that already hold ds.mu.
func (m *Manager) recordViolationLocked(ds *domainState, now time.Time) {
	ds.violations++
	ds.lastViolationAt = now
}

// decayLocked resets the violation counter once DecayInterval has elapsed
// since the last violation. Caller must hold ds.mu.
func (m *Manager) decayLocked(ds *domainState, now time.Time) {
	if ds.violations > 0 && !ds.lastViolationAt.IsZero() && now.Sub(ds.lastViolationAt) >= m.decayInterval {
		ds.violations = 0
	}
}

// currentDelayLocked computes min(baseDelay * 2^(violations-1), progressiveMax).
// Caller must hold ds.mu.
func (m *Manager) currentDelayLocked(ds *domainState) time.Duration {
	if ds.violations <= 0 {
		return 0
	}
	delay := m.baseDelay
	for i := 1; i < ds.violations; i++ {
		delay *= 2
		if m.progressiveMax > 0 && delay >= m.progressiveMax {
			return m.progressiveMax
		}
	}
	if m.progressiveMax > 0 && delay > m.progressiveMax {
		return m.progressiveMax
	}
	return delay
}

// pruneWindow drops timestamps older than one hour.
func pruneWindow(timestamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	pruned := timestamps[:0:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	return pruned
}

// State returns a snapshot of domain's current throttle bookkeeping.
func (m *Manager) State(domain string) State {
	ds := m.stateFor(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := m.clock()
	m.decayLocked(ds, now)

	return State{
		Domain:              domain,
		Violations:          ds.violations,
		CurrentDelaySeconds: int(m.currentDelayLocked(ds).Seconds()),
		LastViolationAt:     ds.lastViolationAt,
		TotalRequests:       ds.totalRequests,
		WindowRequestCount:  len(pruneWindow(ds.requestTimestamps, now)),
	}
}
