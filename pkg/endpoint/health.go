package endpoint

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Health is a point-in-time copy of one endpoint's breaker.
type Health struct {
	EndpointID    string    `json:"endpoint_id"`
	FailCount     int       `json:"fail_count"`
	State         State     `json:"state"`
	CircuitOpen   bool      `json:"circuit_open"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

type breaker struct {
	failCount     int
	state         State
	openedAt      time.Time
	lastFailureAt time.Time
	lastSuccessAt time.Time
	trialInFlight bool
}

// HealthTracker holds in-memory circuit breakers keyed by endpoint id. It is
// shared by every request of the process and cleared on restart.
type HealthTracker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewHealthTracker(threshold int, cooldown time.Duration) *HealthTracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &HealthTracker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		breakers:  map[string]*breaker{},
	}
}

// Register creates closed breakers for ids so they show up in snapshots
// before their first request.
func (t *HealthTracker) Register(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.getLocked(id)
	}
}

func (t *HealthTracker) getLocked(id string) *breaker {
	b, ok := t.breakers[id]
	if !ok {
		b = &breaker{state: StateClosed}
		t.breakers[id] = b
	}
	return b
}

// IsAvailable reports whether a request may be sent to id. An open breaker
// whose cooldown has elapsed moves to half-open and admits exactly one trial.
func (t *HealthTracker) IsAvailable(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.getLocked(id)
	switch b.state {
	case StateOpen:
		if t.now().Sub(b.openedAt) < t.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

// Peek is IsAvailable without side effects: it never consumes the half-open
// trial.
func (t *HealthTracker) Peek(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.breakers[id]
	if !ok {
		return true
	}
	switch b.state {
	case StateOpen:
		return t.now().Sub(b.openedAt) >= t.cooldown
	case StateHalfOpen:
		return !b.trialInFlight
	default:
		return true
	}
}

func (t *HealthTracker) RecordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.getLocked(id)
	b.failCount = 0
	b.state = StateClosed
	b.trialInFlight = false
	b.lastSuccessAt = t.now().UTC()
}

func (t *HealthTracker) RecordFailure(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.getLocked(id)
	now := t.now()
	b.failCount++
	b.lastFailureAt = now.UTC()
	b.trialInFlight = false
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
	case StateClosed:
		if b.failCount >= t.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateOpen:
		b.openedAt = now
	}
}

// Release gives back a half-open trial that ended without an outcome, such
// as a request cancelled by its caller.
func (t *HealthTracker) Release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[id]; ok {
		b.trialInFlight = false
	}
}

func (t *HealthTracker) Get(id string) Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.breakers[id]
	if !ok {
		return Health{EndpointID: id, State: StateClosed}
	}
	return b.snapshot(id)
}

// Snapshot returns every known breaker sorted by endpoint id.
func (t *HealthTracker) Snapshot() []Health {
	t.mu.Lock()
	out := make([]Health, 0, len(t.breakers))
	for id, b := range t.breakers {
		out = append(out, b.snapshot(id))
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

func (b *breaker) snapshot(id string) Health {
	return Health{
		EndpointID:    id,
		FailCount:     b.failCount,
		State:         b.state,
		CircuitOpen:   b.state != StateClosed,
		LastFailureAt: b.lastFailureAt,
		LastSuccessAt: b.lastSuccessAt,
	}
}
