package breaker

import (
	"floodgate/metrics"
	"floodgate/svc/util"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultCleanupInterval = 60 * time.Second
	idleExpiry             = 24 * time.Hour
)

type Config struct {
	Window          time.Duration
	QPSMax          float64
	BanDuration     time.Duration
	CleanupInterval time.Duration
}

// Decision is the result of a single admission check. BanSeconds is only
// set on the call that triggers a new ban; requests rejected during an
// existing ban carry no duration.
type Decision struct {
	Allowed    bool
	BanSeconds int
}

// circuitState tracks one identity. bannedUntil zero means no active ban.
type circuitState struct {
	timestamps   []time.Time
	bannedUntil  time.Time
	failureCount int
	lastFailure  time.Time
}

// CircuitBreaker keeps a sliding request window per opaque identity and
// bans identities whose observed rate exceeds the configured maximum.
// Recovery is lazy: an expired ban is cleared on the next observation.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      Config
	states   map[string]*circuitState
	now      func() time.Time
	quit     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) (*CircuitBreaker, error) {
	if cfg.Window <= 0 {
		return nil, errors.New("breaker window must be positive")
	}
	if cfg.QPSMax <= 0 {
		return nil, errors.New("breaker qps max must be positive")
	}
	if cfg.BanDuration <= 0 {
		return nil, errors.New("breaker ban duration must be positive")
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	b := &CircuitBreaker{
		cfg:    cfg,
		states: make(map[string]*circuitState),
		now:    time.Now,
		quit:   make(chan struct{}),
	}
	go b.cleanupLoop()
	return b, nil
}

// IsOpen reports whether identity is currently rejected. Observing an
// expired ban resets the circuit to a clean state.
func (b *CircuitBreaker) IsOpen(identity string) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpenLocked(identity, now)
}

func (b *CircuitBreaker) isOpenLocked(identity string, now time.Time) bool {
	s, ok := b.states[identity]
	if !ok || s.bannedUntil.IsZero() {
		return false
	}
	if now.Before(s.bannedUntil) {
		return true
	}
	s.bannedUntil = time.Time{}
	s.failureCount = 0
	s.timestamps = s.timestamps[:0]
	return false
}

// RecordRequest is the sole admission decision point.
func (b *CircuitBreaker) RecordRequest(identity string) Decision {
	return b.admit(identity, b.cfg.QPSMax)
}

// admit runs the shared admission logic against an explicit threshold, so
// adaptive callers can tighten it without touching shared configuration.
func (b *CircuitBreaker) admit(identity string, qpsMax float64) Decision {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isOpenLocked(identity, now) {
		return Decision{Allowed: false}
	}
	s, ok := b.states[identity]
	if !ok {
		s = &circuitState{}
		b.states[identity] = s
	}
	s.timestamps = append(s.timestamps, now)
	cutoff := now.Add(-b.cfg.Window)
	drop := 0
	for drop < len(s.timestamps) && s.timestamps[drop].Before(cutoff) {
		drop++
	}
	if drop > 0 {
		s.timestamps = append(s.timestamps[:0], s.timestamps[drop:]...)
	}
	if qps := b.observedRate(s, now); qps > qpsMax {
		banSecs := int(b.cfg.BanDuration.Seconds())
		s.bannedUntil = now.Add(b.cfg.BanDuration)
		s.failureCount++
		s.lastFailure = now
		metrics.BansIssued.Inc()
		util.Warn().
			Str("identity", util.RedactIdentity(identity)).
			Float64("qps", qps).
			Float64("qps_max", qpsMax).
			Int("ban_seconds", banSecs).
			Msg("request rate exceeded, circuit opened")
		return Decision{Allowed: false, BanSeconds: banSecs}
	}
	return Decision{Allowed: true}
}

// observedRate spreads the window count over the span actually covered by
// the retained timestamps, clamped to [1s, window]. A tight burst is rated
// against its own span rather than diluted over the full window.
func (b *CircuitBreaker) observedRate(s *circuitState, now time.Time) float64 {
	if len(s.timestamps) == 0 {
		return 0
	}
	span := now.Sub(s.timestamps[0]).Seconds()
	if span < 1 {
		span = 1
	}
	if max := b.cfg.Window.Seconds(); span > max {
		span = max
	}
	return float64(len(s.timestamps)) / span
}

// RecordSuccess decrements the failure count, floored at zero. Unknown
// identities are a no-op.
func (b *CircuitBreaker) RecordSuccess(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[identity]
	if !ok {
		return
	}
	if s.failureCount > 0 {
		s.failureCount--
	}
}

// RecordFailure increments the failure count. A failure cannot be
// attributed before at least one request was recorded.
func (b *CircuitBreaker) RecordFailure(identity string) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[identity]
	if !ok {
		return
	}
	s.failureCount++
	s.lastFailure = now
}

// Unban clears an active ban administratively and reports whether one was
// actually present.
func (b *CircuitBreaker) Unban(identity string) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[identity]
	if !ok {
		return false
	}
	active := !s.bannedUntil.IsZero() && now.Before(s.bannedUntil)
	s.bannedUntil = time.Time{}
	s.failureCount = 0
	s.timestamps = s.timestamps[:0]
	if active {
		util.Info().Str("identity", util.RedactIdentity(identity)).Msg("ban cleared administratively")
	}
	return active
}

type Stats struct {
	TrackedIdentities int `json:"tracked_identities"`
	ActiveBans        int `json:"active_bans"`
	TotalFailures     int `json:"total_failures"`
}

func (b *CircuitBreaker) Stats() Stats {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{TrackedIdentities: len(b.states)}
	for _, s := range b.states {
		if !s.bannedUntil.IsZero() && now.Before(s.bannedUntil) {
			st.ActiveBans++
		}
		st.TotalFailures += s.failureCount
	}
	return st
}

type BannedIdentity struct {
	Identity    string    `json:"identity"`
	BannedUntil time.Time `json:"banned_until"`
	Failures    int       `json:"failures"`
}

// BannedIdentities returns a snapshot of identities with active bans. The
// full identity hash is kept internal; callers get the redacted form.
func (b *CircuitBreaker) BannedIdentities() []BannedIdentity {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BannedIdentity, 0, 8)
	for id, s := range b.states {
		if s.bannedUntil.IsZero() || !now.Before(s.bannedUntil) {
			continue
		}
		out = append(out, BannedIdentity{
			Identity:    util.RedactIdentity(id),
			BannedUntil: s.bannedUntil,
			Failures:    s.failureCount,
		})
	}
	return out
}

func (b *CircuitBreaker) cleanupLoop() {
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.cleanup()
		case <-b.quit:
			return
		}
	}
}

// cleanup drops identities idle for longer than idleExpiry, bounding
// memory growth from one-off clients.
func (b *CircuitBreaker) cleanup() {
	now := b.now()
	b.mu.Lock()
	removed := 0
	activeBans := 0
	for id, s := range b.states {
		last := s.lastFailure
		if n := len(s.timestamps); n > 0 && s.timestamps[n-1].After(last) {
			last = s.timestamps[n-1]
		}
		if s.bannedUntil.After(last) {
			last = s.bannedUntil
		}
		if now.Sub(last) > idleExpiry {
			delete(b.states, id)
			removed++
			continue
		}
		if !s.bannedUntil.IsZero() && now.Before(s.bannedUntil) {
			activeBans++
		}
	}
	remaining := len(b.states)
	b.mu.Unlock()
	metrics.CleanupCycles.WithLabelValues("breaker").Inc()
	metrics.ActiveBans.Set(float64(activeBans))
	if removed > 0 {
		util.Debug().Int("removed", removed).Int("remaining", remaining).Msg("circuit breaker cleanup")
	}
}

// Stop halts the cleanup timer and releases all state.
func (b *CircuitBreaker) Stop() {
	b.stopOnce.Do(func() {
		close(b.quit)
		b.mu.Lock()
		b.states = make(map[string]*circuitState)
		b.mu.Unlock()
	})
}
