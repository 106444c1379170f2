package collect

import (
	"sync"
	"time"

	"floodgate/metrics"
	"floodgate/pkg/domain"
	"floodgate/svc/util"

	"github.com/pkg/errors"
)

const (
	DefaultMaxPerKey = 1000
	DefaultRetention = 24 * time.Hour

	cleanupInterval = 5 * time.Minute

	// rough per-event accounting for Stats: struct fields plus slice slot.
	eventOverheadBytes = 96
)

// Analyzer scores a slice of events for one key. Satisfied by
// anomaly.Detector.
type Analyzer interface {
	AnalyzeScope(scope string, events []domain.AnomalyEvent) domain.AnomalyScore
	Window() time.Duration
}

// Collector keeps a bounded, self-evicting ring of recent events per key.
// Both the age and count bounds are enforced on every insert.
type Collector struct {
	mu        sync.Mutex
	events    map[string][]domain.AnomalyEvent
	maxPerKey int
	retention time.Duration
	now       func() time.Time
	quit      chan struct{}
	stopOnce  sync.Once
}

func New(maxPerKey int, retention time.Duration) (*Collector, error) {
	if maxPerKey <= 0 {
		return nil, errors.New("collector max events per key must be positive")
	}
	if retention <= 0 {
		return nil, errors.New("collector retention must be positive")
	}
	c := &Collector{
		events:    make(map[string][]domain.AnomalyEvent),
		maxPerKey: maxPerKey,
		retention: retention,
		now:       time.Now,
		quit:      make(chan struct{}),
	}
	go c.cleanupLoop()
	return c, nil
}

// AddEvent appends to the key's sequence, drops events older than the
// retention window, and caps the sequence at maxPerKey, oldest first.
func (c *Collector) AddEvent(key string, ev domain.AnomalyEvent) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evs := append(c.events[key], ev)
	evs = pruneExpired(evs, now.Add(-c.retention))
	if over := len(evs) - c.maxPerKey; over > 0 {
		evs = append(evs[:0], evs[over:]...)
	}
	c.events[key] = evs
}

// GetEvents returns a copy of the key's events no older than maxAge.
// maxAge <= 0 means all retained events. Unknown keys yield an empty
// slice, never an error.
func (c *Collector) GetEvents(key string, maxAge time.Duration) []domain.AnomalyEvent {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evs := c.events[key]
	if len(evs) == 0 {
		return []domain.AnomalyEvent{}
	}
	if maxAge <= 0 {
		out := make([]domain.AnomalyEvent, len(evs))
		copy(out, evs)
		return out
	}
	cutoff := now.Add(-maxAge)
	out := make([]domain.AnomalyEvent, 0, len(evs))
	for _, ev := range evs {
		if !ev.Timestamp.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

// Keys returns a snapshot of all keys with at least one retained event.
func (c *Collector) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for k := range c.events {
		out = append(out, k)
	}
	return out
}

// AnalyzeKey scores the key's events restricted to the analyzer's own
// window, using the key as the baseline scope.
func (c *Collector) AnalyzeKey(key string, det Analyzer) domain.AnomalyScore {
	return det.AnalyzeScope(key, c.GetEvents(key, det.Window()))
}

// Cleanup drops expired events and removes keys left empty. It runs
// periodically on its own, independent of per-insert pruning, to bound
// total key-space size.
func (c *Collector) Cleanup() {
	now := c.now()
	c.mu.Lock()
	removedKeys := 0
	total := 0
	for key, evs := range c.events {
		evs = pruneExpired(evs, now.Add(-c.retention))
		if len(evs) == 0 {
			delete(c.events, key)
			removedKeys++
			continue
		}
		c.events[key] = evs
		total += len(evs)
	}
	keys := len(c.events)
	c.mu.Unlock()
	metrics.CleanupCycles.WithLabelValues("collector").Inc()
	metrics.CollectorKeys.Set(float64(keys))
	metrics.CollectorEvents.Set(float64(total))
	if removedKeys > 0 {
		util.Debug().Int("removed_keys", removedKeys).Int("remaining_keys", keys).Msg("event collector cleanup")
	}
}

type Stats struct {
	TotalKeys        int   `json:"total_keys"`
	TotalEvents      int   `json:"total_events"`
	MemoryUsageBytes int64 `json:"memory_usage_bytes"`
}

// Stats is an approximate size estimate for capacity planning.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{TotalKeys: len(c.events)}
	for key, evs := range c.events {
		st.TotalEvents += len(evs)
		st.MemoryUsageBytes += int64(len(key))
		for _, ev := range evs {
			st.MemoryUsageBytes += int64(eventOverheadBytes +
				len(ev.Type) + len(ev.IdentityHash) + len(ev.SignatureHash) +
				len(ev.SubjectID) + len(ev.UserID))
		}
	}
	return st
}

func (c *Collector) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.quit:
			return
		}
	}
}

// Stop halts the cleanup timer and releases all state.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.mu.Lock()
		c.events = make(map[string][]domain.AnomalyEvent)
		c.mu.Unlock()
	})
}

// pruneExpired drops events timestamped before cutoff, compacting in
// place. Events are assumed appended in arrival order.
func pruneExpired(evs []domain.AnomalyEvent, cutoff time.Time) []domain.AnomalyEvent {
	drop := 0
	for drop < len(evs) && evs[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return evs
	}
	return append(evs[:0], evs[drop:]...)
}
