package breaker

import (
	"sync"

	"floodgate/metrics"
)

const maxLoadSamples = 10

// AdaptiveCircuitBreaker tightens the admission threshold as reported
// system load rises: adjusted = base * max(0.1, 1 - load/100). The
// adjusted threshold is passed into the shared admission path explicitly;
// shared configuration is never mutated per call.
type AdaptiveCircuitBreaker struct {
	*CircuitBreaker
	loadMu sync.Mutex
	loads  []float64
}

func NewAdaptive(cfg Config) (*AdaptiveCircuitBreaker, error) {
	base, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &AdaptiveCircuitBreaker{
		CircuitBreaker: base,
		loads:          make([]float64, 0, maxLoadSamples),
	}, nil
}

// UpdateSystemLoad records a load sample on a 0-100 scale. The last ten
// samples are retained for diagnostics.
func (a *AdaptiveCircuitBreaker) UpdateSystemLoad(load float64) {
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	a.loadMu.Lock()
	a.loads = append(a.loads, load)
	if len(a.loads) > maxLoadSamples {
		a.loads = append(a.loads[:0], a.loads[len(a.loads)-maxLoadSamples:]...)
	}
	a.loadMu.Unlock()
	metrics.SystemLoad.Set(load)
}

func (a *AdaptiveCircuitBreaker) currentLoad() float64 {
	a.loadMu.Lock()
	defer a.loadMu.Unlock()
	if len(a.loads) == 0 {
		return 0
	}
	return a.loads[len(a.loads)-1]
}

// LoadSamples returns a copy of the retained load samples, oldest first.
func (a *AdaptiveCircuitBreaker) LoadSamples() []float64 {
	a.loadMu.Lock()
	defer a.loadMu.Unlock()
	out := make([]float64, len(a.loads))
	copy(out, a.loads)
	return out
}

func (a *AdaptiveCircuitBreaker) RecordRequest(identity string) Decision {
	factor := 1 - a.currentLoad()/100
	if factor < 0.1 {
		factor = 0.1
	}
	return a.admit(identity, a.cfg.QPSMax*factor)
}
