package anomaly

import (
	"sort"
	"sync"
	"time"

	"floodgate/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// DefaultScope is the baseline scope used when the caller has no
// per-resource key to score against.
const DefaultScope = "global"

const (
	defaultWindow    = time.Minute
	defaultBaseline  = 5.0
	defaultAlpha     = 0.1
	defaultMaxScopes = 4096

	// duplicateRatio at which the duplication component saturates.
	duplicationSaturation = 0.8
	// burst saturates once the excess over baseline reaches twice the
	// normalization floor.
	burstSaturation = 2.0
)

type Weights struct {
	Burst       float64
	Duplication float64
	Entropy     float64
	Velocity    float64
}

func DefaultWeights() Weights {
	return Weights{Burst: 0.3, Duplication: 0.25, Entropy: 0.2, Velocity: 0.25}
}

type Config struct {
	Window          time.Duration
	Weights         Weights
	DefaultBaseline float64
	Alpha           float64
	MaxScopes       int
}

// Detector turns a slice of events into a composite 0-1 anomaly score.
// Scoring itself is stateless per call; the only state is a small
// per-scope EMA baseline store, bounded by an LRU.
type Detector struct {
	cfg       Config
	mu        sync.Mutex
	baselines *lru.Cache[string, float64]
}

func New(cfg Config) (*Detector, error) {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.DefaultBaseline <= 0 {
		cfg.DefaultBaseline = defaultBaseline
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = defaultAlpha
	}
	if cfg.MaxScopes <= 0 {
		cfg.MaxScopes = defaultMaxScopes
	}
	w := cfg.Weights
	if w.Burst < 0 || w.Duplication < 0 || w.Entropy < 0 || w.Velocity < 0 {
		return nil, errors.New("anomaly weights must be non-negative")
	}
	if w.Burst+w.Duplication+w.Entropy+w.Velocity == 0 {
		cfg.Weights = DefaultWeights()
	}
	baselines, err := lru.New[string, float64](cfg.MaxScopes)
	if err != nil {
		return nil, errors.Wrap(err, "baseline store")
	}
	return &Detector{cfg: cfg, baselines: baselines}, nil
}

// Window is the trailing analysis window applied to every component.
func (d *Detector) Window() time.Duration { return d.cfg.Window }

// Analyze scores events against the default baseline scope.
func (d *Detector) Analyze(events []domain.AnomalyEvent) domain.AnomalyScore {
	return d.AnalyzeScope(DefaultScope, events)
}

// AnalyzeScope scores events against the scope's EMA baseline. Events
// older than the window, relative to the newest event, are excluded from
// every component. Zero events yield an all-zero score.
func (d *Detector) AnalyzeScope(scope string, events []domain.AnomalyEvent) domain.AnomalyScore {
	in := d.windowed(events)
	if len(in) == 0 {
		return domain.AnomalyScore{}
	}

	eventsPerMin := float64(len(in)) * (time.Minute.Seconds() / d.cfg.Window.Seconds())
	baseline := d.baselineFor(scope)

	burst := burstScore(eventsPerMin, baseline)
	dupRatio, dup := duplicationScore(in)
	entVal, ent := entropyScore(in)
	velMag, vel := velocityScore(in)

	w := d.cfg.Weights
	overall := clamp01(w.Burst*burst + w.Duplication*dup + w.Entropy*ent + w.Velocity*vel)

	return domain.AnomalyScore{
		Overall: overall,
		Components: domain.ScoreComponents{
			Burst:       burst,
			Duplication: dup,
			Entropy:     ent,
			Velocity:    vel,
		},
		Metadata: domain.ScoreMetadata{
			EventsPerMin:     eventsPerMin,
			Baseline:         baseline,
			DuplicateRatio:   dupRatio,
			SignatureEntropy: entVal,
			Velocity:         velMag,
		},
	}
}

// windowed restricts events to the trailing window and sorts them
// chronologically without touching the caller's slice.
func (d *Detector) windowed(events []domain.AnomalyEvent) []domain.AnomalyEvent {
	if len(events) == 0 {
		return nil
	}
	newest := events[0].Timestamp
	for _, ev := range events[1:] {
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
	}
	cutoff := newest.Add(-d.cfg.Window)
	in := make([]domain.AnomalyEvent, 0, len(events))
	for _, ev := range events {
		if !ev.Timestamp.Before(cutoff) {
			in = append(in, ev)
		}
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Timestamp.Before(in[j].Timestamp) })
	return in
}

// UpdateBaseline folds a new events-per-minute sample into the scope's
// EMA: baseline = alpha*sample + (1-alpha)*baseline. A fresh scope starts
// from the configured default.
func (d *Detector) UpdateBaseline(scope string, sample float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.baselines.Get(scope)
	if !ok {
		prev = d.cfg.DefaultBaseline
	}
	d.baselines.Add(scope, d.cfg.Alpha*sample+(1-d.cfg.Alpha)*prev)
}

// GetBaseline returns the scope's EMA baseline, 0 for unseen scopes.
func (d *Detector) GetBaseline(scope string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.baselines.Get(scope); ok {
		return v
	}
	return 0
}

// baselineFor is the scoring-path lookup: unseen scopes score against the
// configured default rather than zero.
func (d *Detector) baselineFor(scope string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.baselines.Get(scope); ok {
		return v
	}
	return d.cfg.DefaultBaseline
}

// burstScore grows with the excess of the observed rate over the
// baseline, normalized against a floor so a baseline driven to zero
// cannot mask a genuine burst.
func burstScore(eventsPerMin, baseline float64) float64 {
	floor := baseline
	if floor < 1 {
		floor = 1
	}
	excess := eventsPerMin - baseline
	if excess <= 0 {
		return 0
	}
	return clamp01(excess / (floor * burstSaturation))
}

// duplicationScore groups events by (identity, type, subject). A single
// event has nothing to duplicate against and scores zero. Missing
// subject IDs simply collapse that dimension.
func duplicationScore(events []domain.AnomalyEvent) (ratio, score float64) {
	if len(events) < 2 {
		return 0, 0
	}
	groups := make(map[string]struct{}, len(events))
	for _, ev := range events {
		groups[ev.IdentityHash+"\x1f"+string(ev.Type)+"\x1f"+ev.SubjectID] = struct{}{}
	}
	ratio = float64(len(events)-len(groups)) / float64(len(events))
	return ratio, clamp01(ratio / duplicationSaturation)
}

// velocityScore detects shrinking inter-arrival intervals, the ramping
// attack signature. Magnitude is the relative shrinkage of the mean
// interval between the early and late halves of the window.
func velocityScore(events []domain.AnomalyEvent) (magnitude, score float64) {
	if len(events) < 4 {
		return 0, 0
	}
	intervals := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		intervals = append(intervals, events[i].Timestamp.Sub(events[i-1].Timestamp).Seconds())
	}
	half := len(intervals) / 2
	early := mean(intervals[:half])
	late := mean(intervals[len(intervals)-half:])
	if early <= 0 {
		return 0, 0
	}
	magnitude = (early - late) / early
	if magnitude <= 0 {
		return magnitude, 0
	}
	return magnitude, clamp01(magnitude)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
