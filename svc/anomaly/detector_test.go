package anomaly

import (
	"math"
	"testing"
	"time"

	"floodgate/pkg/domain"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func events(n int, step time.Duration, identity, sig, subject string) []domain.AnomalyEvent {
	out := make([]domain.AnomalyEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.AnomalyEvent{
			Timestamp:     testBase.Add(time.Duration(i) * step),
			Type:          domain.EventView,
			IdentityHash:  identity,
			SignatureHash: sig,
			SubjectID:     subject,
		})
	}
	return out
}

func TestNew_RejectsNegativeWeights(t *testing.T) {
	_, err := New(Config{Weights: Weights{Burst: -1}})
	if err == nil {
		t.Error("expected error for negative weight")
	}
}

func TestAnalyze_EmptyInput(t *testing.T) {
	d := newTestDetector(t)
	score := d.Analyze(nil)
	if score.Overall != 0 {
		t.Errorf("empty input should score 0, got %v", score.Overall)
	}
	zero := domain.ScoreComponents{}
	if score.Components != zero {
		t.Errorf("empty input should have all-zero components, got %+v", score.Components)
	}
}

func TestAnalyze_BurstAgainstDefaultBaseline(t *testing.T) {
	d := newTestDetector(t)
	// 15 events inside one minute against the default baseline of 5.
	evs := events(15, 3*time.Second, "id", "sig", "subj")
	score := d.Analyze(evs)
	if score.Components.Burst <= 0 {
		t.Errorf("burst should be positive, got %v", score.Components.Burst)
	}
	if score.Metadata.EventsPerMin != 15 {
		t.Errorf("eventsPerMin should equal exact in-window count 15, got %v", score.Metadata.EventsPerMin)
	}
	if score.Metadata.Baseline != 5 {
		t.Errorf("fresh scope should score against default baseline 5, got %v", score.Metadata.Baseline)
	}
}

func TestAnalyze_BurstWithZeroedBaseline(t *testing.T) {
	d := newTestDetector(t)
	// Drive the scope baseline toward zero, then burst.
	for i := 0; i < 200; i++ {
		d.UpdateBaseline("scope", 0)
	}
	if b := d.GetBaseline("scope"); b > 0.01 {
		t.Fatalf("baseline should be near zero, got %v", b)
	}
	score := d.AnalyzeScope("scope", events(15, 3*time.Second, "id", "sig", ""))
	if score.Components.Burst <= 0 {
		t.Errorf("burst must still flag against a zeroed baseline, got %v", score.Components.Burst)
	}
}

func TestAnalyze_WindowExcludesOldEvents(t *testing.T) {
	d := newTestDetector(t)
	evs := events(5, time.Second, "id", "sig", "")
	// One event far outside the trailing minute.
	old := domain.AnomalyEvent{
		Timestamp:    testBase.Add(-10 * time.Minute),
		Type:         domain.EventView,
		IdentityHash: "id",
	}
	score := d.Analyze(append([]domain.AnomalyEvent{old}, evs...))
	if score.Metadata.EventsPerMin != 5 {
		t.Errorf("stale event should be excluded, eventsPerMin=%v", score.Metadata.EventsPerMin)
	}
}

func TestAnalyze_Duplication(t *testing.T) {
	d := newTestDetector(t)
	dup := events(10, time.Second, "id", "sig", "subj")
	score := d.Analyze(dup)
	if score.Components.Duplication <= 0 {
		t.Errorf("perfect duplicates should score > 0, got %v", score.Components.Duplication)
	}
	if score.Metadata.DuplicateRatio != 0.9 {
		t.Errorf("expected duplicate ratio 0.9, got %v", score.Metadata.DuplicateRatio)
	}

	single := events(1, time.Second, "id", "sig", "subj")
	if s := d.Analyze(single); s.Components.Duplication != 0 {
		t.Errorf("single event has nothing to duplicate against, got %v", s.Components.Duplication)
	}
}

func TestAnalyze_DuplicationDistinctSubjects(t *testing.T) {
	d := newTestDetector(t)
	evs := make([]domain.AnomalyEvent, 0, 5)
	for i := 0; i < 5; i++ {
		evs = append(evs, domain.AnomalyEvent{
			Timestamp:    testBase.Add(time.Duration(i) * time.Second),
			Type:         domain.EventView,
			IdentityHash: "id",
			SubjectID:    string(rune('a' + i)),
		})
	}
	if s := d.Analyze(evs); s.Components.Duplication != 0 {
		t.Errorf("distinct subjects should not count as duplicates, got %v", s.Components.Duplication)
	}
}

func TestAnalyze_EntropySingleRepeatedSignature(t *testing.T) {
	d := newTestDetector(t)
	score := d.Analyze(events(20, time.Second, "id", "deadbeef01234567", ""))
	if score.Components.Entropy <= 0 {
		t.Errorf("one signature hammering should flag entropy, got %v", score.Components.Entropy)
	}
	if v := score.Metadata.SignatureEntropy; v < 0 || v > 1 {
		t.Errorf("reported entropy must share the normalized 0-1 scale, got %v", v)
	}
}

func TestAnalyze_EntropyUniformSpread(t *testing.T) {
	d := newTestDetector(t)
	evs := make([]domain.AnomalyEvent, 0, 4)
	sigs := []string{"sig-alpha", "sig-beta", "sig-gamma", "sig-delta"}
	for i, sig := range sigs {
		evs = append(evs, domain.AnomalyEvent{
			Timestamp:     testBase.Add(time.Duration(i) * 10 * time.Second),
			Type:          domain.EventView,
			IdentityHash:  "id",
			SignatureHash: sig,
		})
	}
	score := d.Analyze(evs)
	if score.Components.Entropy != 0 {
		t.Errorf("uniform signature spread should score 0 entropy, got %v", score.Components.Entropy)
	}
	if math.Abs(score.Metadata.SignatureEntropy-1.0) > 1e-9 {
		t.Errorf("normalized entropy of uniform spread should be 1.0, got %v", score.Metadata.SignatureEntropy)
	}
}

func TestAnalyze_EntropyDominatedSpread(t *testing.T) {
	d := newTestDetector(t)
	evs := make([]domain.AnomalyEvent, 0, 20)
	for i := 0; i < 19; i++ {
		evs = append(evs, domain.AnomalyEvent{
			Timestamp:     testBase.Add(time.Duration(i) * time.Second),
			Type:          domain.EventView,
			IdentityHash:  "id",
			SignatureHash: "dominant",
		})
	}
	evs = append(evs, domain.AnomalyEvent{
		Timestamp:     testBase.Add(19 * time.Second),
		Type:          domain.EventView,
		IdentityHash:  "id",
		SignatureHash: "outlier",
	})
	score := d.Analyze(evs)
	if score.Components.Entropy <= 0.5 {
		t.Errorf("heavily dominated spread should flag strongly, got %v", score.Components.Entropy)
	}
}

func TestAnalyze_VelocityAcceleration(t *testing.T) {
	d := newTestDetector(t)
	// Intervals shrinking from 8s down to sub-second: the ramping signature.
	evs := make([]domain.AnomalyEvent, 0, 8)
	ts := testBase
	interval := 8 * time.Second
	for i := 0; i < 8; i++ {
		evs = append(evs, domain.AnomalyEvent{
			Timestamp:    ts,
			Type:         domain.EventView,
			IdentityHash: "id",
		})
		ts = ts.Add(interval)
		interval /= 2
	}
	score := d.Analyze(evs)
	if score.Components.Velocity <= 0 {
		t.Errorf("shrinking intervals should score positive velocity, got %v", score.Components.Velocity)
	}
	if score.Components.Velocity > 1 {
		t.Errorf("velocity must stay in [0,1], got %v", score.Components.Velocity)
	}
}

func TestAnalyze_VelocitySteadyRate(t *testing.T) {
	d := newTestDetector(t)
	score := d.Analyze(events(10, 2*time.Second, "id", "sig", ""))
	if score.Components.Velocity != 0 {
		t.Errorf("constant intervals should score 0 velocity, got %v", score.Components.Velocity)
	}
}

func TestAnalyze_MissingOptionalFields(t *testing.T) {
	d := newTestDetector(t)
	evs := []domain.AnomalyEvent{
		{Timestamp: testBase, Type: domain.EventVote, IdentityHash: "id"},
		{Timestamp: testBase.Add(time.Second), Type: domain.EventVote, IdentityHash: "id"},
	}
	// Must not panic with empty subject, user, and signature fields.
	score := d.Analyze(evs)
	if score.Overall < 0 || score.Overall > 1 {
		t.Errorf("overall must stay in [0,1], got %v", score.Overall)
	}
}

func TestUpdateBaseline_EMA(t *testing.T) {
	d := newTestDetector(t)
	if got := d.GetBaseline("unseen"); got != 0 {
		t.Errorf("unseen scope baseline should read 0, got %v", got)
	}
	d.UpdateBaseline("scope", 15)
	// Fresh scope folds against the default: 0.1*15 + 0.9*5 = 6.5
	if got := d.GetBaseline("scope"); math.Abs(got-6.5) > 1e-9 {
		t.Errorf("expected baseline 6.5, got %v", got)
	}
	d.UpdateBaseline("scope", 15)
	if got := d.GetBaseline("scope"); math.Abs(got-7.35) > 1e-9 {
		t.Errorf("expected baseline 7.35, got %v", got)
	}
}

func TestWeights_Configurable(t *testing.T) {
	d, err := New(Config{Weights: Weights{Duplication: 1}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	score := d.Analyze(events(10, time.Second, "id", "sig", "subj"))
	if math.Abs(score.Overall-score.Components.Duplication) > 1e-9 {
		t.Errorf("with duplication weight 1, overall %v should equal component %v",
			score.Overall, score.Components.Duplication)
	}
}

func TestAnalyze_OverallClamped(t *testing.T) {
	d, err := New(Config{Weights: Weights{Burst: 5, Duplication: 5, Entropy: 5, Velocity: 5}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	score := d.Analyze(events(30, 100*time.Millisecond, "id", "sig", "subj"))
	if score.Overall > 1 {
		t.Errorf("overall must clamp to 1, got %v", score.Overall)
	}
}
