package cfg

import (
	"strings"
	"testing"
	"time"
)

func validCfg() *Cfg {
	return &Cfg{
		Port:        "8080",
		Environment: "development",
		LogLevel:    "info",
		Breaker: BreakerCfg{
			WindowSeconds:   60,
			QPSMax:          10,
			BanSeconds:      300,
			CleanupInterval: 60 * time.Second,
		},
		Collector: CollectorCfg{
			MaxEventsPerKey: 1000,
			Retention:       24 * time.Hour,
		},
		Detector: DetectorCfg{
			WindowSeconds:     60,
			DefaultBaseline:   5,
			Alpha:             0.1,
			MaxScopes:         4096,
			WeightBurst:       0.3,
			WeightDuplication: 0.25,
			WeightEntropy:     0.2,
			WeightVelocity:    0.25,
		},
		GlobalRPS:                200,
		GlobalBurst:              400,
		MaxInFlight:              256,
		ContextTimeout:           5 * time.Second,
		IdentityPepper:           NewSecret("0123456789abcdef0123456789abcdef"),
		IdentityRotationInterval: time.Hour,
		LoadSampleInterval:       5 * time.Second,
		BaselineInterval:         30 * time.Second,
	}
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Port != "8080" {
		t.Errorf("default port = %q", c.Port)
	}
	if c.Breaker.QPSMax != 10 || c.Breaker.BanSeconds != 300 {
		t.Errorf("breaker defaults wrong: %+v", c.Breaker)
	}
	if c.Collector.MaxEventsPerKey != 1000 || c.Collector.Retention != 24*time.Hour {
		t.Errorf("collector defaults wrong: %+v", c.Collector)
	}
	if c.Detector.DefaultBaseline != 5 || c.Detector.Alpha != 0.1 {
		t.Errorf("detector defaults wrong: %+v", c.Detector)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BREAKER_QPS_MAX", "25.5")
	t.Setenv("COLLECTOR_RETENTION", "1h")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.1, 10.0.0.0/8")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Breaker.QPSMax != 25.5 {
		t.Errorf("QPSMax override lost: %v", c.Breaker.QPSMax)
	}
	if c.Collector.Retention != time.Hour {
		t.Errorf("retention override lost: %v", c.Collector.Retention)
	}
	if len(c.TrustedProxies) != 2 || c.TrustedProxies[0] != "10.0.0.1" {
		t.Errorf("trusted proxies not parsed: %v", c.TrustedProxies)
	}
}

func TestLoad_RejectsMalformed(t *testing.T) {
	t.Setenv("BREAKER_WINDOW_SECONDS", "sixty")
	if _, err := Load(); err == nil {
		t.Error("malformed integer should fail Load")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(validCfg()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Cfg)
		want   string
	}{
		{"bad port", func(c *Cfg) { c.Port = "http" }, "PORT"},
		{"zero window", func(c *Cfg) { c.Breaker.WindowSeconds = 0 }, "BREAKER_WINDOW_SECONDS"},
		{"zero qps", func(c *Cfg) { c.Breaker.QPSMax = 0 }, "BREAKER_QPS_MAX"},
		{"zero ban", func(c *Cfg) { c.Breaker.BanSeconds = 0 }, "BREAKER_BAN_SECONDS"},
		{"huge cap", func(c *Cfg) { c.Collector.MaxEventsPerKey = 1 << 20 }, "COLLECTOR_MAX_EVENTS_PER_KEY"},
		{"short retention", func(c *Cfg) { c.Collector.Retention = time.Second }, "COLLECTOR_RETENTION"},
		{"alpha out of range", func(c *Cfg) { c.Detector.Alpha = 1.5 }, "DETECTOR_EMA_ALPHA"},
		{"negative weight", func(c *Cfg) { c.Detector.WeightBurst = -1 }, "non-negative"},
		{"all-zero weights", func(c *Cfg) {
			c.Detector.WeightBurst = 0
			c.Detector.WeightDuplication = 0
			c.Detector.WeightEntropy = 0
			c.Detector.WeightVelocity = 0
		}, "all be zero"},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"not-an-ip"} }, "TRUSTED_PROXIES"},
		{"bad cidr", func(c *Cfg) { c.TrustedProxies = []string{"10.0.0.0/99"} }, "CIDR"},
		{"short pepper", func(c *Cfg) { c.IdentityPepper = NewSecret("short") }, "IDENTITY_PEPPER"},
		{"fast rotation", func(c *Cfg) { c.IdentityRotationInterval = time.Minute }, "IDENTITY_ROTATION_INTERVAL"},
		{"prod without admin auth", func(c *Cfg) { c.Environment = "production" }, "required in production"},
	}
	for _, tc := range cases {
		c := validCfg()
		tc.mutate(c)
		err := Validate(c)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestSecret(t *testing.T) {
	s := NewSecret("hunter2-hunter2")
	if s.String() != "***REDACTED***" {
		t.Errorf("Secret must not print its value, got %q", s.String())
	}
	if s.Value() != "hunter2-hunter2" {
		t.Error("Value should return the stored secret")
	}
	s.Wipe()
	if strings.Trim(s.Value(), "\x00") != "" {
		t.Error("Wipe should zero the stored bytes")
	}
}
