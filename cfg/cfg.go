package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port        string
	Environment string
	LogLevel    string

	Breaker   BreakerCfg
	Collector CollectorCfg
	Detector  DetectorCfg

	GlobalRPS      float64
	GlobalBurst    int
	MaxInFlight    int
	ContextTimeout time.Duration

	TrustedProxies []string

	IdentityPepper           Secret
	IdentityRotationInterval time.Duration

	MetricsUser string
	MetricsPass Secret
	AdminUser   string
	AdminPass   Secret

	LoadSampleInterval time.Duration
	BaselineInterval   time.Duration
}

type BreakerCfg struct {
	WindowSeconds   int
	QPSMax          float64
	BanSeconds      int
	CleanupInterval time.Duration
}

type CollectorCfg struct {
	MaxEventsPerKey int
	Retention       time.Duration
}

type DetectorCfg struct {
	WindowSeconds     int
	DefaultBaseline   float64
	Alpha             float64
	MaxScopes         int
	WeightBurst       float64
	WeightDuplication float64
	WeightEntropy     float64
	WeightVelocity    float64
}

func Load() (*Cfg, error) {
	_ = godotenv.Load()
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")

	var err error
	c.Breaker.WindowSeconds, err = getInt("BREAKER_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	c.Breaker.QPSMax, err = getFloat("BREAKER_QPS_MAX", 10)
	if err != nil {
		return nil, err
	}
	c.Breaker.BanSeconds, err = getInt("BREAKER_BAN_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	c.Breaker.CleanupInterval, err = getDuration("BREAKER_CLEANUP_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}

	c.Collector.MaxEventsPerKey, err = getInt("COLLECTOR_MAX_EVENTS_PER_KEY", 1000)
	if err != nil {
		return nil, err
	}
	c.Collector.Retention, err = getDuration("COLLECTOR_RETENTION", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	c.Detector.WindowSeconds, err = getInt("DETECTOR_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	c.Detector.DefaultBaseline, err = getFloat("DETECTOR_DEFAULT_BASELINE", 5)
	if err != nil {
		return nil, err
	}
	c.Detector.Alpha, err = getFloat("DETECTOR_EMA_ALPHA", 0.1)
	if err != nil {
		return nil, err
	}
	c.Detector.MaxScopes, err = getInt("DETECTOR_MAX_SCOPES", 4096)
	if err != nil {
		return nil, err
	}
	c.Detector.WeightBurst, err = getFloat("DETECTOR_WEIGHT_BURST", 0.3)
	if err != nil {
		return nil, err
	}
	c.Detector.WeightDuplication, err = getFloat("DETECTOR_WEIGHT_DUPLICATION", 0.25)
	if err != nil {
		return nil, err
	}
	c.Detector.WeightEntropy, err = getFloat("DETECTOR_WEIGHT_ENTROPY", 0.2)
	if err != nil {
		return nil, err
	}
	c.Detector.WeightVelocity, err = getFloat("DETECTOR_WEIGHT_VELOCITY", 0.25)
	if err != nil {
		return nil, err
	}

	c.GlobalRPS, err = getFloat("GLOBAL_RPS", 200)
	if err != nil {
		return nil, err
	}
	c.GlobalBurst, err = getInt("GLOBAL_BURST", 400)
	if err != nil {
		return nil, err
	}
	c.MaxInFlight, err = getInt("MAX_IN_FLIGHT", 256)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})

	c.IdentityPepper = NewSecret(getEnv("IDENTITY_PEPPER", ""))
	c.IdentityRotationInterval, err = getDuration("IDENTITY_ROTATION_INTERVAL", 1*time.Hour)
	if err != nil {
		return nil, err
	}

	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.AdminUser = getEnv("ADMIN_USER", "")
	c.AdminPass = NewSecret(getEnv("ADMIN_PASS", ""))

	c.LoadSampleInterval, err = getDuration("LOAD_SAMPLE_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.BaselineInterval, err = getDuration("BASELINE_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.Breaker.WindowSeconds <= 0 {
		return errors.New("BREAKER_WINDOW_SECONDS must be positive")
	}
	if c.Breaker.QPSMax <= 0 {
		return errors.New("BREAKER_QPS_MAX must be positive")
	}
	if c.Breaker.BanSeconds <= 0 {
		return errors.New("BREAKER_BAN_SECONDS must be positive")
	}
	if c.Breaker.CleanupInterval < time.Second {
		return errors.New("BREAKER_CLEANUP_INTERVAL must be at least 1 second")
	}
	if c.Collector.MaxEventsPerKey <= 0 {
		return errors.New("COLLECTOR_MAX_EVENTS_PER_KEY must be positive")
	}
	if c.Collector.MaxEventsPerKey > 100000 {
		return errors.New("COLLECTOR_MAX_EVENTS_PER_KEY too large")
	}
	if c.Collector.Retention < time.Minute {
		return errors.New("COLLECTOR_RETENTION must be at least 1 minute")
	}
	if c.Detector.WindowSeconds <= 0 {
		return errors.New("DETECTOR_WINDOW_SECONDS must be positive")
	}
	if c.Detector.Alpha <= 0 || c.Detector.Alpha > 1 {
		return errors.New("DETECTOR_EMA_ALPHA must be in (0, 1]")
	}
	if c.Detector.DefaultBaseline <= 0 {
		return errors.New("DETECTOR_DEFAULT_BASELINE must be positive")
	}
	if c.Detector.MaxScopes <= 0 {
		return errors.New("DETECTOR_MAX_SCOPES must be positive")
	}
	for _, w := range []float64{c.Detector.WeightBurst, c.Detector.WeightDuplication, c.Detector.WeightEntropy, c.Detector.WeightVelocity} {
		if w < 0 {
			return errors.New("detector weights must be non-negative")
		}
	}
	if c.Detector.WeightBurst+c.Detector.WeightDuplication+c.Detector.WeightEntropy+c.Detector.WeightVelocity <= 0 {
		return errors.New("detector weights must not all be zero")
	}
	if c.GlobalRPS <= 0 {
		return errors.New("GLOBAL_RPS must be positive")
	}
	if c.GlobalBurst <= 0 {
		return errors.New("GLOBAL_BURST must be positive")
	}
	if c.MaxInFlight <= 0 {
		return errors.New("MAX_IN_FLIGHT must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if len(c.IdentityPepper.Value()) < 32 {
		return errors.New("IDENTITY_PEPPER must be at least 32 bytes")
	}
	if c.IdentityRotationInterval < 15*time.Minute {
		return errors.New("IDENTITY_ROTATION_INTERVAL must be at least 15 minutes")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.AdminUser == "" || c.AdminPass.Value() == "" {
			return errors.New("ADMIN_USER and ADMIN_PASS are required in production")
		}
	}
	if c.LoadSampleInterval < time.Second {
		return errors.New("LOAD_SAMPLE_INTERVAL must be at least 1 second")
	}
	if c.BaselineInterval < time.Second {
		return errors.New("BASELINE_INTERVAL must be at least 1 second")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.IdentityPepper.Wipe()
	c.MetricsPass.Wipe()
	c.AdminPass.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
