package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"floodgate/cfg"
	"floodgate/svc/breaker"
	"floodgate/svc/util"
)

var testPepper = []byte("0123456789abcdef0123456789abcdef")

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		Port:           "8080",
		GlobalRPS:      1000,
		GlobalBurst:    1000,
		ContextTimeout: 5 * time.Second,
	}
}

func newTestMw(t *testing.T, qpsMax float64) (*Mw, *breaker.CircuitBreaker) {
	t.Helper()
	brk, err := breaker.New(breaker.Config{
		Window:      60 * time.Second,
		QPSMax:      qpsMax,
		BanDuration: 300 * time.Second,
	})
	if err != nil {
		t.Fatalf("breaker.New failed: %v", err)
	}
	t.Cleanup(brk.Stop)
	hasher, err := util.NewIdentityHasher(testPepper, time.Hour)
	if err != nil {
		t.Fatalf("NewIdentityHasher failed: %v", err)
	}
	t.Cleanup(hasher.Stop)
	return NewMw(brk, hasher, testCfg()), brk
}

func doReq(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader("{}"))
	r.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdmit_BansBurstingClient(t *testing.T) {
	mw, brk := newTestMw(t, 2)
	h := mw.Admit("events")(okHandler())

	for i := 0; i < 2; i++ {
		if w := doReq(h, "10.1.2.3:4444"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
	w := doReq(h, "10.1.2.3:4444")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("burst request should get 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "300" {
		t.Errorf("ban response should carry Retry-After 300, got %q", got)
	}

	// Rejection during the existing ban carries no duration.
	w = doReq(h, "10.1.2.3:4444")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("request during ban should get 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "" {
		t.Errorf("rejection during ban should not set Retry-After, got %q", got)
	}
	if brk.Stats().ActiveBans != 1 {
		t.Errorf("expected 1 active ban, got %d", brk.Stats().ActiveBans)
	}
}

func TestAdmit_DistinctClientsIndependent(t *testing.T) {
	mw, _ := newTestMw(t, 2)
	h := mw.Admit("events")(okHandler())

	for i := 0; i < 3; i++ {
		doReq(h, "10.1.2.3:4444")
	}
	if w := doReq(h, "10.9.9.9:4444"); w.Code != http.StatusOK {
		t.Errorf("other client should be unaffected by a ban, got %d", w.Code)
	}
}

func TestAdmit_FeedsFailureAndSuccess(t *testing.T) {
	mw, brk := newTestMw(t, 100)
	fail := mw.Admit("events")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	doReq(fail, "10.1.2.3:4444")
	if got := brk.Stats().TotalFailures; got != 1 {
		t.Fatalf("5xx response should record a failure, got %d", got)
	}

	ok := mw.Admit("events")(okHandler())
	doReq(ok, "10.1.2.3:4444")
	if got := brk.Stats().TotalFailures; got != 0 {
		t.Errorf("2xx response should record a success, got %d failures", got)
	}
}

func TestAdmit_PanickingHandlerReleasesInFlight(t *testing.T) {
	mw, brk := newTestMw(t, 100)
	h := mw.Recoverer(mw.Admit("events")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	})))

	w := doReq(h, "10.1.2.3:4444")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("panicking handler should yield 500, got %d", w.Code)
	}
	if got := mw.InFlight(); got != 0 {
		t.Errorf("in-flight counter leaked after panic: %d", got)
	}
	if got := brk.Stats().TotalFailures; got != 1 {
		t.Errorf("panic should count as a failure against the identity, got %d", got)
	}

	// Repeated panics must not accumulate either.
	doReq(h, "10.1.2.3:4444")
	if got := mw.InFlight(); got != 0 {
		t.Errorf("in-flight counter leaked after second panic: %d", got)
	}
}

func TestAdmit_GlobalThrottle(t *testing.T) {
	brk, err := breaker.New(breaker.Config{
		Window:      60 * time.Second,
		QPSMax:      100,
		BanDuration: 300 * time.Second,
	})
	if err != nil {
		t.Fatalf("breaker.New failed: %v", err)
	}
	t.Cleanup(brk.Stop)
	hasher, err := util.NewIdentityHasher(testPepper, time.Hour)
	if err != nil {
		t.Fatalf("NewIdentityHasher failed: %v", err)
	}
	t.Cleanup(hasher.Stop)
	c := testCfg()
	c.GlobalRPS = 1
	c.GlobalBurst = 1
	mw := NewMw(brk, hasher, c)
	h := mw.Admit("events")(okHandler())

	if w := doReq(h, "10.1.2.3:4444"); w.Code != http.StatusOK {
		t.Fatalf("first request should pass the throttle, got %d", w.Code)
	}
	w := doReq(h, "10.5.6.7:4444")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled request should get 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("throttle response should hint retry in 1s, got %q", got)
	}
}

func TestBasicAuth(t *testing.T) {
	mw, _ := newTestMw(t, 100)
	h := mw.BasicAuth("admin", "ops", cfg.NewSecret("secret"))(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/admin/breaker/stats", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing credentials should get 401, got %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/admin/breaker/stats", nil)
	r.SetBasicAuth("ops", "secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("valid credentials should pass, got %d", w.Code)
	}
}

func TestGetRealIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:1234"
	if got := GetRealIP(r, nil); got != "203.0.113.7" {
		t.Errorf("no proxies: expected remote addr, got %s", got)
	}

	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.2")
	got := GetRealIP(r, []string{"10.0.0.0/8"})
	if got != "198.51.100.9" {
		t.Errorf("expected first untrusted hop, got %s", got)
	}

	// Untrusted remote must not be able to spoof via XFF.
	r.RemoteAddr = "203.0.113.7:1234"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	if got := GetRealIP(r, []string{"10.0.0.0/8"}); got != "203.0.113.7" {
		t.Errorf("untrusted remote should be used directly, got %s", got)
	}
}
