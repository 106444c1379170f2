package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"floodgate/cfg"
	"floodgate/metrics"
	"floodgate/pkg/domain"
	"floodgate/svc/breaker"
	"floodgate/svc/util"

	"golang.org/x/time/rate"
)

// admitter is the admission surface the middleware needs; both breaker
// variants satisfy it.
type admitter interface {
	RecordRequest(identity string) breaker.Decision
	RecordSuccess(identity string)
	RecordFailure(identity string)
}

type Mw struct {
	brk      admitter
	hasher   *util.IdentityHasher
	cfg      *cfg.Cfg
	global   *rate.Limiter
	inFlight int64
}

func NewMw(brk admitter, hasher *util.IdentityHasher, c *cfg.Cfg) *Mw {
	return &Mw{
		brk:    brk,
		hasher: hasher,
		cfg:    c,
		global: rate.NewLimiter(rate.Limit(c.GlobalRPS), c.GlobalBurst),
	}
}

// InFlight is the number of requests currently inside the admission
// chain; main samples it to derive the adaptive load signal.
func (m *Mw) InFlight() int64 {
	return atomic.LoadInt64(&m.inFlight)
}

func (m *Mw) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := util.NewRequestID()
		ctx := util.SetRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) ContextTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.cfg.ContextTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) JSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				requestID := util.GetRequestID(r.Context())
				util.Error().
					Interface("panic", rvr).
					Str("request_id", requestID).
					Msg("panic recovered")
				if w.Header().Get("Content-Type") == "" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error":      "internal server error",
						"request_id": requestID,
					})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Admit is the per-endpoint admission gate: a process-global throttle in
// front of the per-identity circuit breaker. Rejections carry Retry-After
// when a new ban was issued. 5xx responses count as failures against the
// identity, 2xx as successes.
func (m *Mw) Admit(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := util.GetRequestID(r.Context())
			start := time.Now()
			if !m.global.Allow() {
				metrics.AdmissionRejected.WithLabelValues(endpoint, "throttled").Inc()
				w.Header().Set("Retry-After", "1")
				writeErr(w, domain.ErrRateLimitExceeded, requestID)
				return
			}
			identity := m.hasher.Hash(GetRealIP(r, m.cfg.TrustedProxies))
			dec := m.brk.RecordRequest(identity)
			if !dec.Allowed {
				metrics.AdmissionRejected.WithLabelValues(endpoint, "banned").Inc()
				if dec.BanSeconds > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%d", dec.BanSeconds))
				}
				util.Warn().
					Str("identity", util.RedactIdentity(identity)).
					Str("endpoint", endpoint).
					Str("request_id", requestID).
					Msg("request rejected by circuit breaker")
				writeErr(w, domain.ErrCircuitOpen, requestID)
				return
			}
			metrics.AdmissionAllowed.WithLabelValues(endpoint).Inc()

			atomic.AddInt64(&m.inFlight, 1)
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			// The decrement and outcome accounting must survive a
			// panicking handler; the panic itself is re-raised for the
			// outer recovery middleware.
			defer func() {
				atomic.AddInt64(&m.inFlight, -1)
				if rvr := recover(); rvr != nil {
					m.brk.RecordFailure(identity)
					metrics.RequestDuration.
						WithLabelValues(r.Method, endpoint, "500").
						Observe(time.Since(start).Seconds())
					panic(rvr)
				}
				switch {
				case ww.status >= 500:
					m.brk.RecordFailure(identity)
				case ww.status < 400:
					m.brk.RecordSuccess(identity)
				}
				metrics.RequestDuration.
					WithLabelValues(r.Method, endpoint, fmt.Sprintf("%d", ww.status)).
					Observe(time.Since(start).Seconds())
			}()
			next.ServeHTTP(ww, r.WithContext(setIdentity(r.Context(), identity)))
		})
	}
}

func (m *Mw) BasicAuth(realm, user string, pass cfg.Secret) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user == "" && pass.Value() == "" {
				next.ServeHTTP(w, r)
				return
			}
			u, p, ok := r.BasicAuth()
			userMatch := 0
			passMatch := 0
			if ok {
				userMatch = subtle.ConstantTimeCompare([]byte(u), []byte(user))
				passMatch = subtle.ConstantTimeCompare([]byte(p), []byte(pass.Value()))
			}
			if !ok || userMatch != 1 || passMatch != 1 {
				w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte("Unauthorized\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type identityKeyType struct{}

var identityKey identityKeyType

func setIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the opaque identity set by Admit, or "".
func IdentityFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey).(string); ok {
		return id
	}
	return ""
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}
func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// GetRealIP resolves the client address, walking X-Forwarded-For right to
// left past trusted proxies only.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 {
		return remoteIP
	}
	if !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}

	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff
	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		lastComma := strings.LastIndexByte(remaining, ',')
		var ipStr string
		if lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil {
				parsedIP := net.ParseIP(ip)
				if parsedIP != nil && subnet.Contains(parsedIP) {
					return true
				}
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
