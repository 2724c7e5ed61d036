package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"branchgate.org/internal/deny"
	"branchgate.org/internal/ids"
	"branchgate.org/internal/obs"
	"branchgate.org/internal/reqctx"
)

const (
	HeaderRequestID     = "X-Request-Id"
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderResponseTime  = "X-Response-Time"
)

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestID opens the per-request state and assigns the correlation id. A
// caller-supplied X-Request-Id or X-Correlation-Id is reused when it is safe
// to echo; otherwise a fresh ULID is minted.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, st := reqctx.With(r.Context(), time.Now())

		incoming := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if incoming == "" {
			incoming = strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		}
		id := incoming
		if !ids.SafeExternal(id) {
			id = ids.New()
		}
		_ = st.SetRequestID(id)

		w.Header().Set(HeaderRequestID, id)
		if r.Header.Get(HeaderCorrelationID) != "" {
			w.Header().Set(HeaderCorrelationID, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the correlation id, or "" outside the pipeline.
func RequestIDFromContext(ctx context.Context) string {
	if st := reqctx.From(ctx); st != nil {
		return st.RequestID()
	}
	return ""
}

// LoggingJSON writes one request_complete line per request.
func LoggingJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)

		fields := []zap.Field{
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", obs.RoutePattern(r)),
			zap.Int("status", sw.code),
			zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		}
		if st := reqctx.From(r.Context()); st != nil {
			if id, ok := st.BranchID(); ok {
				fields = append(fields, zap.Int64("branch_id", id))
			}
			if p, ok := st.Principal(); ok {
				fields = append(fields, zap.Int64("user_id", p.ID))
			}
			if st.Impersonating() {
				if a, ok := st.ActualPerformer(); ok {
					fields = append(fields, zap.Int64("actor_id", a.ID))
				}
			}
		}
		obs.Logger().Info("request_complete", fields...)
	})
}

// Recover turns a handler panic into a 500.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				fail(w, r, "handler", fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS wraps next with rs/cors. Credentials are allowed so browser
// sessions work cross-origin; origins must therefore be listed explicitly.
func CORS(origins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization", "Content-Type", "If-None-Match",
			"X-Branch-Id", "X-Module-Key", "X-Impersonate-User",
			HeaderRequestID, HeaderCorrelationID,
		},
		ExposedHeaders:   []string{HeaderRequestID, HeaderCorrelationID, HeaderResponseTime, "ETag", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler
}

func setSecurityHeaders(h http.Header, r *http.Request) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "0")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
	if r.TLS != nil {
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
	}
}

// bufferedWriter holds the response until Finalize has decorated it.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// Finalize decorates every outgoing response, denials included: security
// headers, X-Response-Time and Server-Timing, and a weak ETag on cacheable
// 200s with 304 for a matching If-None-Match.
func Finalize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		bw := &bufferedWriter{header: w.Header()}
		next.ServeHTTP(bw, r)
		if bw.status == 0 {
			bw.status = http.StatusOK
		}

		h := w.Header()
		setSecurityHeaders(h, r)
		elapsed := time.Since(start)
		if st := reqctx.From(r.Context()); st != nil {
			elapsed = st.Elapsed()
		}
		ms := float64(elapsed.Microseconds()) / 1000
		h.Set(HeaderResponseTime, strconv.FormatFloat(ms, 'f', 3, 64)+"ms")
		h.Set("Server-Timing", "app;dur="+strconv.FormatFloat(ms, 'f', 3, 64))

		body := bw.body.Bytes()
		if cacheable(r, bw.status, h, body) {
			tag := etag(body)
			h.Set("ETag", tag)
			if etagMatches(r.Header.Get("If-None-Match"), tag) {
				h.Del("Content-Length")
				h.Del("Content-Type")
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
		w.WriteHeader(bw.status)
		if r.Method != http.MethodHead {
			_, _ = w.Write(body)
		}
	})
}

func cacheable(r *http.Request, status int, h http.Header, body []byte) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if status != http.StatusOK || len(body) == 0 {
		return false
	}
	if strings.Contains(h.Get("Cache-Control"), "no-store") {
		return false
	}
	return h.Get("ETag") == ""
}

func etag(body []byte) string {
	sum := sha256.Sum256(body)
	return `W/"` + hex.EncodeToString(sum[:16]) + `"`
}

func etagMatches(header, tag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == tag || "W/"+candidate == tag {
			return true
		}
	}
	return false
}

// MaxBodyBytes limits request body size.
func MaxBodyBytes(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter is a per-client token bucket. Idle buckets are dropped by
// Sweep.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	proxies ProxyTrust
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewRateLimiter keys buckets by client address as seen through proxies.
func NewRateLimiter(perSecond float64, burst int, proxies ProxyTrust) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     5 * time.Minute,
		proxies: proxies,
	}
}

func (rl *RateLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Sweep removes buckets idle for longer than the ttl.
func (rl *RateLimiter) Sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for k, b := range rl.buckets {
		if now.Sub(b.seen) > rl.ttl {
			delete(rl.buckets, k)
			n++
		}
	}
	return n
}

// Run sweeps every minute until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.Sweep(now)
		}
	}
}

// Middleware rejects over-limit clients with 429 and Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := rl.proxies.ClientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		if !rl.allow(ip, time.Now()) {
			retry := 1
			if rl.limit > 0 {
				retry = int(math.Ceil(1 / float64(rl.limit)))
				if retry < 1 {
					retry = 1
				}
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			fail(w, r, "ratelimit", deny.New(deny.KindRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

