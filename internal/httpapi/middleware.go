package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"qazna.org/gateway/internal/audit"
	"qazna.org/gateway/internal/auth"
	"qazna.org/gateway/internal/ids"
	"qazna.org/gateway/internal/obs"
)

const requestIDHeader = "X-Request-ID"

type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.code = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestState is shared between the outer audit middleware and the inner authentication step,
// which runs on a derived context the outer layer cannot see.
type requestState struct {
	mu       sync.Mutex
	identity auth.Identity
	set      bool
}

type requestStateKey struct{}

func stateFrom(ctx context.Context) *requestState {
	st, _ := ctx.Value(requestStateKey{}).(*requestState)
	return st
}

func rememberIdentity(ctx context.Context, id auth.Identity) {
	if st := stateFrom(ctx); st != nil {
		st.mu.Lock()
		st.identity, st.set = id, true
		st.mu.Unlock()
	}
}

// RequestID honours an inbound X-Request-ID or mints a new one, and attaches a logger carrying it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" || len(rid) > 128 {
			rid = ids.RequestID()
		}
		w.Header().Set(requestIDHeader, rid)
		ctx := auth.ContextWithRequestID(r.Context(), rid)
		ctx = obs.ToContext(ctx, obs.Logger().With(zap.String("request_id", rid)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Audit emits one access record per request, whatever the outcome.
func Audit(relay *audit.Relay, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if relay == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := &requestState{}
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			start := time.Now()
			defer func() {
				st.mu.Lock()
				id := st.identity
				if !st.set {
					id = auth.Anonymous()
				}
				st.mu.Unlock()
				rec := audit.Record{
					Event:     "http.access",
					RequestID: auth.RequestIDFromContext(r.Context()),
					Tier:      id.Tier.String(),
					Method:    r.Method,
					Path:      r.URL.Path,
					Status:    sw.code,
					Duration:  time.Since(start),
					IP:        clientIP(r, trustProxy),
				}
				if id.Claims != nil {
					rec.Subject = id.Claims.Subject
				}
				relay.Emit(rec)
			}()
			ctx := context.WithValue(r.Context(), requestStateKey{}, st)
			next.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}

// Recover turns handler panics into a 500 envelope.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				obs.From(r.Context()).Error("panic in handler",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				writeError(w, r, errInternal.withCause(fmt.Errorf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging: method, path, status, duration
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		obs.From(r.Context()).Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// SecurityHeaders sets the hardening headers of a JSON API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// CORS answers preflights and tags responses for the listed origins; "*" allows any origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	const (
		allowedMethods = "GET,POST,PATCH,DELETE,OPTIONS"
		allowedHeaders = "Authorization,Content-Type,Idempotency-Key,X-API-Key,X-Request-ID"
		exposedHeaders = "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset,Retry-After"
	)
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || !(allowed["*"] || allowed[origin]) {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", exposedHeaders)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", allowedMethods)
				h.Set("Access-Control-Allow-Headers", allowedHeaders)
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodyBytes: limit request body size
func MaxBodyBytes(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// IPGuard is a token bucket per client IP. It runs ahead of token verification so floods of
// garbage tokens never reach the signature primitive.
type IPGuard struct {
	perSecond  rate.Limit
	burst      int
	ttl        time.Duration
	trustProxy bool

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

type ipBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewIPGuard returns a guard allowing perSecond sustained requests with the given burst.
func NewIPGuard(perSecond float64, burst int, trustProxy bool) *IPGuard {
	if burst <= 0 {
		burst = 1
	}
	return &IPGuard{
		perSecond:  rate.Limit(perSecond),
		burst:      burst,
		ttl:        5 * time.Minute,
		trustProxy: trustProxy,
		buckets:    make(map[string]*ipBucket),
	}
}

func (g *IPGuard) allow(ip string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[ip]
	if !ok {
		b = &ipBucket{lim: rate.NewLimiter(g.perSecond, g.burst)}
		g.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Prune drops buckets idle for longer than the guard's ttl.
func (g *IPGuard) Prune(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for ip, b := range g.buckets {
		if now.Sub(b.seen) > g.ttl {
			delete(g.buckets, ip)
			n++
		}
	}
	return n
}

// Run prunes idle buckets every minute until ctx is done.
func (g *IPGuard) Run(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			g.Prune(now)
		}
	}
}

func (g *IPGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, g.trustProxy)
		if ip == "" {
			ip = "unknown"
		}
		if !g.allow(ip, time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, errFlood)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request, trustProxy bool) string {
	// X-Forwarded-For support (first IP)
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
