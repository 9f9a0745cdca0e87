package httpx

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter counts requests against named budgets.
type RateLimiter interface {
	Take(ctx context.Context, b rateBucket) rateDecision
	Close()
}

// rateScope selects who a budget is charged to.
type rateScope string

const (
	scopeUser    rateScope = "user"
	scopeProject rateScope = "project"
)

// ratePolicy is the budget attached to a route. Project budgets are shared by
// every caller acting on the same workspace, so lifecycle mutations cannot
// flap a container faster than the runtime can follow.
type ratePolicy struct {
	name   string
	scope  rateScope
	limit  int
	window time.Duration
}

var (
	policyCreate    = ratePolicy{name: "create", scope: scopeUser, limit: 10, window: time.Minute}
	policyRead      = ratePolicy{name: "read", scope: scopeUser, limit: 240, window: time.Minute}
	policyWrite     = ratePolicy{name: "write", scope: scopeUser, limit: 60, window: time.Minute}
	policyStream    = ratePolicy{name: "stream", scope: scopeUser, limit: 30, window: 30 * time.Second}
	policyLifecycle = ratePolicy{name: "lifecycle", scope: scopeProject, limit: 12, window: time.Minute}
)

type rateBucket struct {
	key    string
	limit  int
	window time.Duration
}

type rateDecision struct {
	allowed   bool
	remaining int
	resetAt   time.Time
}

// bucket resolves the policy for req. The second result is false when the
// request carries no subject for the policy's scope.
func (p ratePolicy) bucket(req *http.Request) (rateBucket, bool) {
	var subject string
	switch p.scope {
	case scopeProject:
		subject = req.PathValue("id")
	default:
		subject = userIDFromContext(req.Context())
		if subject == "" {
			subject = "ip:" + clientIP(req)
		}
	}
	if subject == "" {
		return rateBucket{}, false
	}
	return rateBucket{
		key:    string(p.scope) + ":" + subject + ":" + p.name,
		limit:  p.limit,
		window: p.window,
	}, true
}

// rateLimited charges p before next runs and answers 429 when the budget is
// spent.
func (r *Router) rateLimited(p ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		b, ok := p.bucket(req)
		if !ok || r.limiter == nil || b.limit <= 0 {
			next(w, req)
			return
		}
		decision := r.limiter.Take(req.Context(), b)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(b.limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.remaining))
		if !decision.resetAt.IsZero() {
			h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.resetAt.Unix(), 10))
		}
		if !decision.allowed {
			r.metrics.recordRateLimitHit(p.name, string(p.scope))
			if wait := time.Until(decision.resetAt); wait > 0 {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// authed authenticates the caller and charges the user budget p.
func (r *Router) authed(p ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.rateLimited(p, next))
}

// lifecycle guards a workspace mutation: the caller's write budget, the
// ownership check, then the workspace's own lifecycle budget.
func (r *Router) lifecycle(next http.HandlerFunc) http.HandlerFunc {
	return r.authed(policyWrite, r.owned(r.rateLimited(policyLifecycle, next)))
}

const memorySweepEvery = 5 * time.Minute

type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateWindow
	now       func() time.Time
	nextSweep time.Time
}

type rateWindow struct {
	used    int
	resetAt time.Time
}

// NewMemoryRateLimiter returns a fixed window limiter local to this process.
// Expired windows are pruned lazily.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{windows: make(map[string]*rateWindow), now: time.Now}
}

func (m *memoryRateLimiter) Take(_ context.Context, b rateBucket) rateDecision {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep(now)

	w, ok := m.windows[b.key]
	if !ok || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(b.window)}
		m.windows[b.key] = w
	}
	if w.used >= b.limit {
		return rateDecision{allowed: false, resetAt: w.resetAt}
	}
	w.used++
	return rateDecision{allowed: true, remaining: b.limit - w.used, resetAt: w.resetAt}
}

func (m *memoryRateLimiter) sweep(now time.Time) {
	if now.Before(m.nextSweep) {
		return
	}
	m.nextSweep = now.Add(memorySweepEvery)
	for key, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, key)
		}
	}
}

func (m *memoryRateLimiter) Close() {}
