// Package fetch implements the periodic, parallel vendor-feed fetcher
// (C2 of spec.md §4.2): per-feed HTTP GET with retry/backoff/jitter,
// per-feed serialization (a tick that overlaps an in-flight fetch for
// the same feed is skipped), and a circuit breaker so a feed stuck
// failing stops consuming fetch-worker capacity every tick (SPEC_FULL.md
// C2 supplement). Grounded on tidbyt.dev/gtfs's downloader.HTTPGet,
// generalized with the retry/backoff policy of spec.md §4.2 and
// sony/gobreaker, as used by jordigilh-kubernaut for its outbound calls.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrKind classifies a fetch failure per spec.md §4.2.
type ErrKind string

const (
	ErrNone      ErrKind = ""
	ErrTimeout   ErrKind = "timeout"
	ErrHTTP      ErrKind = "http_error"
	ErrDNS       ErrKind = "dns_error"
	ErrSizeLimit ErrKind = "size_limit"
	ErrOverlap   ErrKind = "overlap"
)

// Descriptor identifies one vendor feed endpoint.
type Descriptor struct {
	FeedID    string
	URL       string
	TimeoutMS int
}

// Policy controls retry/backoff behavior, per spec.md §4.2.
type Policy struct {
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	JitterFraction  float64
	MaxResponseSize int64

	// RateLimitPerSecond caps requests (including retries) per feed, so a
	// feed stuck retrying never floods the vendor endpoint faster than a
	// well-behaved client would poll it.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// DefaultPolicy mirrors spec.md §6's defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:         3,
		BackoffBase:        250 * time.Millisecond,
		BackoffCap:         4 * time.Second,
		JitterFraction:     0.2,
		MaxResponseSize:    64 << 20,
		RateLimitPerSecond: 2,
		RateLimitBurst:     2,
	}
}

// Outcome is the result of one Fetch call.
type Outcome struct {
	Body     []byte
	Err      error
	Kind     ErrKind
	Attempts int
}

// HTTPDoer is the subset of *http.Client used by Fetcher, so tests can
// substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher fetches feeds in parallel with one breaker and one
// in-flight lock per feed.
type Fetcher struct {
	client HTTPDoer

	mu       sync.Mutex
	policy   Policy
	inFlight map[string]bool
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
	rng      *rand.Rand
	rngMu    sync.Mutex
}

// New builds a Fetcher. Pass nil for client to use a plain
// *http.Client; each attempt's timeout comes from its request context.
func New(client HTTPDoer, policy Policy) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{
		client:   client,
		policy:   policy,
		inFlight: map[string]bool{},
		breakers: map[string]*gobreaker.CircuitBreaker{},
		limiters: map[string]*rate.Limiter{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// currentPolicy returns a snapshot of the live policy, safe to read
// concurrently with SetPolicy.
func (f *Fetcher) currentPolicy() Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policy
}

// SetPolicy replaces the retry/backoff/rate-limit policy in effect for
// subsequent Fetch calls, one of the knobs config.Watcher reloads live.
// Per-feed rate limiters already created keep the rate and burst they
// were built with; only feeds first fetched after the call get limiters
// built from the new policy.
func (f *Fetcher) SetPolicy(policy Policy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = policy
}

func (f *Fetcher) limiter(feedID string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[feedID]
	if !ok {
		r := f.policy.RateLimitPerSecond
		burst := f.policy.RateLimitBurst
		if r <= 0 {
			r = DefaultPolicy().RateLimitPerSecond
		}
		if burst <= 0 {
			burst = DefaultPolicy().RateLimitBurst
		}
		l = rate.NewLimiter(rate.Limit(r), burst)
		f.limiters[feedID] = l
	}
	return l
}

func (f *Fetcher) breaker(feedID string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[feedID]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        feedID,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		f.breakers[feedID] = b
	}
	return b
}

// tryAcquire marks feedID as in-flight. Returns false (and does not
// mark) if a fetch for this feed is already in flight — the tick is
// skipped as an overlap, per spec.md §4.2.
func (f *Fetcher) tryAcquire(feedID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight[feedID] {
		return false
	}
	f.inFlight[feedID] = true
	return true
}

func (f *Fetcher) release(feedID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, feedID)
}

// Fetch retrieves one feed's payload, serialized per feed_id and
// guarded by a circuit breaker. The outer ctx bounds the whole
// operation including retries.
func (f *Fetcher) Fetch(ctx context.Context, d Descriptor) Outcome {
	if !f.tryAcquire(d.FeedID) {
		return Outcome{Kind: ErrOverlap, Err: fmt.Errorf("fetch for feed %q already in flight", d.FeedID)}
	}
	defer f.release(d.FeedID)

	breaker := f.breaker(d.FeedID)
	limiter := f.limiter(d.FeedID)
	policy := f.currentPolicy()

	var lastOutcome Outcome
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoffDelay(policy, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastOutcome = Outcome{Kind: ErrTimeout, Err: ctx.Err(), Attempts: attempt}
				return lastOutcome
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			lastOutcome = Outcome{Kind: ErrTimeout, Err: err, Attempts: attempt}
			return lastOutcome
		}

		result, err := breaker.Execute(func() (interface{}, error) {
			return f.attempt(ctx, d, policy)
		})

		if err == nil {
			body := result.([]byte)
			return Outcome{Body: body, Attempts: attempt + 1}
		}

		lastOutcome = classify(err, attempt+1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Breaker is open: don't burn the remaining retry
			// budget hammering a feed known to be down.
			return lastOutcome
		}
	}

	return lastOutcome
}

func (f *Fetcher) attempt(ctx context.Context, d Descriptor, policy Policy) ([]byte, error) {
	timeout := time.Duration(d.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &fetchError{kind: ErrTimeout, err: err}
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return nil, &fetchError{kind: ErrDNS, err: err}
		}
		if reqCtx.Err() != nil {
			return nil, &fetchError{kind: ErrTimeout, err: reqCtx.Err()}
		}
		return nil, &fetchError{kind: ErrHTTP, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &fetchError{kind: ErrHTTP, err: fmt.Errorf("status %d", resp.StatusCode), code: resp.StatusCode}
	}

	reader := io.Reader(resp.Body)
	limit := policy.MaxResponseSize
	if limit <= 0 {
		limit = DefaultPolicy().MaxResponseSize
	}
	limited := io.LimitReader(reader, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, &fetchError{kind: ErrHTTP, err: err}
	}
	if int64(len(body)) > limit {
		return nil, &fetchError{kind: ErrSizeLimit, err: fmt.Errorf("response exceeds %d bytes", limit)}
	}

	return body, nil
}

type fetchError struct {
	kind ErrKind
	err  error
	code int
}

func (e *fetchError) Error() string { return e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

func classify(err error, attempts int) Outcome {
	var fe *fetchError
	if errors.As(err, &fe) {
		return Outcome{Kind: fe.kind, Err: fe, Attempts: attempts}
	}
	return Outcome{Kind: ErrHTTP, Err: err, Attempts: attempts}
}

// backoffDelay computes the exponential backoff with cap and jitter
// described in spec.md §4.2: starting 250ms, capped at 4s, ±20% jitter.
func (f *Fetcher) backoffDelay(policy Policy, attempt int) time.Duration {
	base := policy.BackoffBase
	cap_ := policy.BackoffCap
	if base <= 0 {
		base = DefaultPolicy().BackoffBase
	}
	if cap_ <= 0 {
		cap_ = DefaultPolicy().BackoffCap
	}

	d := base << uint(attempt-1)
	if d > cap_ || d <= 0 {
		d = cap_
	}

	jitterFrac := policy.JitterFraction
	if jitterFrac <= 0 {
		jitterFrac = DefaultPolicy().JitterFraction
	}

	f.rngMu.Lock()
	jitter := (f.rng.Float64()*2 - 1) * jitterFrac
	f.rngMu.Unlock()

	jittered := float64(d) * (1 + jitter)
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}
