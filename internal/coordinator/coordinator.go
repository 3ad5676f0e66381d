// Package coordinator wraps upstream calls with cache-first lookup,
// single-flight deduplication, timeout and cooperative cancellation, and
// supersession: within one Coordinator only the most recently issued
// request's outcome is ever applied to observable state.
//
// One Coordinator is created per logical resource (catalog, classification,
// Q&A); coordinators for different resources are fully independent.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/leaf-labs/plantchat/internal/cache"
	"github.com/leaf-labs/plantchat/internal/circuitbreaker"
	"github.com/leaf-labs/plantchat/internal/logging"
	"github.com/leaf-labs/plantchat/internal/metrics"
)

// Options tune a single Fetch call.
type Options struct {
	// ForceRefresh bypasses the cache lookup and always contacts the
	// network. The result is still written through.
	ForceRefresh bool
	// Timeout bounds the network call. The deadline is attached to the same
	// context that carries cancellation, so a lost timeout race aborts the
	// underlying call instead of leaving it running. Zero means no deadline.
	Timeout time.Duration
	// TTL overrides the namespace default expiry for the write-through.
	TTL time.Duration
}

// Coordinator orchestrates fetches for one logical resource. The zero value
// is not usable; create instances with New.
type Coordinator[T any] struct {
	resource string
	store    cache.Store
	ns       cache.Namespace
	breaker  *circuitbreaker.CircuitBreaker
	sf       singleflight.Group

	mu          sync.Mutex
	gen         uint64
	cancel      context.CancelFunc
	inflightKey string
	inflightCtx context.Context
	loading     bool
	lastErr     error
	last        T
	hasResult   bool
}

// New creates a Coordinator for one resource. breaker may be nil to disable
// circuit breaking.
func New[T any](resource string, store cache.Store, ns cache.Namespace, breaker *circuitbreaker.CircuitBreaker) *Coordinator[T] {
	return &Coordinator[T]{
		resource: resource,
		store:    store,
		ns:       ns,
		breaker:  breaker,
	}
}

// Fetch resolves key via the cache, or by calling fetcher exactly once per
// concurrent identical request. A call superseded by a newer one resolves to
// ErrAborted and leaves no trace in observable state.
func (c *Coordinator[T]) Fetch(ctx context.Context, key string, fetcher func(context.Context) (T, error), opts Options) (T, error) {
	var zero T
	start := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues(c.resource).Observe(time.Since(start).Seconds())
	}()

	if !opts.ForceRefresh {
		if raw, ok := c.store.Get(ctx, c.ns, key); ok {
			var v T
			err := json.Unmarshal(raw, &v)
			if err == nil {
				metrics.CacheHits.WithLabelValues(string(c.ns)).Inc()
				metrics.RequestsTotal.WithLabelValues(c.resource, "cache_hit").Inc()
				c.mu.Lock()
				c.last = v
				c.hasResult = true
				c.lastErr = nil
				c.mu.Unlock()
				return v, nil
			}
			logging.FromContext(ctx).Warn("discarding undecodable cache entry",
				"namespace", string(c.ns), "key", key, "error", err.Error())
		}
		metrics.CacheMisses.WithLabelValues(string(c.ns)).Inc()
	}

	// Join an identical in-flight request, or supersede whatever is running.
	c.mu.Lock()
	joined := c.cancel != nil && !opts.ForceRefresh && key == c.inflightKey
	var (
		myGen uint64
		fctx  context.Context
	)
	if joined {
		myGen = c.gen
		fctx = c.inflightCtx
	} else {
		if c.cancel != nil {
			c.cancel()
			c.sf.Forget(c.inflightKey)
		}
		c.gen++
		myGen = c.gen

		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			fctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		} else {
			fctx, cancel = context.WithCancel(ctx)
		}
		c.cancel = cancel
		c.inflightKey = key
		c.inflightCtx = fctx
	}
	c.loading = true
	c.mu.Unlock()

	if !joined && c.breaker != nil && !c.breaker.Allow() {
		metrics.CircuitBreakerState.WithLabelValues(c.resource).Set(float64(circuitbreaker.StateOpen))
		metrics.RequestsTotal.WithLabelValues(c.resource, "error").Inc()
		c.apply(myGen, zero, false, ErrUnavailable)
		return zero, ErrUnavailable
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		val, ferr := fetcher(fctx)
		if ferr != nil {
			if c.breaker != nil && !errors.Is(ferr, context.Canceled) {
				c.breaker.RecordFailure()
				metrics.CircuitBreakerState.WithLabelValues(c.resource).Set(float64(c.breaker.State()))
			}
			return nil, ferr
		}
		if c.breaker != nil {
			c.breaker.RecordSuccess()
			metrics.CircuitBreakerState.WithLabelValues(c.resource).Set(float64(circuitbreaker.StateClosed))
		}
		if raw, merr := json.Marshal(val); merr == nil {
			c.store.Set(ctx, c.ns, key, raw, opts.TTL)
		} else {
			logging.FromContext(ctx).Warn("skipping write-through of unencodable value",
				"namespace", string(c.ns), "key", key, "error", merr.Error())
		}
		return val, nil
	})

	if err != nil {
		// The token's own state wins over whatever the fetcher reported: a
		// superseded or timed-out call is classified by its context even if
		// the transport wrapped the error beyond recognition.
		if fctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			err = fctx.Err()
		}
		nerr := normalize(err)
		applied := c.apply(myGen, zero, false, nerr)
		if !applied || IsAborted(nerr) {
			metrics.RequestsTotal.WithLabelValues(c.resource, "superseded").Inc()
			return zero, ErrAborted
		}
		outcome := "error"
		if errors.Is(nerr, ErrTimeout) {
			outcome = "timeout"
		}
		metrics.RequestsTotal.WithLabelValues(c.resource, outcome).Inc()
		return zero, nerr
	}

	val := v.(T)
	if !c.apply(myGen, val, true, nil) {
		metrics.RequestsTotal.WithLabelValues(c.resource, "superseded").Inc()
		return zero, ErrAborted
	}
	metrics.RequestsTotal.WithLabelValues(c.resource, "success").Inc()
	return val, nil
}

// apply commits an outcome to the coordinator's observable fields. Returns
// false — and changes nothing — when the outcome belongs to a superseded
// generation.
func (c *Coordinator[T]) apply(myGen uint64, v T, ok bool, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if myGen != c.gen {
		return false
	}
	c.loading = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.inflightKey = ""
		c.inflightCtx = nil
	}
	c.lastErr = err
	if ok {
		c.last = v
		c.hasResult = true
	}
	return true
}

// Cancel aborts any in-flight fetch and guarantees its eventual resolution
// is discarded. Used by the conversation reset.
func (c *Coordinator[T]) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.sf.Forget(c.inflightKey)
		c.cancel = nil
		c.inflightKey = ""
		c.inflightCtx = nil
	}
	c.gen++
	c.loading = false
	c.lastErr = nil
}

// Resource returns the coordinator's resource name.
func (c *Coordinator[T]) Resource() string { return c.resource }

// Loading reports whether a fetch is currently in flight.
func (c *Coordinator[T]) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// LastError returns the error of the most recent applied outcome, or nil.
func (c *Coordinator[T]) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Result returns the most recent applied value, and whether one exists.
func (c *Coordinator[T]) Result() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasResult
}
