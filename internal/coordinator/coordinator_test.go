package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leaf-labs/plantchat/internal/cache"
	"github.com/leaf-labs/plantchat/internal/circuitbreaker"
)

type payload struct {
	Value string `json:"value"`
}

func TestFetch_CacheHitSkipsNetwork(t *testing.T) {
	store := cache.NewMemory()
	raw, _ := json.Marshal(payload{Value: "cached"})
	store.Set(context.Background(), cache.Plants, "k1", raw, time.Minute)

	c := New[payload]("plants", store, cache.Plants, nil)
	var calls int32
	got, err := c.Fetch(context.Background(), "k1", func(context.Context) (payload, error) {
		atomic.AddInt32(&calls, 1)
		return payload{Value: "network"}, nil
	}, Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Value != "cached" {
		t.Errorf("expected cached value, got %q", got.Value)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("expected fetcher not to be called on cache hit")
	}
}

func TestFetch_MissPopulatesCache(t *testing.T) {
	store := cache.NewMemory()
	c := New[payload]("plants", store, cache.Plants, nil)

	got, err := c.Fetch(context.Background(), "k1", func(context.Context) (payload, error) {
		return payload{Value: "fresh"}, nil
	}, Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Value != "fresh" {
		t.Errorf("unexpected value %q", got.Value)
	}
	if _, ok := store.Get(context.Background(), cache.Plants, "k1"); !ok {
		t.Error("expected write-through to populate the cache")
	}
	if v, ok := c.Result(); !ok || v.Value != "fresh" {
		t.Errorf("expected applied result, got %+v ok=%v", v, ok)
	}
}

func TestFetch_ForceRefreshBypassesCache(t *testing.T) {
	store := cache.NewMemory()
	raw, _ := json.Marshal(payload{Value: "stale"})
	store.Set(context.Background(), cache.Plants, "k1", raw, time.Minute)

	c := New[payload]("plants", store, cache.Plants, nil)
	got, err := c.Fetch(context.Background(), "k1", func(context.Context) (payload, error) {
		return payload{Value: "fresh"}, nil
	}, Options{ForceRefresh: true, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Value != "fresh" {
		t.Errorf("expected refreshed value, got %q", got.Value)
	}
	raw, _ = store.Get(context.Background(), cache.Plants, "k1")
	var after payload
	_ = json.Unmarshal(raw, &after)
	if after.Value != "fresh" {
		t.Errorf("expected cache overwritten with fresh value, got %q", after.Value)
	}
}

func TestFetch_SingleFlight(t *testing.T) {
	store := cache.NewMemory()
	c := New[payload]("classify", store, cache.Classifications, nil)

	var calls int32
	release := make(chan struct{})
	started := make(chan struct{})
	fetcher := func(context.Context) (payload, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return payload{Value: "shared"}, nil
	}

	var wg sync.WaitGroup
	results := make([]payload, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// second caller waits until the first is in flight
			if i == 1 {
				<-started
			}
			results[i], errs[i] = c.Fetch(context.Background(), "same-key", fetcher, Options{TTL: time.Minute})
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected exactly one underlying call, got %d", n)
	}
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error %v", i, errs[i])
		}
		if results[i].Value != "shared" {
			t.Errorf("caller %d: unexpected value %q", i, results[i].Value)
		}
	}
}

func TestFetch_SupersessionDiscardsOlderCall(t *testing.T) {
	store := cache.NewMemory()
	c := New[payload]("classify", store, cache.Classifications, nil)

	firstStarted := make(chan struct{})
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), "old-key", func(ctx context.Context) (payload, error) {
			close(firstStarted)
			<-ctx.Done()
			return payload{}, ctx.Err()
		}, Options{TTL: time.Minute})
		firstErr <- err
	}()
	<-firstStarted

	got, err := c.Fetch(context.Background(), "new-key", func(context.Context) (payload, error) {
		return payload{Value: "newer"}, nil
	}, Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if got.Value != "newer" {
		t.Errorf("unexpected value %q", got.Value)
	}

	select {
	case err := <-firstErr:
		if !IsAborted(err) {
			t.Errorf("expected superseded call to resolve to ErrAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded call never resolved")
	}

	// only the newer call's outcome is observable
	if v, ok := c.Result(); !ok || v.Value != "newer" {
		t.Errorf("expected newer result applied, got %+v ok=%v", v, ok)
	}
	if c.LastError() != nil {
		t.Errorf("expected no lingering error, got %v", c.LastError())
	}
	if _, ok := store.Get(context.Background(), cache.Classifications, "old-key"); ok {
		t.Error("expected no cache entry for the superseded key")
	}
}

func TestFetch_SlowWinnerDiscardedAfterSupersession(t *testing.T) {
	// The older call returns a value despite cancellation; its outcome must
	// still be discarded because a newer generation exists.
	store := cache.NewMemory()
	c := New[payload]("classify", store, cache.Classifications, nil)

	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	firstRes := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), "old-key", func(context.Context) (payload, error) {
			close(firstStarted)
			<-releaseFirst
			return payload{Value: "slow"}, nil
		}, Options{TTL: time.Minute})
		firstRes <- err
	}()
	<-firstStarted

	if _, err := c.Fetch(context.Background(), "new-key", func(context.Context) (payload, error) {
		return payload{Value: "fast"}, nil
	}, Options{TTL: time.Minute}); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	close(releaseFirst)

	if err := <-firstRes; !IsAborted(err) {
		t.Errorf("expected stale outcome to resolve to ErrAborted, got %v", err)
	}
	if v, _ := c.Result(); v.Value != "fast" {
		t.Errorf("expected fast result to remain applied, got %q", v.Value)
	}
}

func TestFetch_Timeout(t *testing.T) {
	store := cache.NewMemory()
	c := New[payload]("qa", store, cache.QA, nil)

	_, err := c.Fetch(context.Background(), "k1", func(ctx context.Context) (payload, error) {
		<-ctx.Done()
		return payload{}, ctx.Err()
	}, Options{Timeout: 20 * time.Millisecond, TTL: time.Minute})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(c.LastError(), ErrTimeout) {
		t.Errorf("expected timeout recorded as last error, got %v", c.LastError())
	}
	if _, ok := store.Get(context.Background(), cache.QA, "k1"); ok {
		t.Error("expected no cache entry after timeout")
	}
}

func TestFetch_TimeoutCancelsUnderlyingCall(t *testing.T) {
	store := cache.NewMemory()
	c := New[payload]("qa", store, cache.QA, nil)

	done := make(chan struct{})
	_, err := c.Fetch(context.Background(), "k1", func(ctx context.Context) (payload, error) {
		go func() {
			<-ctx.Done()
			close(done)
		}()
		<-ctx.Done()
		return payload{}, ctx.Err()
	}, Options{Timeout: 20 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("expected the deadline to propagate to the fetch context")
	}
}

func TestFetch_ErrorDoesNotPopulateCache(t *testing.T) {
	store := cache.NewMemory()
	c := New[payload]("plants", store, cache.Plants, nil)

	boom := errors.New("backend exploded")
	_, err := c.Fetch(context.Background(), "k1", func(context.Context) (payload, error) {
		return payload{}, boom
	}, Options{TTL: time.Minute})
	if !errors.Is(err, boom) {
		t.Fatalf("expected underlying error, got %v", err)
	}
	if _, ok := store.Get(context.Background(), cache.Plants, "k1"); ok {
		t.Error("expected no cache entry after failure")
	}
	if _, ok := c.Result(); ok {
		t.Error("expected no applied result after failure")
	}
}

func TestFetch_CircuitOpenRejects(t *testing.T) {
	store := cache.NewMemory()
	cb := circuitbreaker.New(1, 1, time.Minute)
	c := New[payload]("plants", store, cache.Plants, cb)

	boom := errors.New("down")
	if _, err := c.Fetch(context.Background(), "k1", func(context.Context) (payload, error) {
		return payload{}, boom
	}, Options{}); !errors.Is(err, boom) {
		t.Fatalf("expected first call to reach the fetcher, got %v", err)
	}

	var calls int32
	_, err := c.Fetch(context.Background(), "k2", func(context.Context) (payload, error) {
		atomic.AddInt32(&calls, 1)
		return payload{}, nil
	}, Options{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable with open circuit, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("expected fetcher not to be called while circuit is open")
	}
}

func TestFetch_CircuitOpenStillServesCacheHits(t *testing.T) {
	store := cache.NewMemory()
	raw, _ := json.Marshal(payload{Value: "cached"})
	store.Set(context.Background(), cache.Plants, "k1", raw, time.Minute)

	cb := circuitbreaker.New(1, 1, time.Minute)
	cb.RecordFailure()
	c := New[payload]("plants", store, cache.Plants, cb)

	got, err := c.Fetch(context.Background(), "k1", func(context.Context) (payload, error) {
		return payload{}, errors.New("unreachable")
	}, Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Value != "cached" {
		t.Errorf("expected cache hit despite open circuit, got %q", got.Value)
	}
}

func TestCancel_AbortsInFlight(t *testing.T) {
	store := cache.NewMemory()
	c := New[payload]("classify", store, cache.Classifications, nil)

	started := make(chan struct{})
	res := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), "k1", func(ctx context.Context) (payload, error) {
			close(started)
			<-ctx.Done()
			return payload{}, ctx.Err()
		}, Options{})
		res <- err
	}()
	<-started
	c.Cancel()

	select {
	case err := <-res:
		if !IsAborted(err) {
			t.Errorf("expected ErrAborted after Cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled fetch never resolved")
	}
	if c.Loading() {
		t.Error("expected loading cleared after Cancel")
	}
	if c.LastError() != nil {
		t.Errorf("expected no error recorded after Cancel, got %v", c.LastError())
	}
}

func TestFetch_UndecodableCacheEntryTreatedAsMiss(t *testing.T) {
	store := cache.NewMemory()
	store.Set(context.Background(), cache.Plants, "k1", json.RawMessage(`{"value": 7`), time.Minute)

	c := New[payload]("plants", store, cache.Plants, nil)
	got, err := c.Fetch(context.Background(), "k1", func(context.Context) (payload, error) {
		return payload{Value: "fresh"}, nil
	}, Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Value != "fresh" {
		t.Errorf("expected fallthrough to the network, got %q", got.Value)
	}
}
