package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	g := New()
	if g == nil {
		t.Fatal("New() returned nil")
	}
	if g.m == nil {
		t.Error("New() did not initialize map")
	}
}

func TestDo(t *testing.T) {
	g := New()

	val, err, joined := g.Do(context.Background(), "key1", func(context.Context) (any, error) {
		return "hello", nil
	})
	if err != nil {
		t.Errorf("Do() returned error: %v", err)
	}
	if val != "hello" {
		t.Errorf("Do() returned %v, want hello", val)
	}
	if joined {
		t.Error("first caller should not be reported as joined")
	}
	if g.Len() != 0 {
		t.Errorf("Len() = %d after settle, want 0", g.Len())
	}
}

func TestDoError(t *testing.T) {
	g := New()
	expectedErr := errors.New("test error")

	val, err, _ := g.Do(context.Background(), "key1", func(context.Context) (any, error) {
		return nil, expectedErr
	})
	if err != expectedErr {
		t.Errorf("Do() returned error %v, want %v", err, expectedErr)
	}
	if val != nil {
		t.Errorf("Do() returned %v, want nil", val)
	}
}

func TestDoDuplicateCalls(t *testing.T) {
	g := New()

	var calls int32
	release := make(chan struct{})
	fn := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "result", nil
	}

	const numCalls = 10
	var wg sync.WaitGroup
	var joinedCount int32
	results := make([]any, numCalls)

	for i := 0; i < numCalls; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			val, _, joined := g.Do(context.Background(), "same", fn)
			results[idx] = val
			if joined {
				atomic.AddInt32(&joinedCount, 1)
			}
		}(i)
	}

	waitFor(t, func() bool { return g.Subscribers("same") == numCalls })
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("function executed %d times, want 1", calls)
	}
	if joinedCount != numCalls-1 {
		t.Errorf("joined = %d, want %d", joinedCount, numCalls-1)
	}
	for i, r := range results {
		if r != "result" {
			t.Errorf("result[%d] = %v, want result", i, r)
		}
	}
}

func TestDoSubscriberCancelIsolation(t *testing.T) {
	g := New()
	release := make(chan struct{})
	var callCtxErr error

	fn := func(ctx context.Context) (any, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			callCtxErr = ctx.Err()
			return nil, ctx.Err()
		}
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err, _ := g.Do(ctx1, "k", fn)
		errCh <- err
	}()
	waitFor(t, func() bool { return g.InFlight("k") })

	resCh := make(chan any, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", fn)
		resCh <- v
	}()
	waitFor(t, func() bool { return g.Subscribers("k") == 2 })

	cancel1()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled subscriber got %v, want context.Canceled", err)
	}

	close(release)
	if v := <-resCh; v != "ok" {
		t.Errorf("remaining subscriber got %v, want ok", v)
	}
	if callCtxErr != nil {
		t.Errorf("shared call was cancelled: %v", callCtxErr)
	}
}

func TestDoLastSubscriberCancelsCall(t *testing.T) {
	g := New()
	stopped := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _, _ = g.Do(ctx, "k", func(ctx context.Context) (any, error) {
			<-ctx.Done()
			stopped <- ctx.Err()
			return nil, ctx.Err()
		})
	}()
	waitFor(t, func() bool { return g.InFlight("k") })
	cancel()

	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("shared call ctx err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("shared call was not cancelled after last subscriber left")
	}
	if g.Len() != 0 {
		t.Errorf("abandoned call still indexed")
	}
}

func TestSettledCallIsNotJoined(t *testing.T) {
	g := New()

	_, _, _ = g.Do(context.Background(), "k", func(context.Context) (any, error) { return 1, nil })
	if g.Len() != 0 {
		t.Fatalf("Len() = %d right after settle, want 0", g.Len())
	}

	for i := 0; i < 200; i++ {
		var calls int32
		v, _, joined := g.Do(context.Background(), "k", func(context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return 2, nil
		})
		if joined || v != 2 || calls != 1 {
			t.Fatalf("sequential caller %d got (%v, joined=%v, calls=%d), want a fresh execution", i, v, joined, calls)
		}
	}
}

func TestTTL(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	g := New(WithTTL(time.Second), WithClock(clock))

	release := make(chan struct{})
	go func() {
		_, _, _ = g.Do(context.Background(), "k", func(context.Context) (any, error) {
			<-release
			return "old", nil
		})
	}()
	waitFor(t, func() bool { return g.InFlight("k") })

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	v, _, joined := g.Do(context.Background(), "k", func(context.Context) (any, error) { return "fresh", nil })
	close(release)
	if joined || v != "fresh" {
		t.Errorf("expired entry was joined: v=%v joined=%v", v, joined)
	}
}

func TestEvictOldest(t *testing.T) {
	base := time.Now()
	var tick int64
	g := New(WithClock(func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Millisecond)
	}))

	release := make(chan struct{})
	var wg sync.WaitGroup
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, _, _ = g.Do(context.Background(), k, func(context.Context) (any, error) {
				<-release
				return k, nil
			})
		}(k)
		waitFor(t, func() bool { return g.InFlight(k) })
	}

	if n := g.EvictOldest(2); n != 2 {
		t.Fatalf("EvictOldest(2) = %d, want 2", n)
	}
	if g.InFlight("a") || g.InFlight("b") {
		t.Error("oldest entries were not evicted")
	}
	if !g.InFlight("e") {
		t.Error("newest entry was evicted")
	}

	close(release)
	wg.Wait()
}

func TestPanicIsReturnedToSubscribers(t *testing.T) {
	g := New()
	_, err, _ := g.Do(context.Background(), "k", func(context.Context) (any, error) {
		panic("boom")
	})
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Do() error = %v, want *PanicError", err)
	}
}

func TestForgetAndClear(t *testing.T) {
	g := New()
	release := make(chan struct{})
	var wg sync.WaitGroup
	for _, k := range []string{"a", "b"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, _, _ = g.Do(context.Background(), k, func(context.Context) (any, error) {
				<-release
				return nil, nil
			})
		}(k)
		waitFor(t, func() bool { return g.InFlight(k) })
	}
	defer func() {
		close(release)
		wg.Wait()
	}()

	g.Forget("a")
	if g.Len() != 1 {
		t.Errorf("Len() after Forget = %d, want 1", g.Len())
	}
	g.Clear()
	if g.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", g.Len())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
