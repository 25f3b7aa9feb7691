package enzyme

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"pgregory.net/rapid"
)

const deduplicationTestURL = "http://example.com/test"

func waitForSubscribers(t *testing.T, d *Deduplicator, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.group.Subscribers(key) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d subscribers on %q", n, key)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDeduplicatorEligible(t *testing.T) {
	d := NewDeduplicator(DefaultDeduplicationConfig())
	withMutations := DefaultDeduplicationConfig()
	withMutations.IncludeMutations = true
	dm := NewDeduplicator(withMutations)

	tests := []struct {
		name string
		d    *Deduplicator
		req  *Request
		want bool
	}{
		{"get", d, &Request{Method: "GET"}, true},
		{"head", d, &Request{Method: "HEAD"}, true},
		{"post", d, &Request{Method: "POST"}, false},
		{"post opted in", d, &Request{Method: "POST", Dedupe: true}, true},
		{"post with mutations", dm, &Request{Method: "POST"}, true},
		{"stream response", d, &Request{Method: "GET", ResponseType: ResponseStream}, false},
		{"reader body", dm, &Request{Method: "PUT", Body: strings.NewReader("x")}, false},
		{"nil deduplicator", nil, &Request{Method: "GET"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.Eligible(tt.req); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanonicalKey(t *testing.T) {
	a := CanonicalKey("GET", deduplicationTestURL+"?b=2&a=1", nil)
	b := CanonicalKey("GET", deduplicationTestURL+"?a=1&b=2", nil)
	if a != b {
		t.Errorf("Query order should not matter: %q vs %q", a, b)
	}
	if CanonicalKey("GET", deduplicationTestURL, nil) == CanonicalKey("HEAD", deduplicationTestURL, nil) {
		t.Error("Method must be part of the key")
	}
	if CanonicalKey("POST", deduplicationTestURL, map[string]int{"a": 1}) ==
		CanonicalKey("POST", deduplicationTestURL, map[string]int{"a": 2}) {
		t.Error("Different bodies must not share a key")
	}
	if CanonicalKey("GET", deduplicationTestURL+"#frag", nil) != CanonicalKey("GET", deduplicationTestURL, nil) {
		t.Error("Fragments must be ignored")
	}
}

func TestCanonicalKeyIgnoresJSONKeyOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fields := rapid.MapOfN(
			rapid.StringMatching(`[a-z]{1,8}`),
			rapid.IntRange(-1000, 1000),
			1, 8,
		).Draw(t, "fields")

		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		shuffled := rapid.Permutation(keys).Draw(t, "order")

		encode := func(order []string) json.RawMessage {
			parts := make([]string, len(order))
			for i, k := range order {
				parts[i] = fmt.Sprintf("%q:%d", k, fields[k])
			}
			return json.RawMessage("{" + strings.Join(parts, ",") + "}")
		}

		k1 := CanonicalKey("POST", deduplicationTestURL, encode(keys))
		k2 := CanonicalKey("POST", deduplicationTestURL, encode(shuffled))
		k3 := CanonicalKey("POST", deduplicationTestURL, fields)
		if k1 != k2 || k1 != k3 {
			t.Fatalf("keys differ: %q %q %q", k1, k2, k3)
		}
	})
}

func TestDeduplicatorCollapsesConcurrentCalls(t *testing.T) {
	d := NewDeduplicator(DefaultDeduplicationConfig())
	const callers = 8
	var calls int32
	release := make(chan struct{})

	fn := func(context.Context) (*RawResponse, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &RawResponse{Status: 200, Body: []byte(`{"n":1}`)}, nil
	}

	var wg sync.WaitGroup
	var joinedCount int32
	results := make([]*RawResponse, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, joined, err := d.Do(context.Background(), "k", fn)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			if joined {
				atomic.AddInt32(&joinedCount, 1)
			}
			results[i] = raw
		}(i)
	}
	waitForSubscribers(t, d, "k", callers)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected 1 execution, got %d", got)
	}
	if got := atomic.LoadInt32(&joinedCount); got != callers-1 {
		t.Errorf("Expected %d joined callers, got %d", callers-1, got)
	}

	results[0].Body[0] = 'X'
	if results[1].Body[0] != '{' {
		t.Error("Callers must receive independent copies of the response")
	}
}

func TestDeduplicatorSharesErrors(t *testing.T) {
	d := NewDeduplicator(DefaultDeduplicationConfig())
	boom := errors.New("boom")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = d.Do(context.Background(), "k", func(context.Context) (*RawResponse, error) {
				<-release
				return nil, boom
			})
		}(i)
	}
	waitForSubscribers(t, d, "k", 3)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("caller %d: expected shared error, got %v", i, err)
		}
	}
}

func TestDeduplicatorCancelIsolation(t *testing.T) {
	d := NewDeduplicator(DefaultDeduplicationConfig())
	release := make(chan struct{})
	var callCancelled atomic.Bool

	fn := func(ctx context.Context) (*RawResponse, error) {
		select {
		case <-release:
			return &RawResponse{Status: 200}, nil
		case <-ctx.Done():
			callCancelled.Store(true)
			return nil, ctx.Err()
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := d.Do(leaderCtx, "k", fn)
		leaderErr <- err
	}()
	waitForSubscribers(t, d, "k", 1)

	followerDone := make(chan *RawResponse, 1)
	go func() {
		raw, _, err := d.Do(context.Background(), "k", fn)
		if err != nil {
			t.Errorf("follower: %v", err)
		}
		followerDone <- raw
	}()
	waitForSubscribers(t, d, "k", 2)

	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected leader cancellation, got %v", err)
	}

	close(release)
	raw := <-followerDone
	if raw == nil || raw.Status != 200 {
		t.Errorf("Follower should still receive the result, got %+v", raw)
	}
	if callCancelled.Load() {
		t.Error("Shared call must not be cancelled while a subscriber remains")
	}
}

func TestDeduplicatorEvictsOldest(t *testing.T) {
	d := NewDeduplicator(DeduplicationConfig{Enabled: true, MaxSize: 5})
	release := make(chan struct{})
	blocking := func(context.Context) (*RawResponse, error) {
		<-release
		return &RawResponse{Status: 200}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Do(context.Background(), key, blocking)
		}()
		waitForSubscribers(t, d, key, 1)
	}
	if got := d.Size(); got != 5 {
		t.Fatalf("Expected 5 entries, got %d", got)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Do(context.Background(), "k5", blocking)
	}()
	waitForSubscribers(t, d, "k5", 1)

	if d.group.InFlight("k0") {
		t.Error("Expected the oldest entry to be evicted")
	}
	if got := d.Size(); got != 5 {
		t.Errorf("Expected 5 entries after eviction, got %d", got)
	}

	close(release)
	wg.Wait()
}

func TestClientDeduplicatesConcurrentGets(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":1}`))
	}))
	defer server.Close()

	registry := prometheus.NewRegistry()
	client := New(WithBaseURL(server.URL), WithMetricsRegistry(registry))

	const callers = 5
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := Send[map[string]int](context.Background(), client, &Request{Path: "/users/1"})
			if err != nil {
				t.Errorf("request failed: %v", err)
				return
			}
			if resp.Data["id"] != 1 {
				t.Errorf("unexpected body %v", resp.Data)
			}
		}()
	}

	key := CanonicalKey("GET", server.URL+"/users/1", nil)
	waitForSubscribers(t, client.dedup, key, callers)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected 1 upstream call, got %d", got)
	}
	if got := testutil.ToFloat64(client.metrics.deduplicationHits.WithLabelValues("GET", "/users/1")); got != callers-1 {
		t.Errorf("Expected %d dedup hits, got %v", callers-1, got)
	}
}

func TestClientSequentialGetsAreNotShared(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"n":%d}`, n)
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL))
	const requests = 200
	for i := 1; i <= requests; i++ {
		resp, err := Send[map[string]int](context.Background(), client, &Request{Path: "/x"})
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if resp.Data["n"] != i {
			t.Fatalf("request %d got a settled response %v", i, resp.Data)
		}
	}

	if got := atomic.LoadInt32(&calls); got != requests {
		t.Errorf("Expected %d upstream calls, got %d", requests, got)
	}
}

func TestClientDoesNotDeduplicatePosts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL))
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Post(context.Background(), "/things", map[string]string{"a": "b"}); err != nil {
				t.Errorf("post failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 upstream calls, got %d", got)
	}
}

func TestWithoutDeduplication(t *testing.T) {
	client := New(WithoutDeduplication())
	if client.dedup.Eligible(&Request{Method: "GET"}) {
		t.Error("Expected deduplication to be disabled")
	}
}
