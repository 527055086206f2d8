package apiward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (c *Client) pendingQueueLen() int {
	c.refresher.mu.Lock()
	defer c.refresher.mu.Unlock()
	return len(c.refresher.queue)
}

func writeTokenResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  "new-access",
		"refresh_token": "new-refresh",
		"expires_in":    3600,
	})
}

// Scenario: three requests hit 401 while no refresh is in flight. Exactly
// one refresh happens and all three replay in submission order with the new
// token.
func TestRefresh_OrderedReplayAfterRefresh(t *testing.T) {
	var (
		refreshCount atomic.Int32
		mu           sync.Mutex
		replayed     []string
	)
	refreshStarted := make(chan struct{})
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		if refreshCount.Add(1) == 1 {
			close(refreshStarted)
		}
		<-release
		writeTokenResponse(w)
	})
	mux.HandleFunc("/v1/items", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(AuthorizationHeader) != "Bearer new-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		replayed = append(replayed, body["name"].(string))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	client, _ := newTestClient(t, mux, nil)
	authenticate(t, client)

	post := func(name string, errc chan<- error) {
		_, err := client.Do(context.Background(), &Request{
			Method: http.MethodPost,
			Path:   "/v1/items",
			Body:   map[string]any{"name": name},
		})
		errc <- err
	}

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	errC := make(chan error, 1)

	// A observes the 401 first and becomes the refresh leader.
	go post("A", errA)
	<-refreshStarted

	// B and C observe the same condition while the refresh is in flight
	// and park on the queue, in that order.
	go post("B", errB)
	waitFor(t, "B to park", func() bool { return client.pendingQueueLen() == 1 })
	go post("C", errC)
	waitFor(t, "C to park", func() bool { return client.pendingQueueLen() == 2 })

	close(release)

	for name, errc := range map[string]chan error{"A": errA, "B": errB, "C": errC} {
		if err := <-errc; err != nil {
			t.Fatalf("request %s failed: %v", name, err)
		}
	}

	if got := refreshCount.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(replayed, ",") != "A,B,C" {
		t.Fatalf("expected replay order A,B,C, got %v", replayed)
	}

	pair, ok := client.Token()
	if !ok || pair.AccessToken != "new-access" || pair.RefreshToken != "new-refresh" {
		t.Fatalf("token store not updated: %+v (ok=%v)", pair, ok)
	}
}

// N concurrent requests hitting the same 401: one refresh, no hangs, all
// resolve.
func TestRefresh_SingleFlightUnderLoad(t *testing.T) {
	const callers = 8

	var (
		refreshCount atomic.Int32
		unauthorized atomic.Int32
	)
	allSeen := make(chan struct{})
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCount.Add(1)
		// Hold the refresh until every caller has observed its 401, so
		// they all contend on the same cycle.
		<-allSeen
		writeTokenResponse(w)
	})
	mux.HandleFunc("/v1/data", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(AuthorizationHeader) != "Bearer new-access" {
			if unauthorized.Add(1) == callers {
				once.Do(func() { close(allSeen) })
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	client, _ := newTestClient(t, mux, nil)
	authenticate(t, client)

	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct queries so GET coalescing does not collapse the
			// load before it reaches the coordinator.
			errs[i] = client.Get(context.Background(), "/v1/data",
				map[string][]string{"i": {fmt.Sprint(i)}}, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	if got := refreshCount.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}
}

// Scenario: the refresh endpoint rejects the refresh token. Every queued
// request fails terminally and the token store is emptied.
func TestRefresh_FailureRejectsQueueAndClearsTokens(t *testing.T) {
	refreshStarted := make(chan struct{})
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		close(refreshStarted)
		<-release
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/v1/items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	client, _ := newTestClient(t, mux, nil)
	authenticate(t, client)

	post := func(name string, errc chan<- error) {
		_, err := client.Do(context.Background(), &Request{
			Method: http.MethodPost,
			Path:   "/v1/items",
			Body:   map[string]any{"name": name},
		})
		errc <- err
	}

	errA := make(chan error, 1)
	errB := make(chan error, 1)

	go post("A", errA)
	<-refreshStarted
	go post("B", errB)
	waitFor(t, "B to park", func() bool { return client.pendingQueueLen() == 1 })

	close(release)

	for name, errc := range map[string]chan error{"A": errA, "B": errB} {
		err := <-errc
		if !errors.Is(err, ErrAuthExpired) {
			t.Fatalf("request %s: expected ErrAuthExpired, got %v", name, err)
		}
	}

	if _, ok := client.Token(); ok {
		t.Fatal("token store must be empty after refresh failure")
	}
}

// A request replayed with a fresh token that still draws a 401 surfaces
// terminal ErrAuthExpired instead of starting a second refresh.
func TestRefresh_ReplayedUnauthorizedIsTerminal(t *testing.T) {
	var refreshCount atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCount.Add(1)
		writeTokenResponse(w)
	})
	mux.HandleFunc("/v1/items", func(w http.ResponseWriter, r *http.Request) {
		// Rejects old and new tokens alike.
		w.WriteHeader(http.StatusUnauthorized)
	})

	client, _ := newTestClient(t, mux, nil)
	authenticate(t, client)

	_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/v1/items"})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}

	if got := refreshCount.Load(); got != 1 {
		t.Fatalf("expected one refresh, got %d (refresh loop?)", got)
	}
	if _, ok := client.Token(); ok {
		t.Fatal("expected session teardown after terminal 401")
	}
}

// A locally expired access token goes straight to refresh without burning a
// round trip on a guaranteed 401.
func TestRefresh_ProactiveExpiry(t *testing.T) {
	var refreshCount atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCount.Add(1)
		writeTokenResponse(w)
	})
	mux.HandleFunc("/v1/items", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(AuthorizationHeader); got != "Bearer new-access" {
			t.Errorf("expired token reached the endpoint: %q", got)
		}
		w.WriteHeader(http.StatusOK)
	})

	client, _ := newTestClient(t, mux, nil)

	err := client.Authenticate(context.Background(), TokenPair{
		AccessToken:  "stale-access",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}

	if _, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/v1/items"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := refreshCount.Load(); got != 1 {
		t.Fatalf("expected one refresh, got %d", got)
	}
}

// A caller canceled while parked withdraws silently: the drain loop skips
// it and everyone else is unaffected.
func TestRefresh_WithdrawnWhileParked(t *testing.T) {
	refreshStarted := make(chan struct{})
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		close(refreshStarted)
		<-release
		writeTokenResponse(w)
	})
	mux.HandleFunc("/v1/items", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(AuthorizationHeader) != "Bearer new-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	client, _ := newTestClient(t, mux, nil)
	authenticate(t, client)

	errA := make(chan error, 1)
	go func() {
		_, err := client.Do(context.Background(), &Request{
			Method: http.MethodPost,
			Path:   "/v1/items",
			Body:   map[string]any{"name": "A"},
		})
		errA <- err
	}()
	<-refreshStarted

	ctx, cancel := context.WithCancel(context.Background())
	errB := make(chan error, 1)
	go func() {
		_, err := client.Do(ctx, &Request{
			Method: http.MethodPost,
			Path:   "/v1/items",
			Body:   map[string]any{"name": "B"},
		})
		errB <- err
	}()
	waitFor(t, "B to park", func() bool { return client.pendingQueueLen() == 1 })

	cancel()
	if err := <-errB; !errors.Is(err, ErrRequestWithdrawn) {
		t.Fatalf("expected ErrRequestWithdrawn, got %v", err)
	}

	close(release)
	if err := <-errA; err != nil {
		t.Fatalf("leader should be unaffected by B's withdrawal: %v", err)
	}
}
