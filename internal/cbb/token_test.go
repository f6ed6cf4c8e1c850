package cbb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type tokenServer struct {
	mu        sync.Mutex
	calls     int32
	expiresIn int64
	status    int
	body      string
}

func newTokenServer(expiresIn int64) (*tokenServer, *httptest.Server) {
	ts := &tokenServer{expiresIn: expiresIn, status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v2/security/oauth/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "client_credentials" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}

		n := atomic.AddInt32(&ts.calls, 1)

		ts.mu.Lock()
		status, body, expiresIn := ts.status, ts.body, ts.expiresIn
		ts.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, body, status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token-%d", n),
			"expires_in":   expiresIn,
		})
	}))
	return ts, srv
}

func TestTokenCachedWithinExpiry(t *testing.T) {
	ts, srv := newTokenServer(7200)
	defer srv.Close()

	cache := NewTokenCache(srv.URL, "id", "secret", NewHTTPClient())
	ctx := context.Background()

	first, err := cache.Token(ctx, false)
	if err != nil {
		t.Fatalf("first Token: %v", err)
	}
	second, err := cache.Token(ctx, false)
	if err != nil {
		t.Fatalf("second Token: %v", err)
	}

	if first != second {
		t.Fatalf("cached token changed: %q vs %q", first, second)
	}
	if got := atomic.LoadInt32(&ts.calls); got != 1 {
		t.Fatalf("oauth calls = %d, want 1", got)
	}
}

func TestTokenRefreshAfterExpiry(t *testing.T) {
	// expires_in меньше запаса безопасности: токен считается истёкшим сразу.
	ts, srv := newTokenServer(100)
	defer srv.Close()

	cache := NewTokenCache(srv.URL, "id", "secret", NewHTTPClient())
	ctx := context.Background()

	if _, err := cache.Token(ctx, false); err != nil {
		t.Fatalf("first Token: %v", err)
	}
	if _, err := cache.Token(ctx, false); err != nil {
		t.Fatalf("second Token: %v", err)
	}

	if got := atomic.LoadInt32(&ts.calls); got != 2 {
		t.Fatalf("oauth calls = %d, want 2 (expired token must refresh)", got)
	}
}

func TestTokenForcedRefresh(t *testing.T) {
	ts, srv := newTokenServer(7200)
	defer srv.Close()

	cache := NewTokenCache(srv.URL, "id", "secret", NewHTTPClient())
	ctx := context.Background()

	first, err := cache.Token(ctx, false)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	forced, err := cache.Token(ctx, true)
	if err != nil {
		t.Fatalf("forced Token: %v", err)
	}

	if first == forced {
		t.Fatalf("forced refresh must produce a new token")
	}
	if got := atomic.LoadInt32(&ts.calls); got != 2 {
		t.Fatalf("oauth calls = %d, want 2", got)
	}
}

func TestTokenConcurrentRefreshSingleFlight(t *testing.T) {
	ts, srv := newTokenServer(7200)
	defer srv.Close()

	cache := NewTokenCache(srv.URL, "id", "secret", NewHTTPClient())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := cache.Token(ctx, false); err != nil {
				t.Errorf("Token: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&ts.calls); got != 1 {
		t.Fatalf("oauth calls = %d, want 1 (concurrent callers must share one refresh)", got)
	}
}

func TestTokenAuthError(t *testing.T) {
	ts, srv := newTokenServer(7200)
	defer srv.Close()

	ts.mu.Lock()
	ts.status = http.StatusForbidden
	ts.body = "bad credentials"
	ts.mu.Unlock()

	cache := NewTokenCache(srv.URL, "id", "wrong", NewHTTPClient())

	if _, err := cache.Token(context.Background(), false); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestTokenMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"expires_in": 7200}`))
	}))
	defer srv.Close()

	cache := NewTokenCache(srv.URL, "id", "secret", NewHTTPClient())

	if _, err := cache.Token(context.Background(), false); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth for response without access_token, got %v", err)
	}
}
