package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tjj9020/kinable-sub001/internal/admission"
)

func TestAllow(t *testing.T) {
	l := New(5, 5, time.Second)
	defer l.Stop()

	// Should allow up to burst.
	for i := range 5 {
		if !l.allow("FAMILY#us-east-1#fam-1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	// Next should be denied.
	if l.allow("FAMILY#us-east-1#fam-1") {
		t.Fatal("request 6 should be denied")
	}
}

func TestRefill(t *testing.T) {
	l := New(10, 10, 50*time.Millisecond)
	defer l.Stop()

	// Exhaust tokens.
	for range 10 {
		l.allow("fam")
	}
	if l.allow("fam") {
		t.Fatal("should be denied after exhaustion")
	}

	// Wait for refill.
	time.Sleep(60 * time.Millisecond)

	if !l.allow("fam") {
		t.Fatal("should be allowed after refill")
	}
}

func TestFamiliesAreIsolated(t *testing.T) {
	l := New(1, 1, time.Second)
	defer l.Stop()

	if !l.allow("fam-1") {
		t.Fatal("fam-1 should be allowed")
	}
	if l.allow("fam-1") {
		t.Fatal("fam-1 should be denied")
	}
	// A different family has its own bucket.
	if !l.allow("fam-2") {
		t.Fatal("fam-2 should be allowed")
	}
}

func TestMiddlewareKeysPerFamily(t *testing.T) {
	l := New(1, 1, time.Hour)
	defer l.Stop()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(familyKey string) int {
		req := httptest.NewRequest("POST", "/v1/chat", nil)
		if familyKey != "" {
			ctx := admission.ContextWithIdentity(req.Context(), &admission.Identity{FamilyKey: familyKey})
			req = req.WithContext(ctx)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := serve("FAMILY#us-east-1#fam-1"); code != http.StatusOK {
		t.Fatalf("first fam-1 request: expected 200, got %d", code)
	}
	if code := serve("FAMILY#us-east-1#fam-1"); code != http.StatusTooManyRequests {
		t.Fatalf("second fam-1 request: expected 429, got %d", code)
	}
	// A sibling family is not starved by fam-1's burst.
	if code := serve("FAMILY#us-east-1#fam-2"); code != http.StatusOK {
		t.Fatalf("fam-2 request: expected 200, got %d", code)
	}
}

func TestMiddlewareFallsBackToRemoteAddr(t *testing.T) {
	l := New(1, 1, time.Hour)
	defer l.Stop()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/chat", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("429 should carry a Retry-After header")
	}
}

func TestEvictionCapsBucketCount(t *testing.T) {
	l := New(1, 1, time.Hour, WithMaxKeys(3))
	defer l.Stop()

	l.allow("A")
	l.allow("B")
	l.allow("C")
	l.allow("D")

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) != 3 {
		t.Fatalf("expected 3 buckets after eviction, got %d", len(l.buckets))
	}
	if _, ok := l.buckets["D"]; !ok {
		t.Error("expected D (just added) to be present")
	}
}
