package idempotency

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjj9020/kinable-sub001/internal/admission"
)

func TestReplayWithKey(t *testing.T) {
	cache := NewCache(time.Minute)
	defer cache.Stop()

	var calls atomic.Int32
	handler := Middleware(cache)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("expensive result"))
	}))

	req := httptest.NewRequest("POST", "/v1/chat", nil)
	req.Header.Set("Idempotency-Key", "abc-123")

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)

	if calls.Load() != 1 {
		t.Errorf("handler invoked %d times, want 1", calls.Load())
	}
	if rec2.Code != http.StatusCreated || rec2.Body.String() != "expensive result" {
		t.Errorf("replay = %d %q", rec2.Code, rec2.Body.String())
	}
	if rec2.Header().Get("Idempotency-Replay") != "true" {
		t.Error("replay header missing")
	}
	if rec1.Header().Get("Idempotency-Replay") != "" {
		t.Error("first response must not carry the replay header")
	}
}

func TestKeysScopedPerFamily(t *testing.T) {
	cache := NewCache(time.Minute)
	defer cache.Stop()

	var calls atomic.Int32
	handler := Middleware(cache)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		id, _ := admission.IdentityFrom(r.Context())
		_, _ = w.Write([]byte("answer for " + id.FamilyKey))
	}))

	send := func(familyKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/chat", nil)
		req.Header.Set("Idempotency-Key", "shared-key")
		ctx := admission.ContextWithIdentity(req.Context(), &admission.Identity{FamilyKey: familyKey})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req.WithContext(ctx))
		return rec
	}

	recA := send("FAMILY#us-east-1#fam-a")
	recB := send("FAMILY#us-east-1#fam-b")

	// The same header from a second family must not replay the first
	// family's response.
	if calls.Load() != 2 {
		t.Fatalf("handler invoked %d times, want 2", calls.Load())
	}
	if recB.Header().Get("Idempotency-Replay") != "" {
		t.Error("cross-family request must not be a replay")
	}
	if recA.Body.String() == recB.Body.String() {
		t.Error("families received the same cached body")
	}

	// Within a family the key does replay.
	recA2 := send("FAMILY#us-east-1#fam-a")
	if calls.Load() != 2 {
		t.Errorf("handler invoked %d times, want 2 after replay", calls.Load())
	}
	if recA2.Header().Get("Idempotency-Replay") != "true" {
		t.Error("same-family repeat should replay")
	}
	if recA2.Body.String() != recA.Body.String() {
		t.Error("replay body differs from original")
	}
}

func TestNoKeyPassesThrough(t *testing.T) {
	cache := NewCache(time.Minute)
	defer cache.Stop()

	var calls atomic.Int32
	handler := Middleware(cache)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/chat", nil))
	}
	if calls.Load() != 3 {
		t.Errorf("handler invoked %d times, want 3", calls.Load())
	}
}

func TestExpiredEntryRefetches(t *testing.T) {
	cache := NewCache(time.Minute)
	defer cache.Stop()
	now := time.Now()
	cache.nowFunc = func() time.Time { return now }

	cache.Set("k", []byte("old"), 200, nil)
	if _, ok := cache.Get("k"); !ok {
		t.Fatal("fresh entry should hit")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get("k"); ok {
		t.Error("expired entry should miss")
	}
}
