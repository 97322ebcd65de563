package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"

	"github.com/tjj9020/kinable-sub001/internal/admission"
	"github.com/tjj9020/kinable-sub001/internal/config"
	"github.com/tjj9020/kinable-sub001/internal/events"
	"github.com/tjj9020/kinable-sub001/internal/idempotency"
	"github.com/tjj9020/kinable-sub001/internal/ledger"
	"github.com/tjj9020/kinable-sub001/internal/metrics"
	"github.com/tjj9020/kinable-sub001/internal/router"
	"github.com/tjj9020/kinable-sub001/internal/store"
)

const (
	testRegion   = "us-east-1"
	testSecret   = "test-signing-secret"
	testConfigID = "cfg-active"
)

type fakeAdapter struct {
	name    string
	res     *router.Result
	err     error
	calls   int
	lastReq router.Request
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) CanFulfill(_ string, req router.Request) bool { return req.Prompt != "" }

func (f *fakeAdapter) Generate(_ context.Context, _ string, req router.Request) (*router.Result, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	res := *f.res
	return &res, nil
}

type fakeCircuit struct{}

func (fakeCircuit) IsAllowed(context.Context, string) (bool, error) { return true, nil }

func (fakeCircuit) RecordSuccess(context.Context, string, time.Duration) error { return nil }

func (fakeCircuit) RecordFailure(context.Context, string) error { return nil }

func (fakeCircuit) Observe(context.Context, string) (store.CircuitStatus, float64) {
	return store.StatusClosed, 0
}

type staticLoader struct{ snap *config.Snapshot }

func (l *staticLoader) Load(context.Context, string) (*config.Snapshot, error) {
	return l.snap, nil
}

func testSnapshot() *config.Snapshot {
	snap, err := config.Parse([]byte(`{
		"version": "1",
		"providers": {
			"openai": {
				"active": true,
				"secretId": "openai-key",
				"defaultModel": "gpt-4o",
				"rolloutPercentage": 100,
				"retryConfig": {"maxRetries": 2, "initialDelayMs": 1, "maxDelayMs": 5},
				"models": {
					"gpt-4o": {
						"active": true,
						"rolloutPercentage": 100,
						"tokenCost": {"prompt": 0.01, "completion": 0.03},
						"priority": 1,
						"contextSize": 128000,
						"maxOutputTokens": 4096,
						"streamingSupport": true
					}
				}
			}
		},
		"routing": {
			"weights": {"cost": 0.25, "quality": 0.25, "latency": 0.25, "availability": 0.25}
		}
	}`))
	if err != nil {
		panic(err)
	}
	return snap
}

type testServer struct {
	router  chi.Router
	store   *store.SQLiteStore
	adapter *fakeAdapter
	token   string
	metrics *metrics.Registry
}

func newTestServer(t *testing.T, adapter *fakeAdapter) *testServer {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"), store.DefaultTables())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.UpsertFamily(ctx, store.Family{
		FamilyID:      store.FamilyKey(testRegion, "fam-1"),
		TokenBalance:  5000,
		PrimaryRegion: testRegion,
	}))
	require.NoError(t, s.UpsertProfile(ctx, store.Profile{
		ProfileID:  store.ProfileKey(testRegion, "prof-1"),
		FamilyID:   "fam-1",
		Role:       "child",
		UserRegion: testRegion,
	}))

	verifier := admission.NewHMACVerifier([]byte(testSecret))
	token, err := verifier.Sign(admission.Claims{
		UserID:    "user-1",
		ProfileID: "prof-1",
		FamilyID:  "fam-1",
		Region:    testRegion,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	engine := router.NewEngine(
		router.EngineConfig{ActiveConfigID: testConfigID, Region: testRegion},
		&staticLoader{snap: testSnapshot()},
		fakeCircuit{},
		nil, nil,
	)
	engine.RegisterAdapter(adapter)

	idem := idempotency.NewCache(time.Minute)
	t.Cleanup(idem.Stop)

	reg := metrics.New()
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	MountRoutes(r, Dependencies{
		Engine:     engine,
		Authorizer: admission.NewAuthorizer(verifier, s, nil),
		Ledger:     ledger.NewRecorder(s, nil),
		Metrics:    reg,
		Store:      s,
		IdemCache:  idem,
	})

	return &testServer{router: r, store: s, adapter: adapter, token: token, metrics: reg}
}

func successAdapter() *fakeAdapter {
	return &fakeAdapter{
		name: "openai",
		res: &router.Result{
			Text:  "hello there",
			Usage: router.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		},
	}
}

func (ts *testServer) chat(t *testing.T, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/v1/chat", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestChatSuccess(t *testing.T) {
	ts := newTestServer(t, successAdapter())

	rec := ts.chat(t, `{"prompt": "tell me a story"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Success bool          `json:"success"`
		Data    router.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)
	require.Equal(t, "hello there", env.Data.Text)
	require.Equal(t, "openai", env.Data.Meta.Provider)
	require.Equal(t, "gpt-4o", env.Data.Meta.Model)
	require.Equal(t, testRegion, env.Data.Meta.Region)
	require.Equal(t, 30, env.Data.Usage.TotalTokens)
	require.Equal(t, 1, ts.adapter.calls)

	// The admitted identity flows through to the routed request.
	require.Equal(t, "user-1", ts.adapter.lastReq.UserID)
	require.Equal(t, "fam-1", ts.adapter.lastReq.FamilyID)
	require.Equal(t, "prof-1", ts.adapter.lastReq.ProfileID)

	// Token spend must be debited and the ledger row written.
	ctx := context.Background()
	fam, err := ts.store.GetFamily(ctx, "fam-1", testRegion)
	require.NoError(t, err)
	require.Equal(t, int64(4970), fam.TokenBalance)

	entries, err := ts.store.ListLedger(ctx, store.FamilyKey(testRegion, "fam-1"), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "openai", entries[0].Provider)
	require.True(t, entries[0].Success)
}

func TestChatRequiresToken(t *testing.T) {
	ts := newTestServer(t, successAdapter())

	rec := ts.chat(t, `{"prompt": "hi"}`, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.False(t, env.Success)
	require.Equal(t, "unauthorized", env.Message)
	require.Equal(t, 0, ts.adapter.calls)

	scrape := httptest.NewRecorder()
	ts.router.ServeHTTP(scrape, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, scrape.Body.String(), `kinable_admission_denials_total{reason="unauthorized"} 1`)
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(t, successAdapter())

	rec := ts.chat(t, `{"prompt": ""}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.chat(t, `{not json`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 0, ts.adapter.calls)
}

func TestChatTemperatureDefaults(t *testing.T) {
	ts := newTestServer(t, successAdapter())

	// Absent field takes the default.
	rec := ts.chat(t, `{"prompt": "hi"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0.7, ts.adapter.lastReq.Temperature)

	// An explicit zero is a real setting, not an absent field.
	rec = ts.chat(t, `{"prompt": "hi", "temperature": 0}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0.0, ts.adapter.lastReq.Temperature)
}

func TestChatIdempotentReplay(t *testing.T) {
	ts := newTestServer(t, successAdapter())

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/chat", bytes.NewBufferString(`{"prompt": "hi"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+ts.token)
		req.Header.Set("Idempotency-Key", "retry-1")
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code)
	second := send()
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotency-Replay"))
	require.Equal(t, first.Body.String(), second.Body.String())

	// One generation, one debit.
	require.Equal(t, 1, ts.adapter.calls)
	fam, err := ts.store.GetFamily(context.Background(), "fam-1", testRegion)
	require.NoError(t, err)
	require.Equal(t, int64(4970), fam.TokenBalance)
}

func TestChatErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        *router.ProviderError
		wantStatus int
	}{
		{"content rejection", &router.ProviderError{Code: router.ErrContent, Message: "blocked", Provider: "openai"}, http.StatusBadRequest},
		{"capability mismatch", &router.ProviderError{Code: router.ErrCapability, Message: "no such model", Provider: "openai"}, http.StatusBadRequest},
		{"rate limited", &router.ProviderError{Code: router.ErrRateLimit, Message: "slow down", Provider: "openai", Retryable: true, RetryAfter: 2 * time.Second}, http.StatusTooManyRequests},
		{"timeout", &router.ProviderError{Code: router.ErrTimeout, Message: "deadline", Provider: "openai", Retryable: true}, http.StatusGatewayTimeout},
		{"auth misconfigured", &router.ProviderError{Code: router.ErrAuth, Message: "bad key", Provider: "openai"}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeAdapter{name: "openai", err: tc.err})
			rec := ts.chat(t, `{"prompt": "hi"}`, true)
			require.Equal(t, tc.wantStatus, rec.Code)

			var env envelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			require.False(t, env.Success)
			require.Equal(t, string(tc.err.Code), env.Error.Code)
		})
	}
}

func TestChatRetryAfterHeader(t *testing.T) {
	ts := newTestServer(t, &fakeAdapter{name: "openai", err: &router.ProviderError{
		Code: router.ErrRateLimit, Message: "slow down", Provider: "openai",
		Retryable: true, RetryAfter: 3 * time.Second,
	}})
	rec := ts.chat(t, `{"prompt": "hi"}`, true)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "3", rec.Header().Get("Retry-After"))
}

func TestChatNoModelAvailable(t *testing.T) {
	// An adapter that can fulfill nothing leaves zero candidates.
	ts := newTestServer(t, &fakeAdapter{name: "anthropic"})
	rec := ts.chat(t, `{"prompt": "hi"}`, true)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, string(router.ErrNoModelAvailable), env.Error.Code)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, successAdapter())
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestConfigPutAndGet(t *testing.T) {
	ts := newTestServer(t, successAdapter())

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest("PUT", "/admin/v1/config/cfg-next",
		bytes.NewBufferString(`{broken`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	doc := `{"version": "2", "providers": {}, "routing": {"weights": {"cost": 1}}}`
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest("PUT", "/admin/v1/config/cfg-next",
		bytes.NewBufferString(doc)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/v1/config/cfg-next", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, doc, rec.Body.String())

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/v1/config/absent", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLedgerHandlerValidation(t *testing.T) {
	ts := newTestServer(t, successAdapter())

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/v1/ledger", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/v1/ledger?family=x&limit=0", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/v1/ledger?family=x", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSSEConnectedEvent(t *testing.T) {
	bus := events.NewBus()
	handler := SSEHandler(bus)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // handler writes the connected event, then observes Done and returns
	req := httptest.NewRequest("GET", "/admin/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "event: connected")
	require.Equal(t, 0, bus.SubscriberCount())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, successAdapter())
	_ = ts.chat(t, `{"prompt": "hi"}`, true)

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "kinable_requests_total")
}
