package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/convmem/internal/bus"
	"github.com/basket/convmem/internal/config"
	"github.com/basket/convmem/internal/engine"
	"github.com/basket/convmem/internal/gateway"
	"github.com/basket/convmem/internal/jobs"
	"github.com/basket/convmem/internal/llm"
	"github.com/basket/convmem/internal/memory"
	"github.com/basket/convmem/internal/persistence"
	"github.com/basket/convmem/internal/summarize"
)

func echoInferer() llm.Inferer {
	return llm.InfererFunc(func(_ context.Context, msgs []llm.Message, _ llm.Options) (string, error) {
		return "echo: " + msgs[len(msgs)-1].Content, nil
	})
}

type testServer struct {
	srv   *httptest.Server
	eng   *engine.Engine
	store *memory.Store
	bus   *bus.Bus
}

func newTestServer(t *testing.T, mode engine.Mode, mutate func(*gateway.Config)) *testServer {
	t.Helper()
	store := memory.NewStore(memory.NewMemKV())
	locks := memory.NewKeyedMutex()
	b := bus.New()
	coord := jobs.NewCoordinator(jobs.CoordinatorConfig{
		Store:      store,
		Locks:      locks,
		Summarizer: summarize.New(llm.OfflineInferer{}),
		Executor:   nopExecutor{},
		Bus:        b,
	})
	eng, err := engine.New(engine.Config{
		Store:      store,
		Inferer:    echoInferer(),
		Summarizer: summarize.New(llm.OfflineInferer{}),
		Dispatcher: coord,
		Locks:      locks,
		Mode:       mode,
		Bus:        b,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cfg := gateway.Config{
		Engine:      eng,
		Dispatcher:  coord,
		Bus:         b,
		Fingerprint: func() string { return "fp-123" },
		Version:     "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, eng: eng, store: store, bus: b}
}

type nopExecutor struct{}

func (nopExecutor) Submit(context.Context, string, string) error { return nil }

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type memoryBody struct {
	SessionKey string       `json:"session_key"`
	State      memory.State `json:"state"`
	Stats      memory.Stats `json:"stats"`
}

type healthBody struct {
	DBOK        bool                    `json:"db_ok"`
	Mode        string                  `json:"mode"`
	Version     string                  `json:"version"`
	Fingerprint string                  `json:"config_fingerprint"`
	Queue       persistence.QueueCounts `json:"queue"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestTurn_ReturnsReplyAndStats(t *testing.T) {
	ts := newTestServer(t, engine.ModeInline, nil)

	resp := ts.do(t, http.MethodPost, "/v1/sessions/s1/turns", `{"text":"hello there"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	res := decode[engine.TurnResult](t, resp)
	if res.Reply != "echo: hello there" {
		t.Fatalf("reply = %q", res.Reply)
	}
	if res.Stats.Total != 2 || res.Stats.Counts[memory.RoleUser] != 1 || res.Stats.Counts[memory.RoleAssistant] != 1 {
		t.Fatalf("stats = %+v", res.Stats)
	}
}

func TestTurn_RejectsInvalidBodies(t *testing.T) {
	ts := newTestServer(t, engine.ModeInline, nil)
	cases := []struct {
		name string
		body string
	}{
		{"not json", `hello`},
		{"missing text", `{}`},
		{"empty text", `{"text":""}`},
		{"wrong type", `{"text":42}`},
		{"extra field", `{"text":"hi","role":"system"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/v1/sessions/s1/turns", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if e := decode[errorResponse](t, resp); e.Error.Code != "invalid_request" {
				t.Fatalf("code = %q", e.Error.Code)
			}
		})
	}

	st, _, err := ts.eng.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Messages) != 0 {
		t.Fatalf("rejected requests stored %d messages", len(st.Messages))
	}
}

func TestTurn_WhitespaceTextIsValidationError(t *testing.T) {
	ts := newTestServer(t, engine.ModeInline, nil)
	resp := ts.do(t, http.MethodPost, "/v1/sessions/s1/turns", `{"text":"   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTurn_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t, engine.ModeInline, func(c *gateway.Config) { c.MaxRequestBytes = 32 })
	body := fmt.Sprintf(`{"text":%q}`, strings.Repeat("x", 100))
	resp := ts.do(t, http.MethodPost, "/v1/sessions/s1/turns", body)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestMemoryAndClear(t *testing.T) {
	ts := newTestServer(t, engine.ModeInline, nil)
	for i := 0; i < 3; i++ {
		resp := ts.do(t, http.MethodPost, "/v1/sessions/s2/turns", fmt.Sprintf(`{"text":"turn %d"}`, i))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("turn %d status = %d", i, resp.StatusCode)
		}
	}

	resp := ts.do(t, http.MethodGet, "/v1/sessions/s2/memory", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("memory status = %d", resp.StatusCode)
	}
	mem := decode[memoryBody](t, resp)
	if mem.SessionKey != "s2" || len(mem.State.Messages) != 6 || mem.Stats.Total != 6 {
		t.Fatalf("memory = %+v", mem)
	}
	if mem.State.Messages[5].Content != "echo: turn 2" {
		t.Fatalf("last message = %+v", mem.State.Messages[5])
	}

	for i := 0; i < 2; i++ {
		resp = ts.do(t, http.MethodDelete, "/v1/sessions/s2", "")
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("clear %d status = %d", i, resp.StatusCode)
		}
	}
	st, _, err := ts.eng.Snapshot(context.Background(), "s2")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Messages) != 0 || st.HasSummary() || st.PendingJob != nil {
		t.Fatalf("state after clear = %+v", st)
	}
}

func TestMemory_UnknownSessionIsEmpty(t *testing.T) {
	ts := newTestServer(t, engine.ModeInline, nil)
	resp := ts.do(t, http.MethodGet, "/v1/sessions/nobody/memory", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	state := body["state"].(map[string]any)
	if msgs, ok := state["messages"].([]any); !ok || len(msgs) != 0 {
		t.Fatalf("messages = %#v", state["messages"])
	}
}

func TestSummarize_RequiresDeferredMode(t *testing.T) {
	ts := newTestServer(t, engine.ModeInline, nil)
	resp := ts.do(t, http.MethodPost, "/v1/sessions/s3/summarize", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSummarize_DispatchesOnceInDeferredMode(t *testing.T) {
	ts := newTestServer(t, engine.ModeDeferred, nil)

	type summarizeBody struct {
		Job        jobs.JobHandle `json:"job"`
		Dispatched bool           `json:"dispatched"`
	}
	resp := ts.do(t, http.MethodPost, "/v1/sessions/s3/summarize", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	first := decode[summarizeBody](t, resp)
	if !first.Dispatched || first.Job.ID == "" || first.Job.SessionKey != "s3" {
		t.Fatalf("first = %+v", first)
	}

	resp = ts.do(t, http.MethodPost, "/v1/sessions/s3/summarize", "")
	second := decode[summarizeBody](t, resp)
	if second.Dispatched || second.Job.ID != first.Job.ID {
		t.Fatalf("second dispatch = %+v, want existing job %s", second, first.Job.ID)
	}
}

// stubConversations returns a fixed error from every operation.
type stubConversations struct {
	err error
}

func (s stubConversations) HandleTurn(context.Context, string, string) (engine.TurnResult, error) {
	return engine.TurnResult{}, s.err
}

func (s stubConversations) Snapshot(context.Context, string) (memory.State, memory.Stats, error) {
	return memory.State{}, memory.Stats{}, s.err
}

func (s stubConversations) Clear(context.Context, string) error { return s.err }

func (stubConversations) Mode() engine.Mode { return engine.ModeInline }

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", fmt.Errorf("%w: bad", memory.ErrValidation), http.StatusBadRequest, "invalid_request"},
		{"busy", memory.ErrBusy, http.StatusServiceUnavailable, "session_busy"},
		{"transient inference", llm.Wrap("chat", errors.New("429 too many requests")), http.StatusServiceUnavailable, "inference_unavailable"},
		{"permanent inference", llm.Wrap("chat", errors.New("401 unauthorized")), http.StatusBadGateway, "inference_failed"},
		{"persistence", &memory.PersistenceError{Op: "load", Err: errors.New("disk gone")}, http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw, err := gateway.New(gateway.Config{Engine: stubConversations{err: tc.err}})
			if err != nil {
				t.Fatal(err)
			}
			req := httptest.NewRequest(http.MethodPost, "/v1/sessions/k/turns", strings.NewReader(`{"text":"hi"}`))
			rec := httptest.NewRecorder()
			gw.Handler().ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			var e errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
				t.Fatal(err)
			}
			if e.Error.Code != tc.code {
				t.Fatalf("code = %q, want %q", e.Error.Code, tc.code)
			}
		})
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeQueue struct{}

func (fakeQueue) QueueCounts(context.Context) (persistence.QueueCounts, error) {
	return persistence.QueueCounts{Queued: 2, Running: 1}, nil
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, engine.ModeDeferred, func(c *gateway.Config) {
		c.Store = fakePinger{}
		c.Queue = fakeQueue{}
	})
	resp := ts.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[healthBody](t, resp)
	if !body.DBOK || body.Mode != "deferred" || body.Version != "test" || body.Fingerprint != "fp-123" {
		t.Fatalf("healthz = %+v", body)
	}
	if body.Queue.Queued != 2 || body.Queue.Running != 1 {
		t.Fatalf("queue = %+v", body.Queue)
	}
}

func TestHealthz_StoreDown(t *testing.T) {
	ts := newTestServer(t, engine.ModeInline, func(c *gateway.Config) {
		c.Store = fakePinger{err: errors.New("closed")}
	})
	resp := ts.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRateLimit_PerSession(t *testing.T) {
	ts := newTestServer(t, engine.ModeInline, func(c *gateway.Config) {
		c.RateLimit = config.RateLimitConfig{RequestsPerMinute: 1, Burst: 2}
	})
	for i := 0; i < 2; i++ {
		if resp := ts.do(t, http.MethodGet, "/v1/sessions/busy/memory", ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	resp := ts.do(t, http.MethodGet, "/v1/sessions/busy/memory", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	// Another session has its own budget.
	if resp := ts.do(t, http.MethodGet, "/v1/sessions/other/memory", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("other session status = %d", resp.StatusCode)
	}
	// Health checks are never limited.
	for i := 0; i < 3; i++ {
		if resp := ts.do(t, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("healthz %d status = %d", i, resp.StatusCode)
		}
	}
}

func TestTurn_TraceHeaderAccepted(t *testing.T) {
	ts := newTestServer(t, engine.ModeInline, nil)
	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/v1/sessions/tr/turns", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("X-Trace-Id", "trace-abc")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

type jobBody struct {
	Job    *persistence.Job       `json:"job"`
	Events []persistence.JobEvent `json:"events"`
}

func TestJob_ReturnsRowAndEvents(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "convmem.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.EnqueueJob(context.Background(), "job-1", "s1", `{}`, 3); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, engine.ModeDeferred, func(c *gateway.Config) {
		c.Jobs = store
	})

	resp := ts.do(t, http.MethodGet, "/v1/jobs/job-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[jobBody](t, resp)
	if body.Job == nil || body.Job.SessionKey != "s1" || body.Job.Status != persistence.JobQueued {
		t.Fatalf("job = %+v", body.Job)
	}
	if len(body.Events) != 1 || body.Events[0].StateTo != persistence.JobQueued {
		t.Fatalf("events = %+v", body.Events)
	}

	resp = ts.do(t, http.MethodGet, "/v1/jobs/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", resp.StatusCode)
	}
	if e := decode[errorResponse](t, resp); e.Error.Code != "not_found" {
		t.Fatalf("code = %q", e.Error.Code)
	}
}

func TestJob_RouteDisabledWithoutReader(t *testing.T) {
	ts := newTestServer(t, engine.ModeDeferred, nil)
	if resp := ts.do(t, http.MethodGet, "/v1/jobs/job-1", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestReservedSessionKeyRejected(t *testing.T) {
	ts := newTestServer(t, engine.ModeInline, nil)
	resp := ts.do(t, http.MethodPost, "/v1/sessions/_llm_breakers/turns", `{"text":"hi"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("turn status = %d, want 400", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodDelete, "/v1/sessions/_llm_breakers", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("delete status = %d, want 400", resp.StatusCode)
	}
}
