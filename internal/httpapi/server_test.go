package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/contextd/contextd/internal/compact"
	"github.com/contextd/contextd/internal/config"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/observability"
	"github.com/contextd/contextd/internal/pipeline"
	"github.com/contextd/contextd/internal/session"
	"github.com/contextd/contextd/internal/tools"
)

var testNamespaceSeq atomic.Int64

func newTestServer(t *testing.T, compactionEvents int) *Server {
	t.Helper()
	cfg := config.Config{
		MetricsNamespace:  fmt.Sprintf("httpapi_test_%d", testNamespaceSeq.Add(1)),
		MemorySearchLimit: 5,
	}
	store := session.NewInMemoryStore()
	mem := memory.NewInMemoryService()
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	compactor := compact.New(store, compact.NewExtractiveSummarizer(), compact.EventCountPolicy{N: compactionEvents})
	pipe := pipeline.New(store, mem, compactor, metrics, pipeline.Options{SearchNonFatal: true})
	registry := tools.NewRegistry()
	if err := tools.RegisterStateTools(registry, store); err != nil {
		t.Fatalf("RegisterStateTools() error = %v", err)
	}
	return New(cfg, store, pipe, registry, metrics)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateSessionAndDuplicate(t *testing.T) {
	router := newTestServer(t, 100).Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions",
		map[string]any{"session_id": "s1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions",
		map[string]any{"session_id": "s1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions",
		map[string]any{"session_id": "s1", "get_or_create": true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("get_or_create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateSessionGeneratesID(t *testing.T) {
	router := newTestServer(t, 100).Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var sess session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.Key.SessionID == "" {
		t.Fatalf("session id not generated")
	}
}

func TestCompleteTurnAppendsAndReadsBack(t *testing.T) {
	router := newTestServer(t, 100).Router()

	doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions",
		map[string]any{"session_id": "s1"})

	rec := doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions/s1/events",
		map[string]any{"events": []map[string]any{
			{"author": "user", "text": "hello"},
			{"author": "agent", "text": "hi there", "state_delta": []map[string]any{
				{"scope": "user", "key": "name", "value": "Sam"},
			}},
		}})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete turn status = %d: %s", rec.Code, rec.Body.String())
	}
	var result pipeline.TurnResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("appended events = %d, want 2", len(result.Events))
	}
	if result.Events[1].Seq != 2 {
		t.Fatalf("second event seq = %d, want 2", result.Events[1].Seq)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/apps/demo/users/u1/sessions/s1/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read state status = %d: %s", rec.Code, rec.Body.String())
	}
	var state struct {
		Merged map[string]string `json:"merged"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Merged["name"] != "Sam" {
		t.Fatalf("merged state name = %q, want %q", state.Merged["name"], "Sam")
	}
}

func TestCompleteTurnRejectsInvalidScope(t *testing.T) {
	router := newTestServer(t, 100).Router()

	doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions",
		map[string]any{"session_id": "s1"})

	rec := doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions/s1/events",
		map[string]any{"events": []map[string]any{
			{"author": "user", "text": "x", "state_delta": []map[string]any{
				{"scope": "galaxy", "key": "k", "value": "v"},
			}},
		}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid scope status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestCompleteTurnMissingSession(t *testing.T) {
	router := newTestServer(t, 100).Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions/ghost/events",
		map[string]any{"events": []map[string]any{{"author": "user", "text": "x"}}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status = %d, want 404", rec.Code)
	}
}

func TestActiveEventsAfterCompaction(t *testing.T) {
	router := newTestServer(t, 4).Router()

	doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions",
		map[string]any{"session_id": "s1"})

	for i := 0; i < 2; i++ {
		rec := doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions/s1/events",
			map[string]any{"events": []map[string]any{
				{"author": "user", "text": fmt.Sprintf("question %d", i)},
				{"author": "agent", "text": fmt.Sprintf("answer %d", i)},
			}})
		if rec.Code != http.StatusOK {
			t.Fatalf("turn %d status = %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/apps/demo/users/u1/sessions/s1/events", nil)
	var full struct {
		Events []session.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &full); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(full.Events) != 5 {
		t.Fatalf("full log = %d events, want 4 plus the marker", len(full.Events))
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/apps/demo/users/u1/sessions/s1/events?active=true", nil)
	var active struct {
		Events []session.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &active); err != nil {
		t.Fatalf("decode active events: %v", err)
	}
	if len(active.Events) != 1 || !active.Events[0].IsCompaction() {
		t.Fatalf("active context = %d events, want just the marker", len(active.Events))
	}
}

func TestManualCompactEndpoint(t *testing.T) {
	router := newTestServer(t, 2).Router()

	doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions",
		map[string]any{"session_id": "s1"})
	// Below threshold: one event, policy wants two.
	doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions/s1/events",
		map[string]any{"events": []map[string]any{{"author": "user", "text": "hello"}}})

	// CompleteTurn already ran the check once; this manual call is a no-op too.
	rec := doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions/s1/compact", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("compact status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Compacted bool `json:"compacted"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode compact response: %v", err)
	}
	if out.Compacted {
		t.Fatalf("compacted below threshold")
	}
}

func TestIngestAndMemorySearch(t *testing.T) {
	router := newTestServer(t, 100).Router()

	doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions",
		map[string]any{"session_id": "s1"})
	doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions/s1/events",
		map[string]any{"events": []map[string]any{
			{"author": "user", "text": "my favorite color is teal"},
			{"author": "agent", "text": "noted, teal it is"},
		}})

	rec := doJSON(t, router, http.MethodPost, "/v1/apps/demo/users/u1/sessions/s1/ingest", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d: %s", rec.Code, rec.Body.String())
	}
	var ingested struct {
		IngestedRecords int `json:"ingested_records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ingested); err != nil {
		t.Fatalf("decode ingest response: %v", err)
	}
	if ingested.IngestedRecords != 2 {
		t.Fatalf("ingested = %d, want 2", ingested.IngestedRecords)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/apps/demo/users/u1/memory/search?q=favorite+color", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d: %s", rec.Code, rec.Body.String())
	}
	var search struct {
		Results []memory.ScoredRecord `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &search); err != nil {
		t.Fatalf("decode search response: %v", err)
	}
	if len(search.Results) == 0 {
		t.Fatalf("search returned no results")
	}
	if search.Results[0].Record.UserID != "u1" {
		t.Fatalf("result user = %q, want u1", search.Results[0].Record.UserID)
	}
}

func TestMemorySearchRequiresQuery(t *testing.T) {
	router := newTestServer(t, 100).Router()

	rec := doJSON(t, router, http.MethodGet, "/v1/apps/demo/users/u1/memory/search", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing query status = %d, want 400", rec.Code)
	}
}

func TestListTools(t *testing.T) {
	router := newTestServer(t, 100).Router()

	rec := doJSON(t, router, http.MethodGet, "/v1/tools", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tools status = %d", rec.Code)
	}
	var out struct {
		Tools []tools.Tool `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(out.Tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(out.Tools))
	}
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestServer(t, 100).Router()

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := doJSON(t, router, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
}
