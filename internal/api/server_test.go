package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/recallos/recall/internal/embed"
	"github.com/recallos/recall/internal/ingest"
	"github.com/recallos/recall/internal/memstore"
	"github.com/recallos/recall/internal/storage"
)

const testToken = "test-token-12345"

func setupAppHandler(t *testing.T) (http.Handler, *memstore.Manager) {
	t.Helper()
	mock := embed.NewMockEncoder(8, 4)
	m, err := memstore.Open(memstore.Options{
		DataDir: t.TempDir(),
		Gateway: embed.NewGateway(mock, mock, 8, 4),
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("opening manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	return NewAppHandler(AppDeps{Manager: m, Token: testToken}), m
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func ingestNote(t *testing.T, handler http.Handler, text string) memstore.Result {
	t.Helper()
	body := fmt.Sprintf(`{"content_type":"text","source":"clipboard","text":%q}`, text)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodPost, "/ingest", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("ingest status = %d: %s", rr.Code, rr.Body.String())
	}
	var res memstore.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	return res
}

func TestAuth_Rejected(t *testing.T) {
	handler, _ := setupAppHandler(t)

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestIngestAndSearch(t *testing.T) {
	handler, _ := setupAppHandler(t)

	res := ingestNote(t, handler, "Meet at 3pm")
	if res.Status != memstore.StatusIngested {
		t.Fatalf("status = %s", res.Status)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodGet, "/search?q=meeting&k=5", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("search status = %d: %s", rr.Code, rr.Body.String())
	}

	var hits []memstore.SearchResult
	if err := json.Unmarshal(rr.Body.Bytes(), &hits); err != nil {
		t.Fatalf("decoding hits: %v", err)
	}
	if len(hits) != 1 || hits[0].Item.ID != res.ItemID {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestIngest_DuplicateReported(t *testing.T) {
	handler, _ := setupAppHandler(t)

	ingestNote(t, handler, "same note")
	res := ingestNote(t, handler, "same note")
	if res.Status != memstore.StatusDuplicateSkipped {
		t.Errorf("status = %s, want duplicate_skipped", res.Status)
	}
}

func TestIngest_InvalidRecord(t *testing.T) {
	handler, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	body := `{"content_type":"text","source":"clipboard","text":"   "}`
	handler.ServeHTTP(rr, authReq(http.MethodPost, "/ingest", body, testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422: %s", rr.Code, rr.Body.String())
	}
}

func TestIngest_AsyncQueues(t *testing.T) {
	handler, m := setupAppHandler(t)

	rr := httptest.NewRecorder()
	body := `{"content_type":"text","source":"clipboard","text":"queued note"}`
	handler.ServeHTTP(rr, authReq(http.MethodPost, "/ingest?async=1", body, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["job_id"] == "" || resp["status"] != "queued" {
		t.Fatalf("response = %v", resp)
	}

	// Nothing ingested until the worker drains the queue.
	stats, err := m.Stats(t.Context())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Items != 0 {
		t.Errorf("async ingest ran inline: %+v", stats)
	}

	w := ingest.NewWorker(m.Store(), m, 0)
	if done, err := w.RunOnce(t.Context()); err != nil || !done {
		t.Fatalf("RunOnce = %v, %v", done, err)
	}
	stats, err = m.Stats(t.Context())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Items != 1 {
		t.Errorf("items after worker = %d, want 1", stats.Items)
	}
}

func TestGetItemAndChunks(t *testing.T) {
	handler, _ := setupAppHandler(t)

	res := ingestNote(t, handler, "retrievable note")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodGet, "/items/"+res.ItemID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get item status = %d", rr.Code)
	}
	var item storage.MemoryItem
	if err := json.Unmarshal(rr.Body.Bytes(), &item); err != nil {
		t.Fatalf("decoding item: %v", err)
	}
	if item.ID != res.ItemID {
		t.Errorf("item id = %s", item.ID)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodGet, "/items/"+res.ItemID+"/chunks", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get chunks status = %d", rr.Code)
	}
	var chunks []storage.Chunk
	if err := json.Unmarshal(rr.Body.Bytes(), &chunks); err != nil {
		t.Fatalf("decoding chunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "retrievable note" {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestGetItem_NotFound(t *testing.T) {
	handler, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodGet, "/items/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodGet, "/items/nope/chunks", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("chunks status = %d, want 404", rr.Code)
	}
}

func TestStatsFlushRebuild(t *testing.T) {
	handler, _ := setupAppHandler(t)

	ingestNote(t, handler, "counted note")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rr.Code)
	}
	var stats memstore.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Items != 1 || stats.TextVectors != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodPost, "/flush", "", testToken))
	if rr.Code != http.StatusNoContent {
		t.Errorf("flush status = %d, want 204", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodPost, "/rebuild", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("rebuild status = %d: %s", rr.Code, rr.Body.String())
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding rebuild stats: %v", err)
	}
	if stats.TextVectors != 1 {
		t.Errorf("rebuild stats = %+v", stats)
	}
}

func TestSearch_MissingQuery(t *testing.T) {
	handler, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodGet, "/search", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestSearch_SourceFilter(t *testing.T) {
	handler, _ := setupAppHandler(t)

	ingestNote(t, handler, "clipboard note")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodGet, "/search?q=note&source=browser", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("search status = %d", rr.Code)
	}
	var hits []memstore.SearchResult
	if err := json.Unmarshal(rr.Body.Bytes(), &hits); err != nil {
		t.Fatalf("decoding hits: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("filter leaked: %+v", hits)
	}
}
