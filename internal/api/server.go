package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/recallos/recall/internal/ingest"
	"github.com/recallos/recall/internal/memstore"
	"github.com/recallos/recall/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB

// AppDeps holds the dependencies of the HTTP surface.
type AppDeps struct {
	Manager *memstore.Manager
	Token   string
}

// NewAppHandler builds the authenticated HTTP API consumed by collectors and
// the CLI client.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/ingest", handleIngest(deps))
	r.Get("/search", handleSearch(deps))
	r.Get("/items/{id}", handleGetItem(deps))
	r.Get("/items/{id}/chunks", handleGetChunks(deps))
	r.Get("/stats", handleStats(deps))
	r.Post("/flush", handleFlush(deps))
	r.Post("/rebuild", handleRebuild(deps))

	return r
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var rec memstore.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		// async=1 queues the record for the background worker instead of
		// embedding inline.
		if r.URL.Query().Get("async") == "1" {
			jobID, err := ingest.Enqueue(deps.Manager.Store(), &rec)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue: %v", err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"job_id": jobID, "status": "queued"})
			return
		}

		res, err := deps.Manager.Ingest(r.Context(), &rec)
		var ie *memstore.IngestionError
		if errors.As(err, &ie) {
			httpError(w, http.StatusUnprocessableEntity, "ingestion_error", "%s", ie.Error())
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ingest failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}

		req := memstore.SearchRequest{
			Query:    query,
			TopK:     parseIntParam(r, "k", 10, 100),
			Modality: memstore.SearchModality(r.URL.Query().Get("modality")),
			Filter:   parseFilter(r),
		}
		if req.Modality == "" {
			req.Modality = memstore.SearchText
		}

		results, err := deps.Manager.Search(r.Context(), req)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if results == nil {
			results = []memstore.SearchResult{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}

func handleGetItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		item, err := deps.Manager.Store().GetItem(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get item: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(item)
	}
}

func handleGetChunks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Manager.Store().GetItem(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get item: %v", err)
			return
		}

		chunks, err := deps.Manager.Store().ListChunks(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list chunks: %v", err)
			return
		}
		if chunks == nil {
			chunks = []*storage.Chunk{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chunks)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Manager.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to collect stats: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func handleFlush(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Manager.Flush(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "flush failed: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRebuild(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Manager.Rebuild(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rebuild failed: %v", err)
			return
		}

		stats, err := deps.Manager.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to collect stats: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func parseFilter(r *http.Request) storage.Filter {
	q := r.URL.Query()
	f := storage.Filter{
		ContentType: storage.ContentType(q.Get("content_type")),
		Source:      storage.Source(q.Get("source")),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			f.Until = t
		}
	}
	return f
}

func parseIntParam(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
