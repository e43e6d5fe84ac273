package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hyperengineering/drift/internal/store"
	"github.com/hyperengineering/drift/pkg/syncfeed"
)

// defaultPageSize bounds a single /changes page.
const defaultPageSize = 200

// Handler serves a store's change feed.
type Handler struct {
	store      *store.SQLiteStore
	collection string
	apiKey     string
	version    string
	pageSize   int
}

// NewHandler creates the feed handler for one collection.
func NewHandler(s *store.SQLiteStore, collectionName, apiKey, version string) *Handler {
	return &Handler{
		store:      s,
		collection: collectionName,
		apiKey:     apiKey,
		version:    version,
		pageSize:   defaultPageSize,
	}
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Collection     string `json:"collection"`
	RecordCount    int64  `json:"record_count"`
	LatestSequence int64  `json:"latest_sequence"`
}

// Health reports store liveness and feed position.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CountRecords(r.Context(), h.collection)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	seq, err := h.store.GetLatestSequence(r.Context(), h.collection)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		Version:        h.version,
		Collection:     h.collection,
		RecordCount:    count,
		LatestSequence: seq,
	})
}

// ChangesResponse is one page of the change feed. Messages are in
// ascending offset order; UpToDate is set when the page reaches the
// feed head.
type ChangesResponse struct {
	Messages []syncfeed.Message `json:"messages"`
	Next     int64              `json:"next"`
	UpToDate bool               `json:"up_to_date"`
}

// Changes serves change-log rows after the `after` cursor as sync
// messages.
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			WriteProblem(w, r, http.StatusBadRequest, "invalid after cursor")
			return
		}
		after = parsed
	}

	limit := h.pageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			WriteProblem(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	rows, err := h.store.GetChangesAfter(r.Context(), h.collection, after, limit)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	resp := ChangesResponse{Messages: make([]syncfeed.Message, 0, len(rows)), Next: after}
	for _, row := range rows {
		msg := syncfeed.Message{
			Key:     row.TrackingID,
			Offset:  uint64(row.Sequence),
			Headers: syncfeed.Headers{Operation: operationFor(row.Operation)},
		}
		if len(row.Payload) > 0 {
			if err := json.Unmarshal(row.Payload, &msg.Value); err != nil {
				slog.Warn("skipping change with malformed payload",
					"component", "api",
					"sequence", row.Sequence,
					"error", err,
				)
				continue
			}
		}
		resp.Messages = append(resp.Messages, msg)
		resp.Next = row.Sequence
	}

	head, err := h.store.GetLatestSequence(r.Context(), h.collection)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	resp.UpToDate = resp.Next >= head

	writeJSON(w, http.StatusOK, resp)
}

// operationFor maps persisted mutation kinds onto feed operations.
func operationFor(op string) syncfeed.Operation {
	switch op {
	case "insert":
		return syncfeed.OperationInsert
	case "delete":
		return syncfeed.OperationDelete
	default:
		return syncfeed.OperationUpdate
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
