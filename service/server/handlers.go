package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/brojonat/dmtrace/service/codec"
	"github.com/brojonat/dmtrace/service/db"
	"github.com/brojonat/dmtrace/service/trace"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Catalog is the read side of the batch catalog. *db.Store implements it.
type Catalog interface {
	ListBatches(ctx context.Context, params db.ListBatchesParams) ([]*db.Batch, error)
	GetBatch(ctx context.Context, shard int, batchNumber uint64) (*db.Batch, error)
}

// handleListBatches returns a handler that lists catalogued batches, most recent first.
// GET /api/v1/batches?shard=N&limit=N&offset=N
func handleListBatches(catalog Catalog, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		params := db.ListBatchesParams{Limit: defaultListLimit}
		if s := query.Get("shard"); s != "" {
			shard, err := parseShard(s)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			params.Shard = &shard
		}

		if s := query.Get("limit"); s != "" {
			limit, err := strconv.Atoi(s)
			if err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if limit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if limit > maxListLimit {
				writeError(w, fmt.Sprintf("limit cannot exceed %d", maxListLimit), http.StatusBadRequest)
				return
			}
			params.Limit = int32(limit)
		}

		if s := query.Get("offset"); s != "" {
			offset, err := strconv.Atoi(s)
			if err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if offset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			params.Offset = int32(offset)
		}

		batches, err := catalog.ListBatches(r.Context(), params)
		if err != nil {
			logger.Error("failed to list batches", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("batches listed", "count", len(batches))

		writeJSON(w, map[string]any{
			"batches": batches,
			"count":   len(batches),
			"limit":   params.Limit,
			"offset":  params.Offset,
		}, http.StatusOK)
	})
}

// handleGetBatch returns a handler that retrieves one catalogued batch.
// GET /api/v1/batches/{number}?shard=N
func handleGetBatch(catalog Catalog, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batch, ok := lookupBatch(w, r, catalog, logger)
		if !ok {
			return
		}
		writeJSON(w, batch, http.StatusOK)
	})
}

// handleGetBatchTransactions returns a handler that decodes a batch file and returns its traces.
// GET /api/v1/batches/{number}/transactions?shard=N
func handleGetBatchTransactions(catalog Catalog, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, ok := lookupBatch(w, r, catalog, logger)
		if !ok {
			return
		}

		batch, err := readBatchFile(entry.Path)
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, "batch file not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to read batch file", "path", entry.Path, "error", err)
			writeError(w, "failed to read batch file", http.StatusInternalServerError)
			return
		}

		writeJSON(w, batch, http.StatusOK)
	})
}

func lookupBatch(w http.ResponseWriter, r *http.Request, catalog Catalog, logger *slog.Logger) (*db.Batch, bool) {
	number, err := strconv.ParseUint(r.PathValue("number"), 10, 64)
	if err != nil {
		writeError(w, "invalid batch number: must be a non-negative integer", http.StatusBadRequest)
		return nil, false
	}

	shard := 0
	if s := r.URL.Query().Get("shard"); s != "" {
		shard, err = parseShard(s)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return nil, false
		}
	}

	batch, err := catalog.GetBatch(r.Context(), shard, number)
	if errors.Is(err, db.ErrBatchNotFound) {
		writeError(w, "batch not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		logger.Error("failed to get batch", "shard", shard, "batch_number", number, "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return batch, true
}

func readBatchFile(path string) (*trace.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return codec.ReadBatch(f)
}

func parseShard(s string) (int, error) {
	shard, err := strconv.Atoi(s)
	if err != nil || shard < 0 {
		return 0, errors.New("invalid shard parameter: must be a non-negative integer")
	}
	return shard, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
