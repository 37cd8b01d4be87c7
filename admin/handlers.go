// Package admin serves the HTTP admin surface: health, statistics, sync page
// inspection, cache migration and publisher state.
package admin

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/executor"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/hlc"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/publisher"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/status"
	"github.com/rs/zerolog/log"
)

const (
	defaultLimit = 256
	maxLimit     = 1024
)

// AdminHandlers serves admin requests against one database.
type AdminHandlers struct {
	db        *executor.Database
	main      *executor.Executor
	attached  *executor.Executor
	publisher *publisher.Registry
	sync      executor.SizeSpec
	started   time.Time
}

// NewAdminHandlers builds handlers over db. pub may be nil when no sinks
// are configured; page is the default shape for sync reads.
func NewAdminHandlers(db *executor.Database, pub *publisher.Registry, page executor.SizeSpec) *AdminHandlers {
	return &AdminHandlers{
		db:        db,
		main:      db.NewExecutor(record.RoleMain),
		attached:  db.Migrator(),
		publisher: pub,
		sync:      page,
		started:   time.Now(),
	}
}

func writeJSONResponse(w http.ResponseWriter, data any, hasMore bool) {
	response := map[string]any{"data": data}
	if hasMore {
		response["has_more"] = true
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeStatusError maps an executor status to an HTTP code.
func writeStatusError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch status.CodeOf(err) {
	case status.NotFound:
		code = http.StatusNotFound
	case status.InvalidArgs:
		code = http.StatusBadRequest
	case status.Busy:
		code = http.StatusServiceUnavailable
	}
	writeErrorResponse(w, code, err.Error())
}

func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 || limit > maxLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	return limit, nil
}

// parseUint reads an optional unsigned query parameter.
func parseUint(r *http.Request, name string, def uint64) (uint64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter: %w", name, err)
	}
	return v, nil
}

func formatTimestamp(ts uint64) string {
	if ts == 0 {
		return ""
	}
	return hlc.ToTime(ts).UTC().Format(time.RFC3339Nano)
}

func encodeBase64(data []byte) string {
	if data == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func itemJSON(it record.Item) map[string]any {
	return map[string]any{
		"key":             string(it.Key),
		"value":           encodeBase64(it.Value),
		"hash_key":        encodeBase64(it.HashKey),
		"timestamp":       it.Timestamp,
		"write_timestamp": it.WriteTimestamp,
		"written_at":      formatTimestamp(it.WriteTimestamp),
		"flags":           it.Flags.String(),
		"device":          it.Device,
		"orig_device":     it.OrigDevice,
	}
}
