package admin

import (
	"net/http"
	"time"
)

func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := !h.main.Corrupted() && !h.attached.Corrupted()
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSONResponse(w, map[string]any{
		"healthy":            healthy,
		"main_corrupted":     h.main.Corrupted(),
		"migrator_corrupted": h.attached.Corrupted(),
		"uptime":             time.Since(h.started).Round(time.Second).String(),
	}, false)
}

func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	maxTS, err := h.main.MaxTimestamp(r.Context())
	if err != nil {
		writeStatusError(w, err)
		return
	}
	cacheVersion, pending, err := h.attached.MaxCacheVersion(r.Context())
	if err != nil {
		writeStatusError(w, err)
		return
	}
	cached, filtered := h.db.IndexStats()

	stats := map[string]any{
		"store":               h.db.Name(),
		"device":              h.db.LocalDevice(),
		"max_timestamp":       maxTS,
		"max_timestamp_time":  formatTimestamp(maxTS),
		"clock":               h.db.Clock().Last(),
		"cache_pending":       pending,
		"max_cache_version":   cacheVersion,
		"index_cached":        cached,
		"index_known_keys":    filtered,
		"dropped_change_sets": h.db.DroppedChangeSets(),
	}
	if h.publisher != nil {
		stats["publish_log_seq"] = h.publisher.Log().LastSeq()
	}
	writeJSONResponse(w, stats, false)
}
