package admin

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/query"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/record"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/status"
	"github.com/rs/zerolog/log"
)

// handleRecord returns the stored row of one key, tombstones included.
func (h *AdminHandlers) handleRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	it, err := h.main.GetRecord(r.Context(), []byte(key))
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSONResponse(w, itemJSON(it), false)
}

// handleSyncPage returns one outbound sync page over [begin, end).
// deleted=true pages tombstones; q=<predicate> pages a query.
func (h *AdminHandlers) handleSyncPage(w http.ResponseWriter, r *http.Request) {
	begin, err := parseUint(r, "begin", 0)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseUint(r, "end", ^uint64(0))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	spec := h.sync
	if spec.PacketSize <= 0 || r.URL.Query().Has("limit") {
		spec.PacketSize = limit
	}

	var items []record.Item
	switch {
	case r.URL.Query().Get("q") != "":
		q, perr := query.Parse(r.URL.Query().Get("q"))
		if perr != nil {
			writeErrorResponse(w, http.StatusBadRequest, perr.Error())
			return
		}
		items, err = h.main.GetSyncDataWithQuery(r.Context(), q, begin, end, spec)
	case r.URL.Query().Get("deleted") == "true":
		items, err = h.main.GetDeletedSyncDataByTimestamp(r.Context(), begin, end, spec)
	default:
		items, err = h.main.GetSyncDataByTimestamp(r.Context(), begin, end, spec)
	}
	if !status.IsSuccess(err) {
		writeStatusError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(items))
	var next uint64
	for _, it := range items {
		out = append(out, itemJSON(it))
		next = max(next, it.Timestamp+1)
	}
	if errors.Is(err, status.ErrUnfinished) {
		w.Header().Set("X-Sync-Next-Begin", formatUint(next))
	}
	writeJSONResponse(w, out, errors.Is(err, status.ErrUnfinished))
}

// handleDeviceEntries lists live rows last written by a peer device.
func (h *AdminHandlers) handleDeviceEntries(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	items, err := h.main.GetAllSyncedEntries(r.Context(), record.HashDevice(device))
	if err != nil {
		writeStatusError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, itemJSON(it))
	}
	writeJSONResponse(w, out, false)
}

// handleRemoveDevice drops every row synced from a peer device. notify=true
// publishes the removals as deletes.
func (h *AdminHandlers) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	withNotify := r.URL.Query().Get("notify") == "true"
	if err := h.main.RemoveDeviceData(r.Context(), device, withNotify); err != nil {
		writeStatusError(w, err)
		return
	}
	log.Info().Str("device", device).Bool("notify", withNotify).Msg("Removed device data via admin")
	writeJSONResponse(w, map[string]any{"removed": device}, false)
}

// handleMigrate drains staged cache versions into main. max bounds how many
// versions one call applies; 0 drains everything.
func (h *AdminHandlers) handleMigrate(w http.ResponseWriter, r *http.Request) {
	maxVersions, err := parseUint(r, "max", 0)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.db.MigrateCache(r.Context(), int(maxVersions))
	if err != nil {
		writeStatusError(w, err)
		return
	}
	_, pending, err := h.attached.MaxCacheVersion(r.Context())
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSONResponse(w, map[string]any{"migrated_versions": n, "cache_pending": pending}, false)
}

