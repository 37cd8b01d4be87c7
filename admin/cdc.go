package admin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// handlePublishedEvents pages the publish log after a sequence number.
func (h *AdminHandlers) handlePublishedEvents(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		writeErrorResponse(w, http.StatusNotFound, "no sinks configured")
		return
	}
	after, err := parseUint(r, "after", 0)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.publisher.Log().ReadAfter(after, limit+1)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}

	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"seq":       ev.Seq,
			"store":     ev.Store,
			"op":        ev.Op,
			"hash_key":  encodeBase64(ev.HashKey),
			"key":       string(ev.Key),
			"value":     encodeBase64(ev.Value),
			"old_value": encodeBase64(ev.OldValue),
			"commit_ts": ev.CommitTS,
			"device":    ev.Device,
		})
	}
	writeJSONResponse(w, out, hasMore)
}

// handleSinkCursor reports how far a sink has been delivered.
func (h *AdminHandlers) handleSinkCursor(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		writeErrorResponse(w, http.StatusNotFound, "no sinks configured")
		return
	}
	eventLog := h.publisher.Log()
	cursor := eventLog.Cursor(chi.URLParam(r, "sink"))
	writeJSONResponse(w, map[string]any{
		"cursor":   cursor,
		"last_seq": eventLog.LastSeq(),
		"lag":      eventLog.LastSeq() - min(cursor, eventLog.LastSeq()),
	}, false)
}
