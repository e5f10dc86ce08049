package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/streamhive/chatbot-worker/supervisor"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db  *sql.DB
	sup *supervisor.Supervisor
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(db *sql.DB, sup *supervisor.Supervisor) *Handlers {
	return &Handlers{db: db, sup: sup}
}

// HandleStatus returns a summary of the worker: connection counts and
// recent event activity.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channels := h.sup.ListConnectedChannels()

	var eventsLastHour int
	_ = h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM chat_events WHERE created_at > now() - interval '1 hour'`).Scan(&eventsLastHour)

	var activeChannels int
	_ = h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM channels WHERE active`).Scan(&activeChannels)

	writeJSON(w, http.StatusOK, map[string]any{
		"connected_channels": len(channels),
		"active_channels":    activeChannels,
		"events_last_hour":   eventsLastHour,
		"time":               time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleChannels lists channels currently under supervision with their
// connection state.
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids := h.sup.ListConnectedChannels()
	sort.Strings(ids)

	type channelEntry struct {
		ChannelID string                     `json:"channel_id"`
		State     supervisor.ConnectionState `json:"state"`
	}
	out := make([]channelEntry, 0, len(ids))
	for _, id := range ids {
		st, ok := h.sup.ConnectionState(id)
		if !ok {
			continue
		}
		out = append(out, channelEntry{ChannelID: id, State: st})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleChannelState returns the connection state for a single channel,
// routed as /channels/{id}.
func (h *Handlers) HandleChannelState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/channels/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	st, ok := h.sup.ConnectionState(id)
	if !ok {
		http.Error(w, "channel not supervised", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": id,
		"state":      st,
	})
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
