// Package devtools exposes Salsa's dependency graph over HTTP and
// WebSocket: a JSON/DOT graph snapshot endpoint and a streaming feed of
// recompute events, grounded on the teacher's chi-router HTTP surface and
// gorilla/websocket live-push pattern (internal/api/{routes,ws}.go).
package devtools

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/internal/common"
	"github.com/tursodatabase/qflux/pkg/collection"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/salsa"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves the devtools surface over a given Salsa database plus the
// collections a UI might want to address individual rows of.
type Handler struct {
	DB          *salsa.Database
	Collections map[string]*collection.Collection
	Log         *zap.Logger
}

// New builds a devtools Handler; a nil logger falls back to zap.NewNop().
// collections may be nil if the devtools surface only needs the Salsa graph.
func New(db *salsa.Database, collections map[string]*collection.Collection, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{DB: db, Collections: collections, Log: log}
}

// Routes mounts the devtools surface under the given chi.Router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/graph.json", h.handleGraphJSON)
	r.Get("/graph.dot", h.handleGraphDOT)
	r.Get("/roots", h.handleTraceRoots)
	r.Get("/stream", h.handleStream)
	r.Get("/collections/{collectionID}/rows/{key}/handle", h.handleRowHandle)
	r.Get("/rows/{handle}", h.handleResolveRow)
}

// handleRowHandle mints an opaque (collectionID, key) token for one row, so
// a UI can address it later without re-deriving its identity.
func (h *Handler) handleRowHandle(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionID")
	key := chi.URLParam(r, "key")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"handle": common.EncodeHandle(collectionID, key)})
}

// handleResolveRow decodes a row handle and returns the row's current value,
// if the owning collection still has it.
func (h *Handler) handleResolveRow(w http.ResponseWriter, r *http.Request) {
	collectionID, key, err := common.DecodeHandle(chi.URLParam(r, "handle"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	col, ok := h.Collections[collectionID]
	if !ok {
		http.Error(w, "unknown collection", http.StatusNotFound)
		return
	}
	v, ok := col.Get(parseKey(key))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"found": ok, "value": dynvalToJSON(v)})
}

// parseKey inverts dynval.Key.String(): a handle's key segment is always a
// decimal-looking string for an IntKey, so try that first before falling
// back to a plain StringKey (mirrors how wire-level keys arrive as text
// regardless of their original dynval.Key kind).
func parseKey(s string) dynval.Key {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return dynval.IntKey(i)
	}
	return dynval.StringKey(s)
}

func dynvalToJSON(v dynval.Value) any {
	switch v.Kind {
	case dynval.KindNull:
		return nil
	case dynval.KindBool:
		return v.B
	case dynval.KindInt:
		return v.I
	case dynval.KindFloat:
		return v.F
	case dynval.KindString:
		return v.S
	case dynval.KindDate:
		return v.D
	case dynval.KindArray:
		out := make([]any, len(v.Arr))
		for i, e := range v.Arr {
			out[i] = dynvalToJSON(e)
		}
		return out
	case dynval.KindObject:
		out := make(map[string]any, len(v.Obj))
		for k, e := range v.Obj {
			out[k] = dynvalToJSON(e)
		}
		return out
	default:
		return nil
	}
}

func (h *Handler) handleGraphJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.DB.JSON()); err != nil {
		h.Log.Error("devtools_encode_failed", zap.Error(err))
	}
}

func (h *Handler) handleGraphDOT(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	_, _ = w.Write([]byte(h.DB.DOT()))
}

func (h *Handler) handleTraceRoots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"roots": h.DB.TraceRoots()})
}

// handleStream upgrades to a WebSocket and pushes every recompute event as
// it happens, until the client disconnects.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("devtools_ws_upgrade_failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events := make(chan salsa.RecomputeEvent, 256)
	unsubscribe := h.DB.SubscribeRecomputes(func(ev salsa.RecomputeEvent) {
		select {
		case events <- ev:
		default:
			// slow consumer: drop rather than block the database's
			// recompute path.
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
