// Package web serves read-only views of a running endpoint over HTTP.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"badc0de.net/pkg/go-bigworld/endpoint"
	bwnet "badc0de.net/pkg/go-bigworld/net"
)

// Source is the endpoint state the handlers expose.
type Source interface {
	Stats() endpoint.Stats
	Channels(ctx context.Context) ([]endpoint.ChannelInfo, error)
}

type Handler struct {
	src   Source
	table *bwnet.SchemaTable
	names map[uint8]string
}

// NewHandler constructs a web handler for src. The schema table and opcode
// names are served as they were loaded.
func NewHandler(src Source, table *bwnet.SchemaTable, names map[uint8]string) *Handler {
	return &Handler{src: src, table: table, names: names}
}

// SchemaEntry describes one registered opcode.
type SchemaEntry struct {
	Opcode uint8  `json:"opcode"`
	Name   string `json:"name,omitempty"`
	Schema string `json:"schema"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		glog.Errorf("writing response: %v", err)
	}
}

func (h *Handler) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.src.Stats())
}

func (h *Handler) channelsHandler(w http.ResponseWriter, r *http.Request) {
	infos, err := h.src.Channels(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Peer < infos[j].Peer })
	writeJSON(w, infos)
}

func (h *Handler) entry(op uint8) (SchemaEntry, bool) {
	s, ok := h.table.Lookup(op)
	if !ok {
		return SchemaEntry{}, false
	}
	return SchemaEntry{Opcode: op, Name: h.names[op], Schema: s.String()}, true
}

func (h *Handler) schemaHandler(w http.ResponseWriter, r *http.Request) {
	var out []SchemaEntry
	for _, op := range h.table.Opcodes() {
		e, _ := h.entry(op)
		out = append(out, e)
	}
	writeJSON(w, out)
}

func (h *Handler) opcodeHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	op, err := strconv.Atoi(vars["op"])
	if err != nil || op < 0 || op > 0xFF {
		http.Error(w, "op not a byte", http.StatusBadRequest)
		return
	}
	e, ok := h.entry(uint8(op))
	if !ok {
		http.Error(w, "opcode not registered", http.StatusNotFound)
		return
	}
	writeJSON(w, e)
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/stats", h.statsHandler).Methods(http.MethodGet)
	r.HandleFunc("/channels", h.channelsHandler).Methods(http.MethodGet)
	r.HandleFunc("/schema", h.schemaHandler).Methods(http.MethodGet)
	r.HandleFunc("/schema/{op:[0-9]+}", h.opcodeHandler).Methods(http.MethodGet)
}
