package shardStore

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/sirupsen/logrus"
)

// MaxBlobSize bounds request bodies accepted by Handler.
const MaxBlobSize = 256 << 20

type capacityResponse struct {
	FreeBytes uint64 `json:"freeBytes"`
}

// Handler serves node over HTTP for HTTPNode clients.
type Handler struct {
	node Node
	log  *logrus.Logger
	mux  *http.ServeMux
}

func NewHandler(node Node, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	h := &Handler{node: node, log: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("PUT /blobs/{id}", h.handlePut)
	h.mux.HandleFunc("GET /blobs/{id}", h.handleGet)
	h.mux.HandleFunc("DELETE /blobs/{id}", h.handleDelete)
	h.mux.HandleFunc("GET /blobs", h.handleList)
	h.mux.HandleFunc("GET /capacity", h.handleCapacity)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBlobSize))
	if err != nil {
		http.Error(w, "failed to read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	p := types.BinaryPayload(r.Header.Get("Content-Type"), data)
	if err := h.node.Put(r.Context(), id, p); err != nil {
		h.log.WithField("shard", id).WithError(err).Error("put failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.node.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.log.WithField("shard", id).WithError(err).Error("get failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", p.MimeType)
	_, _ = w.Write(p.Data)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.node.Remove(r.Context(), id); err != nil {
		h.log.WithField("shard", id).WithError(err).Error("remove failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	infos, err := h.node.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, infos)
}

func (h *Handler) handleCapacity(w http.ResponseWriter, r *http.Request) {
	free, err := h.node.FreeBytes(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, capacityResponse{FreeBytes: free})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
