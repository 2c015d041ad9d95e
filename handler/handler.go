// Package handler provides the HTTP handlers for the document API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/stevemurr/docgate/engine"
	"github.com/stevemurr/docgate/store"
)

// DefaultMaxBodyBytes caps request bodies when Options.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 1 << 20

// Options configures a Handler.
type Options struct {
	Logger         *zap.Logger
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// Handler holds the server dependencies and registers routes.
type Handler struct {
	engine  *engine.Engine
	logger  *zap.Logger
	maxBody int64
	router  *mux.Router
	root    http.Handler
}

// New creates a Handler and wires up all routes.
func New(e *engine.Engine, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	h := &Handler{
		engine:  e,
		logger:  opts.Logger,
		maxBody: opts.MaxBodyBytes,
		router:  mux.NewRouter(),
	}
	h.routes()
	h.root = corsMiddleware(h.logRequests(h.router), opts.AllowedOrigins)
	return h
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	// Health / status
	h.router.HandleFunc("/", h.status).Methods(http.MethodGet)
	h.router.HandleFunc("/health", h.health).Methods(http.MethodGet)

	h.router.HandleFunc("/api", h.listCollections).Methods(http.MethodGet)
	h.router.HandleFunc("/api/{collection}", h.create).Methods(http.MethodPost)
	h.router.HandleFunc("/api/{collection}", h.listAll).Methods(http.MethodGet)
	h.router.HandleFunc("/api/{collection}/{id}", h.upsert).Methods(http.MethodPost, http.MethodPut)
	h.router.HandleFunc("/api/{collection}/{id}", h.getByID).Methods(http.MethodGet)
	h.router.HandleFunc("/api/{collection}/{id}", h.deleteByID).Methods(http.MethodDelete)
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrors(w http.ResponseWriter, status int, msgs []string) {
	writeJSON(w, status, map[string][]string{"errors": msgs})
}

// readDocument decodes a JSON object from the request body.
func (h *Handler) readDocument(w http.ResponseWriter, r *http.Request) (store.Document, error) {
	defer r.Body.Close()
	var doc store.Document
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if doc == nil {
		return nil, errors.New("invalid JSON: body must be an object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid JSON: unexpected data after the document")
	}
	return doc, nil
}

// fail maps an engine error onto the response. Only store faults are logged;
// their details never reach the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *engine.ValidationError
	switch {
	case errors.As(err, &ve):
		writeErrors(w, http.StatusBadRequest, ve.Violations)
	case errors.Is(err, engine.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
}

// ---------- status endpoints ----------

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "docgate",
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ---------- collection list ----------

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	names, err := h.engine.Collections(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// ---------- document CRUD ----------

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	doc, err := h.readDocument(w, r)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, []string{err.Error()})
		return
	}
	saved, err := h.engine.Create(r.Context(), collection, doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	doc, err := h.readDocument(w, r)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, []string{err.Error()})
		return
	}
	saved, err := h.engine.UpsertByID(r.Context(), vars["collection"], vars["id"], doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) getByID(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	doc, err := h.engine.GetByID(r.Context(), vars["collection"], vars["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) deleteByID(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.engine.DeleteByID(r.Context(), vars["collection"], vars["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listAll streams the collection as a JSON array, flushing after every
// document. A failure before the first document is reported as a 500; a
// failure mid-stream can only truncate the body.
func (h *Handler) listAll(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	rc := http.NewResponseController(w)
	started := false

	for doc, err := range h.engine.ListAll(r.Context(), collection) {
		var b []byte
		if err == nil {
			b, err = json.Marshal(doc)
		}
		if err != nil {
			if !started {
				h.fail(w, r, err)
				return
			}
			h.abortStream(r, collection, err)
			return
		}
		if !started {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "[")
			started = true
		} else {
			io.WriteString(w, ",")
		}
		w.Write(b)
		rc.Flush()
	}

	if !started {
		writeJSON(w, http.StatusOK, []store.Document{})
		return
	}
	io.WriteString(w, "]\n")
}

func (h *Handler) abortStream(r *http.Request, collection string, err error) {
	if errors.Is(err, context.Canceled) {
		h.logger.Debug("Client went away during list", zap.String("collection", collection))
		return
	}
	h.logger.Error("List stream aborted",
		zap.String("collection", collection),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
}
