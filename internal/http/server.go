package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"lsmkit/pkg/allocator"
	"lsmkit/pkg/object"
	"lsmkit/pkg/store"
	"lsmkit/pkg/txn"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	defaultHeaderTimeout   = time.Second
	maxValueSize           = 1 << 20
)

type iStore interface {
	CreateObject(ctx context.Context) (uint64, error)
	Put(ctx context.Context, objectID, attributeID uint64, data []byte) (uint64, error)
	Insert(ctx context.Context, objectID, attributeID uint64, data []byte) (uint64, error)
	Get(ctx context.Context, objectID, attributeID uint64) ([]byte, error)
	Delete(ctx context.Context, objectID, attributeID uint64) (uint64, error)
	Scan(ctx context.Context, objectID, from uint64) ([]object.Item, error)

	AllocateExtent(ctx context.Context, length uint64) (allocator.Key, error)
	FreeExtent(ctx context.Context, r allocator.Key) error
	ShareExtent(ctx context.Context, r allocator.Key) error
	Extents(ctx context.Context) ([]allocator.Item, error)

	Seal(ctx context.Context, id txn.TreeID) error
	Compact(ctx context.Context, id txn.TreeID) error
	Stats() store.Stats
}

// Server represents the HTTP server with storage
type Server struct {
	store      iStore
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(store iStore, port int, readHeaderTimeout time.Duration) *Server {
	if port == 0 {
		port = defaultHTTPPort
	}
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = defaultHeaderTimeout
	}
	return &Server{
		store:             store,
		URL:               fmt.Sprintf("http://localhost:%d", port),
		addr:              fmt.Sprintf(":%d", port),
		readHeaderTimeout: readHeaderTimeout,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler builds chi router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Route("/api", func(r chi.Router) {
		r.Post("/objects", s.handleCreateObject)
		r.Get("/objects/{object}/scan", s.handleScan)
		r.Put("/objects/{object}/{attribute}", s.handlePut)
		r.Post("/objects/{object}/{attribute}", s.handleInsert)
		r.Get("/objects/{object}/{attribute}", s.handleGet)
		r.Delete("/objects/{object}/{attribute}", s.handleDelete)

		r.Post("/extents", s.handleAllocate)
		r.Get("/extents", s.handleExtents)
		r.Post("/extents/{start}/{end}/share", s.handleShare)
		r.Delete("/extents/{start}/{end}", s.handleFree)

		r.Post("/admin/seal", s.handleSeal)
		r.Post("/admin/compact", s.handleCompact)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps store errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNotAllocated):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNoSpace):
		status = http.StatusInsufficientStorage
	case errors.Is(err, store.ErrInvalidLength):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func uintParam(r *http.Request, name string) (uint64, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %w", name, err)
	}
	return v, nil
}

func (s *Server) attributeParams(w http.ResponseWriter, r *http.Request) (uint64, uint64, bool) {
	objectID, err := uintParam(r, "object")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return 0, 0, false
	}
	attributeID, err := uintParam(r, "attribute")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return 0, 0, false
	}
	return objectID, attributeID, true
}

func (s *Server) extentParams(w http.ResponseWriter, r *http.Request) (allocator.Key, bool) {
	start, err := uintParam(r, "start")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return allocator.Key{}, false
	}
	end, err := uintParam(r, "end")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return allocator.Key{}, false
	}
	if start >= end {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Empty range"))
		return allocator.Key{}, false
	}
	return allocator.Key{Start: start, End: end}, true
}

func (s *Server) readValue(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueSize))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read value"))
		return nil, false
	}
	if len(data) == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing value"))
		return nil, false
	}
	return data, true
}

func treeParam(r *http.Request) (txn.TreeID, error) {
	switch name := r.URL.Query().Get("tree"); name {
	case txn.TreeObjects.String(), "":
		return txn.TreeObjects, nil
	case txn.TreeAllocator.String():
		return txn.TreeAllocator, nil
	default:
		return 0, fmt.Errorf("unknown tree %q", name)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleCreateObject(w http.ResponseWriter, r *http.Request) {
	id, err := s.store.CreateObject(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewObjectResponse(id))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	s.handleWrite(w, r, s.store.Put)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	s.handleWrite(w, r, s.store.Insert)
}

func (s *Server) handleWrite(
	w http.ResponseWriter,
	r *http.Request,
	write func(context.Context, uint64, uint64, []byte) (uint64, error),
) {
	objectID, attributeID, ok := s.attributeParams(w, r)
	if !ok {
		return
	}
	data, ok := s.readValue(w, r)
	if !ok {
		return
	}

	seq, err := write(r.Context(), objectID, attributeID, data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewCommitResponse(seq))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	objectID, attributeID, ok := s.attributeParams(w, r)
	if !ok {
		return
	}

	data, err := s.store.Get(r.Context(), objectID, attributeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(data)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	objectID, attributeID, ok := s.attributeParams(w, r)
	if !ok {
		return
	}

	seq, err := s.store.Delete(r.Context(), objectID, attributeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewCommitResponse(seq))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	objectID, err := uintParam(r, "object")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = strconv.ParseUint(v, 10, 64); err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad from"))
			return
		}
	}

	items, err := s.store.Scan(r.Context(), objectID, from)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewScanResponse(objectID, items))
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	length, err := strconv.ParseUint(r.URL.Query().Get("length"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing or bad length"))
		return
	}

	key, err := s.store.AllocateExtent(r.Context(), length)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, Response{
		Status:  StatusSuccess,
		Extents: []Extent{{Start: key.Start, End: key.End, Refs: 1}},
	})
}

func (s *Server) handleExtents(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.Extents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewExtentsResponse(items))
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	key, ok := s.extentParams(w, r)
	if !ok {
		return
	}
	if err := s.store.ShareExtent(r.Context(), key); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleFree(w http.ResponseWriter, r *http.Request) {
	key, ok := s.extentParams(w, r)
	if !ok {
		return
	}
	if err := s.store.FreeExtent(r.Context(), key); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	s.handleTreeOp(w, r, s.store.Seal)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	s.handleTreeOp(w, r, s.store.Compact)
}

func (s *Server) handleTreeOp(w http.ResponseWriter, r *http.Request, op func(context.Context, txn.TreeID) error) {
	id, err := treeParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := op(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
