// Package api provides the HTTP surface: the websocket endpoint, health and
// a read-only view of the metadata repository.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/livesync/internal/collab"
	"github.com/fruitsalade/fruitsalade/livesync/internal/logging"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metadata"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
)

// Version is reported by /health.
const Version = "1.0"

// StatsSource reports synchronization counts. *collab.Service satisfies it.
type StatsSource interface {
	Stats() collab.Stats
}

// DocumentStore looks up persisted document metadata. *metadata.Store
// satisfies it.
type DocumentStore interface {
	GetDocument(ctx context.Context, title string) (*metadata.Document, error)
}

// Server wires the HTTP routes.
type Server struct {
	stats   StatsSource
	ws      http.Handler
	docs    DocumentStore
	backend string
}

// NewServer creates a Server. docs may be nil when no metadata repository is
// configured.
func NewServer(stats StatsSource, ws http.Handler, docs DocumentStore, backend string) *Server {
	return &Server{stats: stats, ws: ws, docs: docs, backend: backend}
}

// Handler returns the routed handler wrapped in logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /ws", s.ws)
	mux.HandleFunc("GET /api/v1/documents/{title}", s.handleDocument)

	return logging.Middleware(metrics.Middleware(mux))
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string       `json:"status"`
	Version  string       `json:"version"`
	Storage  string       `json:"storage"`
	Metadata bool         `json:"metadata"`
	Stats    collab.Stats `json:"stats"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  Version,
		Storage:  s.backend,
		Metadata: s.docs != nil,
		Stats:    s.stats.Stats(),
	})
}

// DocumentResponse is the body of GET /api/v1/documents/{title}. Content is
// omitted; clients read it through the websocket.
type DocumentResponse struct {
	Title     string `json:"title"`
	Path      string `json:"path"`
	Language  string `json:"language"`
	Size      int64  `json:"size"`
	Hash      string `json:"hash"`
	Version   int    `json:"version"`
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		s.sendError(w, http.StatusNotImplemented, "metadata repository not configured")
		return
	}
	title := r.PathValue("title")

	doc, err := s.docs.GetDocument(r.Context(), title)
	if errors.Is(err, metadata.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("get document failed", zap.String("title", title), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.sendJSON(w, http.StatusOK, DocumentResponse{
		Title:     doc.Title,
		Path:      doc.Path,
		Language:  doc.Language,
		Size:      doc.Size,
		Hash:      doc.Hash,
		Version:   doc.Version,
		UpdatedAt: doc.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{Error: message, Code: code})
}
