// Package server maps the portal operations onto HTTP routes.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/omondi/geoportal/internal/export"
	"github.com/omondi/geoportal/internal/health"
	"github.com/omondi/geoportal/internal/middleware"
	"github.com/omondi/geoportal/internal/model"
	"github.com/omondi/geoportal/internal/portal"
)

// uploads larger than this are refused before buffering
const maxUploadBytes = 256 << 20

type Server struct {
	svc *portal.Service
	db  health.Pinger
	log *slog.Logger
}

func New(svc *portal.Service, db health.Pinger, log *slog.Logger) *Server {
	return &Server{svc: svc, db: db, log: log}
}

// Router assembles the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recover(s.log))
	r.Use(middleware.Logging(s.log))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(s.db))

	r.Get("/layers", s.handleLayers)
	r.Get("/data/{layer}", s.handleData)
	r.Get("/attributes/{layer}", s.handleAttributes)
	r.Post("/download", s.handleDownload)
	r.Post("/merge", s.handleMerge)
	r.Post("/upload", s.handleUpload)

	return r
}

func (s *Server) handleLayers(w http.ResponseWriter, r *http.Request) {
	layers, err := s.svc.ListLayers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, layers)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	body, err := s.svc.FetchGeometry(r.Context(), chi.URLParam(r, "layer"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleAttributes(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	table, err := s.svc.FetchAttributes(r.Context(), chi.URLParam(r, "layer"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, table)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		portal.LayerSelection
		Format string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	arch, err := s.svc.Export(r.Context(), req.LayerSelection, format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondArchive(w, arch)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Layers []portal.LayerSelection `json:"layers"`
		Format string                  `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	arch, err := s.svc.MergeExport(r.Context(), req.Layers, format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondArchive(w, arch)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "malformed multipart body", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `missing "file" part`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	archive, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "reading upload failed", http.StatusBadRequest)
		return
	}

	name, err := s.svc.Ingest(r.Context(), archive, r.FormValue("tablename"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"layer": name})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", "error", err)
	}
}

func (s *Server) respondArchive(w http.ResponseWriter, arch *portal.Archive) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", arch.Name))
	if len(arch.Renamed) > 0 {
		pairs := make([]string, 0, len(arch.Renamed))
		for from, to := range arch.Renamed {
			pairs = append(pairs, from+"="+to)
		}
		w.Header().Set("X-Renamed-Fields", strings.Join(pairs, ","))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(arch.Body)
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNameConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrServiceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrEmptySelection),
		errors.Is(err, model.ErrNoValidLayers),
		errors.Is(err, model.ErrIncompatibleGeometryMix),
		errors.Is(err, model.ErrInvalidName),
		errors.Is(err, model.ErrInvalidArchive),
		errors.Is(err, model.ErrEmptyDataset):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), status)
}
