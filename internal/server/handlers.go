package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/matome/internal/config"
	matomeerrors "github.com/hyperjump/matome/internal/errors"
	"github.com/hyperjump/matome/internal/models"
	"github.com/hyperjump/matome/internal/report"
	"github.com/hyperjump/matome/internal/storage"
)

const maxBatchBytes = 32 << 20

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchHit struct {
	ID    string       `json:"id"`
	Score float64      `json:"score"`
	Item  *models.Item `json:"item,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"collection": s.engine.Collection().Stats(),
	}
	if s.cfg != nil {
		paths, total, err := storage.Usage(storage.ConfiguredPaths(s.cfg.Storage)...)
		if err == nil {
			resp["disk_usage_bytes"] = total
			resp["paths"] = paths
		}
		resp["config"] = map[string]interface{}{
			"lexical_backend":      s.cfg.Lexical.Backend,
			"similarity_threshold": s.cfg.Vector.SimilarityThreshold,
			"identical_threshold":  s.cfg.Merge.IdenticalThreshold,
			"similar_threshold":    s.cfg.Merge.SimilarThreshold,
			"embedding_dimensions": s.cfg.Embedding.Dimensions,
		}
	}
	if s.archive != nil {
		n, err := s.archive.CountRuns(r.Context())
		if err != nil {
			s.logger.Error("status: count runs failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["runs"] = n
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	level, minLevel := -1, 0
	var err error
	if v := q.Get("level"); v != "" {
		if level, err = strconv.Atoi(v); err != nil {
			s.respondError(w, http.StatusBadRequest, "level must be an integer")
			return
		}
	}
	if v := q.Get("min_level"); v != "" {
		if minLevel, err = strconv.Atoi(v); err != nil {
			s.respondError(w, http.StatusBadRequest, "min_level must be an integer")
			return
		}
	}
	items := s.engine.Collection().Filter(func(it *models.Item) bool {
		if level >= 0 {
			return it.Level == level
		}
		return it.Level >= minLevel
	})
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	it, ok := s.engine.Collection().Get(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "item not found")
		return
	}
	s.respondJSON(w, http.StatusOK, it)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request", zap.String("query", req.Query), zap.Int("top_k", req.TopK))
	hits, err := s.engine.Search(req.Query, req.TopK)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	coll := s.engine.Collection()
	out := make([]searchHit, 0, len(hits))
	for _, h := range hits {
		it, _ := coll.Get(h.ID)
		out = append(out, searchHit{ID: h.ID, Score: h.Score, Item: it})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"query": req.Query, "hits": out})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	candidates, err := models.ParseBatch(data)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	rep, err := s.engine.ProcessBatch(r.Context(), candidates)
	if err != nil {
		s.logger.Error("batch failed", zap.Error(err))
		status := http.StatusInternalServerError
		if matomeerrors.Is(err, matomeerrors.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, rep)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := report.Options{Title: q.Get("title"), InterestingOnly: q.Get("interesting") == "true"}
	if v := q.Get("min_level"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "min_level must be an integer")
			return
		}
		opts.MinLevel = n
	}

	coll := s.engine.Collection()
	var buf bytes.Buffer
	var err error
	contentType := "text/markdown; charset=utf-8"
	switch q.Get("format") {
	case "", "md", "markdown":
		err = report.WriteMarkdown(&buf, coll, opts)
	case "html":
		contentType = "text/html; charset=utf-8"
		err = report.WriteHTML(&buf, coll, opts)
	case "xlsx":
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		w.Header().Set("Content-Disposition", `attachment; filename="matome.xlsx"`)
		err = report.WriteXLSX(&buf, coll)
	default:
		s.respondError(w, http.StatusBadRequest, "format must be md, html, or xlsx")
		return
	}
	if err != nil {
		s.logger.Error("report failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.respondError(w, http.StatusNotImplemented, "run archive not enabled")
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	runs, err := s.archive.ListRuns(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.respondError(w, http.StatusNotImplemented, "run archive not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.archive.GetRun(r.Context(), id)
	if err != nil {
		if matomeerrors.Is(err, matomeerrors.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "run not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rounds, err := s.archive.ListRounds(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"run": run, "rounds": rounds})
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirs()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirs()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// persistWatchDirs writes the current inbox list back to the config file.
func (s *Server) persistWatchDirs() {
	if s.configPath == "" || s.cfg == nil {
		return
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.cfg); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
