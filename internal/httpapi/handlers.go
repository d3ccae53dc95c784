package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meshforge/mesh2step/internal/cleanup"
	"github.com/meshforge/mesh2step/internal/jobs"
	"github.com/meshforge/mesh2step/pkg/file"
)

type convertRequest struct {
	// ID is optional; generated when empty.
	ID string `json:"id,omitempty"`
	// Input is the uploaded mesh filename, resolved inside the upload dir.
	Input       string   `json:"input"`
	Tolerance   *float64 `json:"tolerance,omitempty"`
	Repair      *bool    `json:"repair,omitempty"`
	InputFormat string   `json:"input_format,omitempty"`
	Merge       *bool    `json:"merge,omitempty"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "missing input filename")
		return
	}
	// Input is a bare filename, never a path.
	if req.Input != filepath.Base(req.Input) {
		writeError(w, http.StatusBadRequest, "input must be a plain filename")
		return
	}

	opts := jobs.DefaultOptions()
	if req.Tolerance != nil {
		opts.Tolerance = *req.Tolerance
	}
	if req.Repair != nil {
		opts.Repair = *req.Repair
	}
	if req.Merge != nil {
		opts.Merge = *req.Merge
	}
	if req.InputFormat != "" {
		opts.InputFormat = strings.ToLower(req.InputFormat)
	} else if strings.EqualFold(filepath.Ext(req.Input), ".3mf") {
		opts.InputFormat = "3mf"
	}
	if opts.InputFormat != "stl" && opts.InputFormat != "3mf" {
		writeError(w, http.StatusBadRequest, "input_format must be stl or 3mf")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	// Artifacts are keyed by job id on disk; cleanup derives ownership from the
	// filename. Claim the uploaded mesh by renaming it under the id.
	src := filepath.Join(s.uploadDir, req.Input)
	inputPath := filepath.Join(s.uploadDir, id+strings.ToLower(filepath.Ext(req.Input)))
	if src != inputPath {
		if err := os.Rename(src, inputPath); err != nil {
			if os.IsNotExist(err) {
				writeError(w, http.StatusNotFound, "input file not found: "+req.Input)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	job, err := s.queue.Enqueue(r.Context(), jobs.EnqueueRequest{
		ID:         id,
		InputPath:  inputPath,
		OutputPath: filepath.Join(s.convertedDir, file.ReplaceExt(filepath.Base(inputPath), ".step")),
		Options:    opts,
	})
	if err != nil {
		// No record owns the renamed file; give it back its original name
		// rather than leaving it for the orphan sweep.
		if src != inputPath {
			_ = os.Rename(inputPath, src)
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	all, err := s.store.ListAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, all)
}

type jobResponse struct {
	*jobs.Job
	// TTL is a store-level property, reported alongside the record rather
	// than inside it.
	TTLRemainingSec int64 `json:"ttl_remaining_sec"`
}

// handleJobByID serves /api/jobs/{id} and /api/jobs/{id}/cancel.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	path = strings.TrimSuffix(path, "/")

	if id, ok := strings.CutSuffix(path, "/cancel"); ok {
		s.cancelJob(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	job, err := s.store.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := jobResponse{Job: job}
	if ttl, err := s.store.TTLRemaining(r.Context(), path); err == nil && ttl > 0 {
		resp.TTLRemainingSec = int64(ttl / time.Second)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	job, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type statsResponse struct {
	Queue           jobs.QueueStats `json:"queue"`
	ActiveProcesses int             `json:"active_processes"`
	Cleanup         cleanup.Stats   `json:"cleanup"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Queue:           s.queue.Stats(),
		ActiveProcesses: s.supervisor.TrackedCount(),
		Cleanup:         s.reconciler.Stats(r.Context()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}
