package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/processstore"
)

const maxBodyBytes = 1 << 20

// ProcessResponse is the API response for a process
type ProcessResponse struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	Scope     string            `json:"scope"`
	ScopeID   string            `json:"scope_id"`
	Type      string            `json:"type"`
	Command   string            `json:"command"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      int               `json:"cols"`
	Rows      int               `json:"rows"`
	Status    string            `json:"status"`
	ExitCode  *int              `json:"exit_code"`
	Label     string            `json:"label,omitempty"`
	ServiceID string            `json:"service_id,omitempty"`
	LogPath   string            `json:"log_path,omitempty"`
	PID       int               `json:"pid,omitempty"`
	CreatedAt string            `json:"created_at"`
	StartedAt *string           `json:"started_at,omitempty"`
	EndedAt   *string           `json:"ended_at,omitempty"`
}

// OutputChunkResponse is one stored output chunk
type OutputChunkResponse struct {
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"`
	Stream    string `json:"stream"`
	Data      string `json:"data"`
}

// WriteRequest carries terminal input
type WriteRequest struct {
	Data string `json:"data"`
}

// ResizeRequest carries new terminal geometry
type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// TrimRequest selects how many chunks to keep
type TrimRequest struct {
	Keep *int `json:"keep"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Server) processToResponse(p *domain.Process) ProcessResponse {
	resp := ProcessResponse{
		ID:        p.ID,
		ProjectID: p.ProjectID,
		Scope:     string(p.Scope),
		ScopeID:   p.ScopeID,
		Type:      string(p.Type),
		Command:   p.Command,
		Cwd:       p.Cwd,
		Env:       p.Env,
		Cols:      p.Cols,
		Rows:      p.Rows,
		Status:    string(p.Status),
		ExitCode:  p.ExitCode,
		Label:     p.Label,
		ServiceID: p.ServiceID,
		LogPath:   p.LogPath,
		CreatedAt: formatTime(p.CreatedAt),
	}
	if p.StartedAt != nil {
		t := formatTime(*p.StartedAt)
		resp.StartedAt = &t
	}
	if p.EndedAt != nil {
		t := formatTime(*p.EndedAt)
		resp.EndedAt = &t
	}
	if pid, ok := s.svc.ActivePID(p.ID); ok {
		resp.PID = pid
	}
	return resp
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("body", "invalid JSON: %v", err)
	}
	return nil
}

func (s *Server) spawnHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def domain.SpawnDefinition
		if err := decodeBody(w, r, &def); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		project := r.PathValue("project")
		if def.ProjectID != "" && def.ProjectID != project {
			writeError(w, http.StatusBadRequest, "project_id does not match path")
			return
		}
		def.ProjectID = project

		p, err := s.svc.Spawn(r.Context(), def, s.basePath)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, s.processToResponse(p))
	}
}

func (s *Server) listProcessesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project := r.PathValue("project")

		var (
			procs []*domain.Process
			err   error
		)
		switch status := r.URL.Query().Get("status"); status {
		case "":
			procs, err = s.svc.ListByProject(r.Context(), project)
		case string(domain.StatusRunning):
			procs, err = s.svc.ListRunning(r.Context(), project)
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported status filter %q", status))
			return
		}
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		resp := make([]ProcessResponse, len(procs))
		for i, p := range procs {
			resp[i] = s.processToResponse(p)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getProcessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.svc.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, s.processToResponse(p))
	}
}

func (s *Server) deleteProcessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) killHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.svc.Kill(r.Context(), id); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		p, err := s.svc.Get(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, s.processToResponse(p))
	}
}

func (s *Server) writeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req WriteRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if err := s.svc.Write(r.Context(), r.PathValue("id"), []byte(req.Data)); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) resizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResizeRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if err := s.svc.Resize(r.Context(), r.PathValue("id"), req.Cols, req.Rows); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// parseOutputQuery reads since (RFC 3339 or unix milliseconds), limit and
// offset
func parseOutputQuery(r *http.Request) (processstore.OutputQuery, error) {
	var q processstore.OutputQuery
	values := r.URL.Query()

	if since := values.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			q.Since = time.UnixMilli(ms)
		} else if t, err := time.Parse(time.RFC3339Nano, since); err == nil {
			q.Since = t
		} else {
			return q, domain.Invalid("since", "expected RFC 3339 time or unix milliseconds")
		}
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &q.Limit}, {"offset", &q.Offset}} {
		raw := values.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, domain.Invalid(p.name, "must be a non-negative integer")
		}
		*p.dst = n
	}
	return q, nil
}

func (s *Server) outputHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseOutputQuery(r)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		chunks, err := s.svc.GetOutput(r.Context(), r.PathValue("id"), q)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		resp := make([]OutputChunkResponse, len(chunks))
		for i, c := range chunks {
			resp[i] = OutputChunkResponse{
				Seq:       c.Seq,
				Timestamp: formatTime(c.Timestamp),
				Stream:    string(c.Stream),
				Data:      string(c.Data),
			}
		}
		writeJSON(w, resp)
	}
}

func (s *Server) outputTextHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		text, err := s.svc.GetOutputText(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(text))
	}
}

func (s *Server) trimHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TrimRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if req.Keep == nil {
			writeError(w, http.StatusBadRequest, "keep is required")
			return
		}
		removed, err := s.svc.TrimOutput(r.Context(), r.PathValue("id"), *req.Keep)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, map[string]int64{"removed": removed})
	}
}

func (s *Server) killScopeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := domain.Scope(r.PathValue("scope"))
		switch scope {
		case domain.ScopeTask, domain.ScopeMission, domain.ScopeProject:
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown scope %q", scope))
			return
		}

		n, err := s.svc.KillByScope(r.Context(), scope, r.PathValue("scopeId"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, map[string]int{"killed": n})
	}
}
