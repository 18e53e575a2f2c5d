package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/events"
	"github.com/ericvicenti/botical-sub001/internal/processstore"
)

// ProcessService is the lifecycle service as the API uses it
type ProcessService interface {
	Spawn(ctx context.Context, def domain.SpawnDefinition, basePath string) (*domain.Process, error)
	Kill(ctx context.Context, id string) error
	Write(ctx context.Context, id string, data []byte) error
	Resize(ctx context.Context, id string, cols, rows int) error
	Get(ctx context.Context, id string) (*domain.Process, error)
	ActivePID(id string) (int, bool)
	ListByProject(ctx context.Context, projectID string) ([]*domain.Process, error)
	ListRunning(ctx context.Context, projectID string) ([]*domain.Process, error)
	GetOutput(ctx context.Context, id string, q processstore.OutputQuery) ([]domain.ProcessOutput, error)
	GetOutputText(ctx context.Context, id string) (string, error)
	TrimOutput(ctx context.Context, id string, keep int) (int64, error)
	KillByScope(ctx context.Context, scope domain.Scope, scopeID string) (int, error)
	Delete(ctx context.Context, id string) error
}

// Server is the HTTP API server
type Server struct {
	svc      ProcessService
	hub      *events.Hub
	basePath string
	addr     string
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

// NewServer creates a new API server. basePath is handed to Spawn for
// default service log locations.
func NewServer(svc ProcessService, hub *events.Hub, basePath, addr string, logger *zap.SugaredLogger) *Server {
	s := &Server{
		svc:      svc,
		hub:      hub,
		basePath: basePath,
		addr:     addr,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/projects/{project}/processes", s.spawnHandler())
	s.mux.HandleFunc("GET /api/projects/{project}/processes", s.listProcessesHandler())
	s.mux.HandleFunc("GET /api/processes/{id}", s.getProcessHandler())
	s.mux.HandleFunc("DELETE /api/processes/{id}", s.deleteProcessHandler())
	s.mux.HandleFunc("POST /api/processes/{id}/kill", s.killHandler())
	s.mux.HandleFunc("POST /api/processes/{id}/write", s.writeHandler())
	s.mux.HandleFunc("POST /api/processes/{id}/resize", s.resizeHandler())
	s.mux.HandleFunc("GET /api/processes/{id}/output", s.outputHandler())
	s.mux.HandleFunc("GET /api/processes/{id}/output/text", s.outputTextHandler())
	s.mux.HandleFunc("POST /api/processes/{id}/trim", s.trimHandler())
	s.mux.HandleFunc("GET /api/processes/{id}/stream", s.streamHandler())
	s.mux.HandleFunc("POST /api/scopes/{scope}/{scopeId}/kill", s.killScopeHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}

// errorStatus maps the domain error taxonomy to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTransportNotFound):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err.Error())
}
