// Package api serves the HTTP API used by the UI: repository management,
// workspace process control, session calls proxied to a repository's agent
// process, and a websocket stream of process lifecycle events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/jaakkos/agentgate/internal/domain"
	"github.com/jaakkos/agentgate/internal/proxy"
	"github.com/jaakkos/agentgate/internal/supervisor"
)

// maxRequestBody bounds JSON request bodies handled by this package.
// Proxied session bodies are streamed and not limited here.
const maxRequestBody = 1 << 20

// Repos is the repository service port. Implemented by app.RepoService.
type Repos interface {
	List() ([]domain.Repository, error)
	Get(id int64) (*domain.Repository, error)
	Create(ctx context.Context, req domain.CreateRepoRequest) (*domain.Repository, error)
	Pull(ctx context.Context, id int64) (*domain.Repository, error)
	Delete(ctx context.Context, id int64) error
}

// Workspaces is the process supervisor port. Implemented by supervisor.Supervisor.
type Workspaces interface {
	GetOrStart(ctx context.Context, repoID int64) (*supervisor.Process, error)
	Stop(repoID int64) error
	List() []domain.ProcessInfo
}

// Forwarder sends session operations to agent processes. Implemented by proxy.Proxy.
type Forwarder interface {
	ForwardOp(ctx context.Context, repoID int64, op proxy.Op, sessionID string, query url.Values, body io.Reader, header http.Header) (*proxy.Response, error)
}

// Server holds dependencies for the API handlers.
type Server struct {
	repos   Repos
	work    Workspaces
	forward Forwarder
	hub     *Hub
	events  EventLog // optional
	logger  *log.Logger
	started time.Time
	router  *httprouter.Router
}

// Option configures optional dependencies.
type Option func(*Server)

// WithEventLog serves /api/history from events.
func WithEventLog(events EventLog) Option {
	return func(s *Server) { s.events = events }
}

// NewServer creates the API server and registers its routes.
func NewServer(repos Repos, work Workspaces, forward Forwarder, hub *Hub, logger *log.Logger, opts ...Option) *Server {
	s := &Server{
		repos:   repos,
		work:    work,
		forward: forward,
		hub:     hub,
		logger:  logger,
		started: time.Now(),
		router:  httprouter.New(),
	}
	for _, o := range opts {
		o(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.GET("/api/health", s.handleHealth)

	r.GET("/api/repos", s.handleListRepos)
	r.POST("/api/repos", s.handleCreateRepo)
	r.GET("/api/repos/:id", s.handleGetRepo)
	r.DELETE("/api/repos/:id", s.handleDeleteRepo)
	r.POST("/api/repos/:id/pull", s.handlePullRepo)

	r.GET("/api/workspaces", s.handleListWorkspaces)
	r.POST("/api/repos/:id/workspace", s.handleStartWorkspace)
	r.DELETE("/api/repos/:id/workspace", s.handleStopWorkspace)

	r.GET("/api/repos/:id/sessions", s.session(proxy.OpListSessions))
	r.POST("/api/repos/:id/sessions", s.session(proxy.OpCreateSession))
	r.GET("/api/repos/:id/sessions/:sid", s.session(proxy.OpGetSession))
	r.DELETE("/api/repos/:id/sessions/:sid", s.session(proxy.OpDeleteSession))
	r.GET("/api/repos/:id/sessions/:sid/message", s.session(proxy.OpListMessages))
	r.POST("/api/repos/:id/sessions/:sid/message", s.session(proxy.OpSendMessage))
	r.POST("/api/repos/:id/sessions/:sid/command", s.session(proxy.OpCommand))
	r.POST("/api/repos/:id/sessions/:sid/shell", s.session(proxy.OpShell))
	r.POST("/api/repos/:id/sessions/:sid/abort", s.session(proxy.OpAbort))
	r.GET("/api/repos/:id/events", s.session(proxy.OpEvents))

	r.GET("/api/events", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		s.hub.ServeWS(w, req)
	})
	r.GET("/api/history", s.handleHistory)

	r.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", w.Header().Get("Allow"))
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Last-Event-ID")
		w.WriteHeader(http.StatusNoContent)
	})
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no route for " + req.URL.Path, Status: http.StatusNotFound})
	})
	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v any) {
		s.logger.Printf("API: panic serving %s %s: %v", req.Method, req.URL.Path, v)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Status: http.StatusInternalServerError})
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	s.router.ServeHTTP(w, r)
}

func repoID(ps httprouter.Params) (int64, error) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w %q", errInvalidID, ps.ByName("id"))
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	repos, err := s.repos.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"repos":      len(repos),
		"workspaces": len(s.work.List()),
		"clients":    s.hub.ClientCount(),
	})
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	repos, err := s.repos.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if repos == nil {
		repos = []domain.Repository{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req domain.CreateRepoRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error(), Status: http.StatusBadRequest})
		return
	}
	repo, err := s.repos.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Printf("API: repo %d created (%s)", repo.ID, repo.RepoURL)
	writeJSON(w, http.StatusAccepted, repo)
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := repoID(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.repos.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := repoID(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.repos.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePullRepo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := repoID(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.repos.Pull(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.work.List())
}

func (s *Server) handleStartWorkspace(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := repoID(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.work.GetOrStart(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Info())
}

func (s *Server) handleStopWorkspace(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := repoID(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.work.Stop(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, []domain.Event{})
		return
	}
	q := r.URL.Query()
	var id int64
	if v := q.Get("repo"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w %q", errInvalidID, v))
			return
		}
		id = n
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	events, err := s.events.RecentEvents(id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// session returns a handler forwarding op to the repository's agent process
// and relaying the response as it streams.
func (s *Server) session(op proxy.Op) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id, err := repoID(ps)
		if err != nil {
			writeError(w, err)
			return
		}
		var body io.Reader
		if r.Method != http.MethodGet && r.Method != http.MethodDelete {
			body = r.Body
		}
		resp, err := s.forward.ForwardOp(r.Context(), id, op, ps.ByName("sid"), r.URL.Query(), body, r.Header)
		if err != nil {
			if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
				return
			}
			s.logger.Printf("API: %s for repo %d failed: %v", op, id, err)
			writeError(w, err)
			return
		}
		if err := proxy.Relay(w, resp); err != nil && r.Context().Err() == nil {
			s.logger.Printf("API: relay %s for repo %d: %v", op, id, err)
		}
	}
}
