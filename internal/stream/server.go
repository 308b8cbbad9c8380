package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/danielpatrickdp/formcheck/internal/config"
	"github.com/danielpatrickdp/formcheck/internal/inference"
	"github.com/danielpatrickdp/formcheck/internal/store"
	"github.com/danielpatrickdp/formcheck/internal/validator"
)

// #region options
// Resolver returns the configuration for an exercise named in a stream URL.
type Resolver func(exercise string) (config.Exercise, error)

// Options wires a Server. Resolve is required.
type Options struct {
	Resolve  Resolver
	Registry *validator.Registry
	// Runtime is shared by every session; nil lets each analyzer pick its own.
	Runtime inference.Runtime
	// Store is optional; without it sessions are not persisted.
	Store     *store.Store
	AccessLog io.Writer
}

// RegistryResolver resolves exercises known to reg from defaults plus overrides.
func RegistryResolver(reg *validator.Registry, overrides ...config.Override) Resolver {
	return func(exercise string) (config.Exercise, error) {
		known := false
		for _, id := range reg.Exercises() {
			if id == exercise {
				known = true
				break
			}
		}
		if !known {
			return config.Exercise{}, fmt.Errorf("%w: %q", validator.ErrUnknownExercise, exercise)
		}
		return config.Resolve(config.Default(exercise), overrides...)
	}
}

// #endregion options

// #region server
// Server exposes the analyzer over websockets and the stored sessions over HTTP.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a server.
func NewServer(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = validator.DefaultRegistry()
	}
	if opts.Resolve == nil {
		opts.Resolve = RegistryResolver(opts.Registry)
	}
	if opts.AccessLog == nil {
		opts.AccessLog = os.Stdout
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods("GET")
	r.HandleFunc("/exercises", s.exercises).Methods("GET")
	r.HandleFunc("/sessions", s.listSessions).Methods("GET")
	r.HandleFunc("/sessions/{id}", s.getSession).Methods("GET")
	r.HandleFunc("/ws/{exercise}", s.handleStream)
	return r
}

// Handler returns the router wrapped in an access log.
func (s *Server) Handler() http.Handler {
	return handlers.LoggingHandler(s.opts.AccessLog, s.Router())
}

// #endregion server

// #region http-handlers
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) exercises(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"exercises": s.opts.Registry.Exercises()})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("session store disabled"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	sessions, err := s.opts.Store.ListSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []store.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("session store disabled"))
		return
	}
	id := mux.Vars(r)["id"]
	sess, err := s.opts.Store.GetSession(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	body := map[string]any{"session": sess}
	report, err := s.opts.Store.GetReport(id)
	switch {
	case err == nil:
		body["report"] = report
	case !errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[STREAM] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// #endregion http-handlers
