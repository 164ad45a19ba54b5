package web

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cjeanneret/PageGo/internal/debug"
	"github.com/cjeanneret/PageGo/internal/session"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server on addr for wf.
func NewServer(addr string, broadcaster *StatusBroadcaster, wf Workflow, opts session.Options, thumbWidth int) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}
	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, wf, opts, thumbWidth, subFS),
	}, nil
}

// Handlers returns the server handlers.
func (s *Server) Handlers() *Handlers { return s.handlers }

// Router returns an http.Handler with all routes registered.
func (s *Server) Router() http.Handler {
	h := s.handlers
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", h.HandleMount).Methods(http.MethodPost)
	api.HandleFunc("/session", h.HandleUnmount).Methods(http.MethodDelete)
	api.HandleFunc("/session", h.HandleView).Methods(http.MethodGet)
	api.HandleFunc("/session/stream", h.HandleStream).Methods(http.MethodGet)
	api.HandleFunc("/session/{action:capture|retake|finish|retry}", h.HandleAction).Methods(http.MethodPost)
	api.HandleFunc("/workflow/images", h.HandleImages).Methods(http.MethodGet)
	api.HandleFunc("/workflow/images/{seq:[0-9]+}", h.HandleImage).Methods(http.MethodGet)
	api.HandleFunc("/workflow/images/{seq:[0-9]+}/thumb", h.HandleThumb).Methods(http.MethodGet)
	api.HandleFunc("/sessions", h.HandleSessions).Methods(http.MethodGet)

	r.HandleFunc("/healthcheck", h.HandleHealth).Methods(http.MethodGet)
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	r.HandleFunc("/", h.ServeIndex).Methods(http.MethodGet)

	return r
}

// Run starts the server and blocks until ctx is cancelled, then unmounts
// any running session and shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.handlers.Unmount(shutdownCtx); err != nil {
			debug.Error(err)
		}
		return srv.Shutdown(shutdownCtx)
	}
}
