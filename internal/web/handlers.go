package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/cjeanneret/PageGo/internal/debug"
	"github.com/cjeanneret/PageGo/internal/session"
	"github.com/cjeanneret/PageGo/internal/storage"
	"github.com/cjeanneret/PageGo/internal/workflow"
)

// ErrMounted is returned when a session is running or still shutting down.
var ErrMounted = errors.New("web: a capture session is already mounted")

// Workflow is the workflow model served by the station.
type Workflow interface {
	session.Workflow
	Name() string
	PagePath(seq int) (string, error)
	Thumbnail(seq, width int) ([]byte, error)
	RecordSession(ctx context.Context, rec storage.SessionRecord) error
	Sessions(ctx context.Context) ([]storage.SessionRecord, error)
}

// Handlers holds dependencies for HTTP handlers and the one session the
// station may run at a time.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	workflow    Workflow
	options     session.Options
	thumbWidth  int
	staticFS    fs.FS

	mu         sync.Mutex
	controller *session.Controller
	stopViews  func()
	unmounting bool // teardown of the previous session is running
}

// NewHandlers creates handlers serving wf. Sessions are mounted with opts.
func NewHandlers(broadcaster *StatusBroadcaster, wf Workflow, opts session.Options, thumbWidth int, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		workflow:    wf,
		options:     opts,
		thumbWidth:  thumbWidth,
		staticFS:    staticFS,
	}
}

// Mount starts a capture session.
func (h *Handlers) Mount() (*session.Controller, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.controller != nil || h.unmounting {
		return nil, ErrMounted
	}
	c := session.Mount(h.workflow, h.options)
	h.controller = c
	publish := func() {
		if c.Mounted() {
			h.Broadcaster.BroadcastView(c.Render())
		}
	}
	h.stopViews = c.OnChange(publish)
	publish()
	h.Broadcaster.BroadcastMsg("Capture session started")
	return c, nil
}

// Unmount ends the running session and records it in the session history.
// It reports false when no session was mounted. Mount is refused until the
// devices have been released.
func (h *Handlers) Unmount(ctx context.Context) (bool, error) {
	h.mu.Lock()
	c, stop := h.controller, h.stopViews
	if c == nil {
		h.mu.Unlock()
		return false, nil
	}
	h.controller, h.stopViews = nil, nil
	h.unmounting = true
	h.mu.Unlock()

	stop()
	c.Unmount()
	h.Broadcaster.ClearView()

	h.mu.Lock()
	h.unmounting = false
	h.mu.Unlock()

	sum := c.Summary()
	rec := storage.SessionRecord{
		StartedAt:    sum.StartedAt,
		FinishedAt:   time.Now(),
		InitialPages: sum.InitialPages,
		FinalPages:   sum.FinalPages,
		PagesPerHour: sum.PagesPerHour,
	}
	if err := h.workflow.RecordSession(ctx, rec); err != nil {
		return true, fmt.Errorf("record session: %w", err)
	}
	h.Broadcaster.BroadcastMsg(fmt.Sprintf("Capture session ended: %d new pages",
		sum.FinalPages-sum.InitialPages))
	return true, nil
}

func (h *Handlers) current() *session.Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controller
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrMounted), errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrNothingToRetry):
		return http.StatusPreconditionFailed
	case errors.Is(err, session.ErrUnmounted), errors.Is(err, workflow.ErrPageNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Error(fmt.Errorf("encode response: %w", err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// ServeIndex serves the main HTML page.
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleHealth answers GET /healthcheck.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"mounted": h.current() != nil,
	})
}

// HandleMount handles POST /api/session.
func (h *Handlers) HandleMount(w http.ResponseWriter, r *http.Request) {
	c, err := h.Mount()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c.Render())
}

// HandleUnmount handles DELETE /api/session.
func (h *Handlers) HandleUnmount(w http.ResponseWriter, r *http.Request) {
	found, err := h.Unmount(r.Context())
	if !found {
		writeError(w, session.ErrUnmounted)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleView handles GET /api/session.
func (h *Handlers) HandleView(w http.ResponseWriter, r *http.Request) {
	c := h.current()
	if c == nil {
		writeError(w, session.ErrUnmounted)
		return
	}
	writeJSON(w, http.StatusOK, c.Render())
}

// HandleAction handles POST /api/session/{action}.
func (h *Handlers) HandleAction(w http.ResponseWriter, r *http.Request) {
	c := h.current()
	if c == nil {
		writeError(w, session.ErrUnmounted)
		return
	}

	var err error
	switch action := mux.Vars(r)["action"]; action {
	case session.ActionCapture:
		err = c.Capture()
	case session.ActionRetake:
		err = c.Retake()
	case session.ActionFinish:
		err = c.Finish()
	case session.ActionRetry:
		err = c.Retry()
	default:
		http.Error(w, "unknown action "+strconv.Quote(action), http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c.Render())
}

// HandleStream handles GET /api/session/stream for SSE.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, evt.Data)
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleImages handles GET /api/workflow/images.
func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflow": h.workflow.Name(),
		"images":   h.workflow.Images(),
	})
}

func pageSeq(r *http.Request) (int, error) {
	seq, err := strconv.Atoi(mux.Vars(r)["seq"])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", workflow.ErrPageNotFound, mux.Vars(r)["seq"])
	}
	return seq, nil
}

// HandleImage handles GET /api/workflow/images/{seq}.
func (h *Handlers) HandleImage(w http.ResponseWriter, r *http.Request) {
	seq, err := pageSeq(r)
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := h.workflow.PagePath(seq)
	if err != nil {
		writeError(w, err)
		return
	}
	// A retake rewrites the file behind the same reference.
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}

// HandleThumb handles GET /api/workflow/images/{seq}/thumb.
func (h *Handlers) HandleThumb(w http.ResponseWriter, r *http.Request) {
	seq, err := pageSeq(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := h.workflow.Thumbnail(seq, h.thumbWidth)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

// HandleSessions handles GET /api/sessions.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.workflow.Sessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []storage.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
