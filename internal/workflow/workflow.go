// Package workflow owns the page list of a scan workflow and drives its
// imaging devices through an asynchronous, callback-completed capture API.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/PageGo/internal/debug"
	"github.com/cjeanneret/PageGo/internal/hw/camera"
	"github.com/cjeanneret/PageGo/internal/storage"
	"github.com/cjeanneret/PageGo/internal/telemetry"
)

// Sentinel errors for workflow operations.
var (
	ErrBusy         = errors.New("workflow: a device operation is already in progress")
	ErrNotPrepared  = errors.New("workflow: devices are not prepared")
	ErrPageNotFound = errors.New("workflow: page not found")
)

// ImagePrefix is the URL prefix of page image references.
const ImagePrefix = "/api/workflow/images/"

// Callback is invoked exactly once when an asynchronous operation completes.
type Callback = func(err error)

// Workflow is a named scan job: an ordered page list persisted in a store
// plus the devices that capture into it. One device operation may be
// outstanding at a time.
type Workflow struct {
	id      string
	name    string
	rawDir  string
	devices []camera.Device
	store   storage.Store
	tracer  trace.Tracer
	clock   func() time.Time

	mu        sync.Mutex
	pages     []storage.Page
	prepared  bool
	busy      bool
	cancel    context.CancelFunc
	listeners map[int]func()
	nextID    int
}

// Open loads (or creates) the workflow called name from store. Images are
// kept under <dataDir>/<name>/raw.
func Open(ctx context.Context, store storage.Store, dataDir, name string, devices []camera.Device) (*Workflow, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("workflow %q: at least one device is required", name)
	}
	wf, err := store.EnsureWorkflow(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open workflow %q: %w", name, err)
	}
	pages, err := store.ListPages(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("load pages of %q: %w", name, err)
	}
	debug.Pages(wf.Name, len(pages))

	return &Workflow{
		id:        wf.ID,
		name:      wf.Name,
		rawDir:    filepath.Join(dataDir, wf.Name, "raw"),
		devices:   devices,
		store:     store,
		tracer:    telemetry.Tracer("workflow"),
		clock:     time.Now,
		pages:     pages,
		listeners: make(map[int]func()),
	}, nil
}

// ID returns the persistent workflow identifier.
func (w *Workflow) ID() string { return w.id }

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// ImageRef returns the image reference of the page at seq.
func ImageRef(seq int) string {
	return ImagePrefix + strconv.Itoa(seq)
}

// Images returns the image references in capture order.
func (w *Workflow) Images() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	refs := make([]string, len(w.pages))
	for i, p := range w.pages {
		refs[i] = ImageRef(p.Seq)
	}
	return refs
}

// Pages returns a copy of the page list.
func (w *Workflow) Pages() []storage.Page {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]storage.Page(nil), w.pages...)
}

// Prepared reports whether the devices are ready for TriggerCapture.
func (w *Workflow) Prepared() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prepared
}

// PagePath returns the file of the page at seq.
func (w *Workflow) PagePath(seq int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq < 0 || seq >= len(w.pages) {
		return "", fmt.Errorf("%w: %d", ErrPageNotFound, seq)
	}
	return w.pages[seq].Path, nil
}

// Subscribe registers fn to run after every change of the page list.
// The returned function removes the listener.
func (w *Workflow) Subscribe(fn func()) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.listeners, id)
			w.mu.Unlock()
		})
	}
}

func (w *Workflow) notify() {
	w.mu.Lock()
	fns := make([]func(), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// begin claims the single operation slot. The returned context is
// cancelled by FinishCapture.
func (w *Workflow) begin() (context.Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.busy = true
	w.cancel = cancel
	return ctx, nil
}

func (w *Workflow) end() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.busy = false
	w.mu.Unlock()
}

// PrepareCapture readies every device in parallel and then calls onReady.
func (w *Workflow) PrepareCapture(onReady Callback) {
	ctx, err := w.begin()
	if err != nil {
		onReady(err)
		return
	}
	go func() {
		err := w.prepare(ctx)
		w.end()
		onReady(err)
	}()
}

func (w *Workflow) prepare(ctx context.Context) (err error) {
	ctx, span := w.tracer.Start(ctx, "workflow.prepare", trace.WithAttributes(
		attribute.String("workflow.name", w.name),
		attribute.Int("workflow.devices", len(w.devices)),
	))
	defer func() { endSpan(span, err) }()

	debug.Live("Preparing %d device(s)", len(w.devices))
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range w.devices {
		g.Go(func() error {
			if err := d.Prepare(gctx); err != nil {
				return fmt.Errorf("prepare %s: %w", d.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w.mu.Lock()
	w.prepared = true
	w.mu.Unlock()
	debug.Live("Devices ready")
	return nil
}

// TriggerCapture fires every device once. A normal shot appends one page
// per device; a retake replaces the pages of the last shot. onComplete runs
// after the page list has been updated.
func (w *Workflow) TriggerCapture(retake bool, onComplete Callback) {
	w.mu.Lock()
	prepared := w.prepared
	w.mu.Unlock()
	if !prepared {
		onComplete(ErrNotPrepared)
		return
	}

	ctx, err := w.begin()
	if err != nil {
		onComplete(err)
		return
	}
	go func() {
		err := w.capture(ctx, retake)
		w.end()
		onComplete(err)
	}()
}

func (w *Workflow) capture(ctx context.Context, retake bool) (err error) {
	ctx, span := w.tracer.Start(ctx, "workflow.capture", trace.WithAttributes(
		attribute.String("workflow.name", w.name),
		attribute.Bool("capture.retake", retake),
	))
	defer func() { endSpan(span, err) }()

	n := len(w.devices)
	w.mu.Lock()
	base := len(w.pages)
	w.mu.Unlock()
	if retake && base >= n {
		base -= n
	}
	span.SetAttributes(attribute.Int("capture.first_seq", base))

	shot := make([]storage.Page, n)
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range w.devices {
		seq := base + i
		path := filepath.Join(w.rawDir, fmt.Sprintf("%03d.jpg", seq))
		g.Go(func() error {
			if err := d.Capture(gctx, path); err != nil {
				return fmt.Errorf("capture %s: %w", d.Name(), err)
			}
			shot[i] = storage.Page{Seq: seq, Path: path, Device: d.Name(), CapturedAt: w.clock()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := w.store.PutPages(ctx, w.id, shot); err != nil {
		return fmt.Errorf("persist pages: %w", err)
	}

	w.mu.Lock()
	for _, p := range shot {
		if p.Seq < len(w.pages) {
			w.pages[p.Seq] = p
		} else {
			w.pages = append(w.pages, p)
		}
	}
	total := len(w.pages)
	w.mu.Unlock()

	for _, p := range shot {
		debug.Shot(p.Seq, p.Device)
	}
	if retake {
		debug.Live("Retake complete, %d pages", total)
	}
	w.notify()
	return nil
}

// FinishCapture cancels in-flight work and releases every device. It is
// safe to call at any time, including with an operation outstanding.
func (w *Workflow) FinishCapture() {
	_, span := w.tracer.Start(context.Background(), "workflow.finish",
		trace.WithAttributes(attribute.String("workflow.name", w.name)))
	defer span.End()

	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.prepared = false
	w.mu.Unlock()

	for _, d := range w.devices {
		if err := d.Release(); err != nil {
			debug.Error(fmt.Errorf("release %s: %w", d.Name(), err))
			span.RecordError(err)
		}
	}
	debug.Live("Devices released")
}

// RecordSession persists a finished session summary for this workflow.
func (w *Workflow) RecordSession(ctx context.Context, rec storage.SessionRecord) error {
	rec.WorkflowID = w.id
	return w.store.RecordSession(ctx, rec)
}

// Sessions returns the session history of this workflow.
func (w *Workflow) Sessions(ctx context.Context) ([]storage.SessionRecord, error) {
	return w.store.ListSessions(ctx, w.id)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
