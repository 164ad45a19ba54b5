// Package session implements the capture session controller: the state
// machine that prepares the devices of a workflow, gates capture and retake
// requests behind a busy flag, and measures throughput for the operator.
package session

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/PageGo/internal/debug"
)

// State is the controller state.
type State int

const (
	Preparing State = iota
	Idle
	Capturing
	Error
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Sentinel errors returned by operator actions or exposed in the view.
var (
	ErrBusy           = errors.New("session: a device operation is already in progress")
	ErrNotReady       = errors.New("session: devices are not ready, retry first")
	ErrNothingToRetry = errors.New("session: no failed operation to retry")
	ErrUnmounted      = errors.New("session: not mounted")
	ErrDeviceNotReady = errors.New("session: devices did not become ready")
	ErrCaptureFailed  = errors.New("session: capture failed")
)

// Busy messages shown while an operation is outstanding.
const (
	PreparingMessage = "Please wait while the devices are being prepared for capture"
	CapturingMessage = "Please wait for the capture to finish..."
)

// Workflow is the part of the workflow model the controller drives. Each
// callback must be invoked exactly once, from any goroutine, possibly before
// the issuing call returns.
type Workflow interface {
	Images() []string
	PrepareCapture(onReady func(error))
	TriggerCapture(retake bool, onComplete func(error))
	FinishCapture()
	Subscribe(fn func()) (unsubscribe func())
}

// Preparer is implemented by workflows that report whether their devices
// are still prepared. Retry re-prepares instead of re-capturing when they
// are not.
type Preparer interface {
	Prepared() bool
}

// Options tune a Controller. The zero value disables timeouts.
type Options struct {
	PrepareTimeout time.Duration
	CaptureTimeout time.Duration

	// OnFinish runs when the operator finishes the session. Finish performs
	// no state transition of its own.
	OnFinish func()

	Now  func() time.Time
	Rand func() int
}

// revisions numbers view changes across all controllers of the process.
var revisions atomic.Uint64

type op int

const (
	opPrepare op = iota
	opCapture
)

type request struct {
	op     op
	retake bool
}

// Controller is one mounted capture session.
type Controller struct {
	wf   Workflow
	opts Options

	mu               sync.Mutex
	state            State
	busy             Busy
	mounted          bool
	sessionStart     time.Time
	initialPageCount int
	lastErr          error
	last             request
	gen              uint64
	timer            *time.Timer
	unsubscribe      func()
	listeners        map[int]func()
	nextID           int
	revision         uint64

	finishOnce sync.Once
}

// Mount starts a session on wf: it records the session start and the
// initial page count, subscribes to image changes and prepares the devices.
func Mount(wf Workflow, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = func() int { return rand.IntN(100000) }
	}
	c := &Controller{
		wf:               wf,
		opts:             opts,
		state:            Preparing,
		mounted:          true,
		sessionStart:     opts.Now(),
		initialPageCount: len(wf.Images()),
		listeners:        make(map[int]func()),
	}
	debug.Info("Session mounted with %d existing pages", c.initialPageCount)
	c.unsubscribe = wf.Subscribe(c.emit)

	c.mu.Lock()
	call := c.issueLocked(request{op: opPrepare})
	c.mu.Unlock()
	c.emit()
	call()
	return c
}

// OnChange registers fn to run after every state or image change. fn runs
// without the controller lock held and may call Render.
func (c *Controller) OnChange(fn func()) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) emit() {
	c.mu.Lock()
	c.revision = revisions.Add(1)
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// setStateLocked moves to s and logs the transition.
func (c *Controller) setStateLocked(s State) {
	if c.state != s {
		debug.Transition(c.state.String(), s.String())
	}
	c.state = s
}

// issueLocked enters the busy state for req and returns the workflow call
// to run once the lock is released.
func (c *Controller) issueLocked(req request) func() {
	c.gen++
	gen := c.gen
	c.last = req
	c.lastErr = nil

	var timeout time.Duration
	if req.op == opPrepare {
		c.setStateLocked(Preparing)
		c.busy.Enter(PreparingMessage)
		timeout = c.opts.PrepareTimeout
	} else {
		c.setStateLocked(Capturing)
		c.busy.Enter(CapturingMessage)
		timeout = c.opts.CaptureTimeout
	}
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() { c.expire(gen, timeout) })
	}

	done := func(err error) { c.complete(gen, err) }
	if req.op == opPrepare {
		return func() { c.wf.PrepareCapture(done) }
	}
	retake := req.retake
	return func() { c.wf.TriggerCapture(retake, done) }
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// pendingLocked reports whether gen is the outstanding request.
func (c *Controller) pendingLocked(gen uint64) bool {
	return c.mounted && gen == c.gen && (c.state == Preparing || c.state == Capturing)
}

func (c *Controller) failure(err error) error {
	if c.last.op == opPrepare {
		return fmt.Errorf("%w: %w", ErrDeviceNotReady, err)
	}
	return fmt.Errorf("%w: %w", ErrCaptureFailed, err)
}

func (c *Controller) complete(gen uint64, err error) {
	c.mu.Lock()
	if !c.pendingLocked(gen) {
		c.mu.Unlock()
		debug.Verbose("Ignoring stale completion (request %d)", gen)
		return
	}
	c.stopTimerLocked()
	c.busy.Leave()
	if err != nil {
		c.lastErr = c.failure(err)
		c.setStateLocked(Error)
	} else {
		c.setStateLocked(Idle)
	}
	failed := c.lastErr
	c.mu.Unlock()

	if failed != nil {
		debug.Error(failed)
	}
	c.emit()
}

func (c *Controller) expire(gen uint64, after time.Duration) {
	c.mu.Lock()
	if !c.pendingLocked(gen) {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.busy.Leave()
	c.lastErr = c.failure(fmt.Errorf("timed out after %v", after))
	c.setStateLocked(Error)
	failed := c.lastErr
	c.mu.Unlock()

	debug.Error(failed)
	c.emit()
}

// Capture takes one shot. It is accepted only while idle.
func (c *Controller) Capture() error { return c.shoot(false) }

// Retake replaces the most recent shot. It is accepted only while idle.
func (c *Controller) Retake() error { return c.shoot(true) }

func (c *Controller) shoot(retake bool) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	call := c.issueLocked(request{op: opCapture, retake: retake})
	c.mu.Unlock()

	if retake {
		debug.Live("Re-taking last shot")
	} else {
		debug.Live("Triggering capture")
	}
	c.emit()
	call()
	return nil
}

func (c *Controller) readyLocked() error {
	switch {
	case !c.mounted:
		return ErrUnmounted
	case c.state == Error:
		return ErrNotReady
	case c.state != Idle || c.busy.Active():
		return ErrBusy
	}
	return nil
}

// Retry re-issues the request that failed, with the same retake flag. A
// failed capture on devices the workflow no longer holds prepared is
// retried as a prepare.
func (c *Controller) Retry() error {
	unprepared := false
	if p, ok := c.wf.(Preparer); ok {
		unprepared = !p.Prepared()
	}

	c.mu.Lock()
	switch {
	case !c.mounted:
		c.mu.Unlock()
		return ErrUnmounted
	case c.state == Preparing || c.state == Capturing || c.busy.Active():
		c.mu.Unlock()
		return ErrBusy
	case c.state != Error:
		c.mu.Unlock()
		return ErrNothingToRetry
	}
	req := c.last
	if unprepared {
		req = request{op: opPrepare}
	}
	call := c.issueLocked(req)
	c.mu.Unlock()

	debug.Live("Retrying after failure")
	c.emit()
	call()
	return nil
}

// Finish is the hook for ending the capture stage. It changes no state and
// runs Options.OnFinish when set.
func (c *Controller) Finish() error {
	c.mu.Lock()
	mounted := c.mounted
	c.mu.Unlock()
	if !mounted {
		return ErrUnmounted
	}
	debug.Live("Wrapping up capture process")
	if c.opts.OnFinish != nil {
		c.opts.OnFinish()
	}
	return nil
}

// Toggle flips the busy flag without touching the controller state.
func (c *Controller) Toggle(message string) {
	c.mu.Lock()
	c.busy.Toggle(message)
	c.mu.Unlock()
	c.emit()
}

// Unmount ends the session. FinishCapture runs exactly once whatever the
// state; later actions fail with ErrUnmounted.
func (c *Controller) Unmount() {
	c.mu.Lock()
	wasMounted := c.mounted
	c.mounted = false
	c.stopTimerLocked()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.finishOnce.Do(c.wf.FinishCapture)
	if wasMounted {
		debug.Info("Session unmounted")
		c.emit()
	}
}

// Mounted reports whether the session is live.
func (c *Controller) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the session to Error, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SessionStart returns the time recorded at mount.
func (c *Controller) SessionStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionStart
}

// InitialPageCount returns the page count recorded at mount.
func (c *Controller) InitialPageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialPageCount
}

// Render builds the view for one render pass. It has no side effects on the
// session.
func (c *Controller) Render() View {
	c.mu.Lock()
	v := View{
		State:            c.state.String(),
		Busy:             c.busy.Active(),
		BusyMessage:      c.busy.Message(),
		SessionStart:     c.sessionStart,
		InitialPageCount: c.initialPageCount,
		Controls:         controls(c.state, c.mounted, c.busy.Active()),
		Revision:         c.revision,
	}
	if c.lastErr != nil {
		v.Error = c.lastErr.Error()
	}
	c.mu.Unlock()

	images := c.wf.Images()
	now := c.opts.Now()
	v.PageCount = len(images)
	v.PageCountLabel = PageCountLabel(v.PageCount)
	v.PagesPerHour = Throughput(now.Sub(v.SessionStart), v.PageCount-v.InitialPageCount)
	v.ThroughputLabel = ThroughputLabel(v.PagesPerHour)
	if odd, even, ok := PreviewPair(images); ok {
		r := c.opts.Rand()
		v.Preview = &Preview{Odd: ThumbnailURL(odd, r), Even: ThumbnailURL(even, r)}
	}
	return v
}

// Summary describes the session so far, for the session history.
type Summary struct {
	StartedAt    time.Time
	InitialPages int
	FinalPages   int
	PagesPerHour int
}

// Summary returns the session summary as of now.
func (c *Controller) Summary() Summary {
	c.mu.Lock()
	s := Summary{StartedAt: c.sessionStart, InitialPages: c.initialPageCount}
	c.mu.Unlock()
	s.FinalPages = len(c.wf.Images())
	s.PagesPerHour = Throughput(c.opts.Now().Sub(s.StartedAt), s.FinalPages-s.InitialPages)
	return s
}
