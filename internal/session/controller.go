// Package session runs the photo attendance capture session: walk a roster,
// capture or mark each student, then submit every mark as one batch.
//
// The Controller is safe for concurrent use. Network calls run without the
// lock; a generation counter keeps a cancelled load from committing.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"
	"golang.org/x/sync/errgroup"

	"rollcall/internal/attendance"
	"rollcall/internal/capture"
	"rollcall/internal/encoder"
	"rollcall/internal/metrics"
)

// RosterProvider returns the ordered roster of a class.
type RosterProvider interface {
	Roster(ctx context.Context, classID string) ([]attendance.StudentRef, error)
}

// Submitter delivers a batch of marks to the attendance store.
type Submitter interface {
	Submit(ctx context.Context, b attendance.Batch) (attendance.SubmitResult, error)
}

// Camera is the part of capture.Manager the session drives.
type Camera interface {
	Acquire(ctx context.Context, c capture.Constraints) error
	Release() error
	Frame() (capture.Frame, error)
	Held() int
}

// FrameEncoder compresses a captured frame.
type FrameEncoder interface {
	Encode(img image.Image, initialQuality float64) (encoder.Result, error)
}

// Config tunes a Controller.
type Config struct {
	OperatorID         string
	Constraints        capture.Constraints
	InitialQuality     float64
	AllowManualPresent bool
}

// Captured describes the photo taken by CaptureCurrent.
type Captured struct {
	StudentID string  `json:"student_id"`
	Bytes     int     `json:"bytes"`
	Quality   float64 `json:"quality"`
	Attempts  int     `json:"attempts"`
	Oversize  bool    `json:"oversize"`
}

// Submission records the outcome of the last successful submit.
type Submission struct {
	At      time.Time `json:"at"`
	Marks   int       `json:"marks"`
	Created int       `json:"created"`
	Updated int       `json:"updated"`
}

// Controller is the capture session state machine.
type Controller struct {
	rosters    RosterProvider
	reconciler *attendance.Reconciler
	submitter  Submitter
	camera     Camera
	encoder    FrameEncoder
	cfg        Config
	now        func() time.Time

	mu         sync.Mutex
	gen        uint64
	state      State
	key        attendance.Key
	students   []attendance.StudentRef
	index      map[string]int
	cursor     int
	marks      map[string]attendance.Mark
	photos     map[string][]byte
	pending    int
	last       *Submission
	loadCancel context.CancelFunc
}

// New creates an idle controller.
func New(rosters RosterProvider, marks attendance.MarkSource, submitter Submitter, camera Camera, enc FrameEncoder, cfg Config) *Controller {
	return &Controller{
		rosters:    rosters,
		reconciler: attendance.NewReconciler(marks),
		submitter:  submitter,
		camera:     camera,
		encoder:    enc,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start opens a session for key. The roster and the marks already stored for
// key load concurrently; nothing changes unless both succeed.
func (c *Controller) Start(ctx context.Context, key attendance.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateFinalized {
		err := c.stateErrLocked()
		c.mu.Unlock()
		return err
	}
	c.gen++
	gen := c.gen
	lctx, cancel := context.WithCancel(ctx)
	c.loadCancel = cancel
	c.resetLocked()
	c.key = key
	c.transitionLocked(StateLoading)
	c.mu.Unlock()
	defer cancel()

	var (
		students []attendance.StudentRef
		existing map[string]attendance.Mark
		rosterErr, reconcileErr error
	)
	g, gctx := errgroup.WithContext(lctx)
	g.Go(func() error {
		students, rosterErr = c.rosters.Roster(gctx, key.ClassID)
		return rosterErr
	})
	g.Go(func() error {
		existing, reconcileErr = c.reconciler.LoadExisting(gctx, key)
		return reconcileErr
	})
	g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return fmt.Errorf("%w: session was cancelled while loading", ErrInvalidState)
	}
	c.loadCancel = nil

	// When one load fails the other is cancelled; report the root cause.
	switch {
	case rosterErr != nil && !(reconcileErr != nil && errors.Is(rosterErr, context.Canceled)):
		c.resetLocked()
		c.transitionLocked(StateIdle)
		return fmt.Errorf("%w: %w", ErrRosterUnavailable, rosterErr)
	case reconcileErr != nil:
		c.resetLocked()
		c.transitionLocked(StateIdle)
		return fmt.Errorf("%w: %w", ErrReconciliationFailed, reconcileErr)
	}

	c.students = students
	c.index = make(map[string]int, len(students))
	for i, st := range students {
		c.index[st.ID] = i
	}
	for id, m := range existing {
		if _, ok := c.index[id]; !ok {
			logger.Info.Printf("session %s: dropping stored mark of %s, no longer on the roster", key, id)
			continue
		}
		c.marks[id] = m
		if len(m.Photo) > 0 {
			c.photos[id] = m.Photo
		}
	}
	c.cursor = 0
	c.transitionLocked(StateActive)
	logger.Info.Printf("session %s started: %d students, %d existing marks", key, len(students), len(c.marks))
	return nil
}

// AcquireCamera opens the configured camera. Camera errors are returned as is.
func (c *Controller) AcquireCamera(ctx context.Context) error {
	c.mu.Lock()
	if err := c.requireActiveLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	gen := c.gen
	c.mu.Unlock()

	if err := c.camera.Acquire(ctx, c.cfg.Constraints); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || (c.state != StateActive && c.state != StateSubmitting) {
		c.camera.Release()
		return fmt.Errorf("%w: session ended while the camera was opening", ErrInvalidState)
	}
	return nil
}

// CaptureCurrent photographs the current student, marks them present and
// moves to the next student.
func (c *Controller) CaptureCurrent() (Captured, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return Captured{}, err
	}
	if len(c.students) == 0 {
		return Captured{}, fmt.Errorf("%w: roster is empty", ErrInvalidState)
	}

	frame, err := c.camera.Frame()
	if err != nil {
		return Captured{}, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	res, err := c.encoder.Encode(frame.Image, c.cfg.InitialQuality)
	if err != nil {
		return Captured{}, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	if len(res.Data) == 0 {
		return Captured{}, fmt.Errorf("%w: encoder produced no data", ErrCaptureFailed)
	}

	st := c.students[c.cursor]
	c.marks[st.ID] = attendance.Mark{
		StudentID:  st.ID,
		Status:     attendance.StatusPresent,
		Photo:      res.Data,
		CapturedAt: c.now(),
	}
	c.photos[st.ID] = res.Data
	c.pending++
	c.advanceLocked()

	return Captured{
		StudentID: st.ID,
		Bytes:     len(res.Data),
		Quality:   res.Quality,
		Attempts:  res.Attempts,
		Oversize:  res.Oversize,
	}, nil
}

// MarkCurrent records a photo-less status for the current student and moves
// on. present is only accepted with AllowManualPresent and a note.
func (c *Controller) MarkCurrent(status attendance.Status, notes string) error {
	if !status.Valid() {
		return attendance.NewValidationError(fmt.Errorf("unsupported status %q", status),
			attendance.FieldError{Field: "status", Error: "must be one of present, absent, late, excused"})
	}
	if status == attendance.StatusPresent {
		if !c.cfg.AllowManualPresent {
			return attendance.NewValidationError(errors.New("present requires a photo"),
				attendance.FieldError{Field: "status", Error: "capture a photo to mark present"})
		}
		if notes == "" {
			return attendance.NewValidationError(errors.New("manual present requires a note"),
				attendance.FieldError{Field: "notes", Error: "explain why no photo was taken"})
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	if len(c.students) == 0 {
		return fmt.Errorf("%w: roster is empty", ErrInvalidState)
	}

	st := c.students[c.cursor]
	c.marks[st.ID] = attendance.Mark{
		StudentID:  st.ID,
		Status:     status,
		CapturedAt: c.now(),
		Notes:      notes,
	}
	delete(c.photos, st.ID)
	c.pending++
	c.advanceLocked()
	return nil
}

// Next moves to the following student, staying on the last one.
func (c *Controller) Next() error {
	return c.move(func() { c.advanceLocked() })
}

// Prev moves to the previous student, staying on the first one.
func (c *Controller) Prev() error {
	return c.move(func() {
		if c.cursor > 0 {
			c.cursor--
		}
	})
}

// Seek jumps to index, clamped into the roster.
func (c *Controller) Seek(index int) error {
	return c.move(func() { c.cursor = clamp(index, len(c.students)) })
}

// SeekStudent jumps to the student with the given id.
func (c *Controller) SeekStudent(studentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	i, ok := c.index[studentID]
	if !ok {
		return attendance.NewValidationError(fmt.Errorf("student %s is not on the roster", studentID),
			attendance.FieldError{Field: "student_id", Error: "not on the roster"})
	}
	c.cursor = i
	return nil
}

func (c *Controller) move(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	if len(c.students) > 0 {
		fn()
	}
	return nil
}

// Submit sends every mark in roster order. Local state is kept either way; on
// success the pending change count is cleared.
func (c *Controller) Submit(ctx context.Context) (attendance.SubmitResult, error) {
	c.mu.Lock()
	if err := c.requireActiveLocked(); err != nil {
		c.mu.Unlock()
		return attendance.SubmitResult{}, err
	}
	batch, err := c.batchLocked()
	if err != nil {
		c.mu.Unlock()
		return attendance.SubmitResult{}, err
	}
	gen := c.gen
	c.transitionLocked(StateSubmitting)
	c.mu.Unlock()

	res, err := c.submitter.Submit(ctx, batch)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen && c.state == StateSubmitting {
		c.transitionLocked(StateActive)
	}
	if err != nil {
		logger.Error.Printf("session %s: submit of %d marks failed: %v", batch.Key, len(batch.Marks), err)
		return attendance.SubmitResult{}, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	if c.gen == gen {
		c.pending = 0
		c.last = &Submission{At: c.now(), Marks: len(batch.Marks), Created: res.Created, Updated: res.Updated}
	}
	logger.Info.Printf("session %s: submitted %d marks (%d created, %d updated)", batch.Key, len(batch.Marks), res.Created, res.Updated)
	return res, nil
}

// batchLocked validates local marks and orders them by roster position.
func (c *Controller) batchLocked() (attendance.Batch, error) {
	var flds []attendance.FieldError
	for id, m := range c.marks {
		if _, ok := c.index[id]; !ok {
			flds = append(flds, attendance.FieldError{Field: "student_id", Error: id + " is not on the roster"})
		}
		if !m.Status.Valid() {
			flds = append(flds, attendance.FieldError{Field: "status", Error: fmt.Sprintf("%q is not supported for %s", m.Status, id)})
		}
	}
	if len(flds) > 0 {
		return attendance.Batch{}, attendance.NewValidationError(errors.New("session holds invalid marks"), flds...)
	}
	if len(c.marks) == 0 {
		return attendance.Batch{}, attendance.NewValidationError(errors.New("nothing to submit"),
			attendance.FieldError{Field: "marks", Error: "mark at least one student"})
	}

	marks := make([]attendance.Mark, 0, len(c.marks))
	for _, st := range c.students {
		if m, ok := c.marks[st.ID]; ok {
			marks = append(marks, m)
		}
	}
	return attendance.Batch{Key: c.key, OperatorID: c.cfg.OperatorID, Marks: marks}, nil
}

// Finalize ends the session, releasing the camera.
func (c *Controller) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	if c.pending > 0 {
		logger.Info.Printf("session %s finalized with %d unsubmitted changes", c.key, c.pending)
	}
	c.releaseCamera()
	c.gen++
	c.resetLocked()
	c.transitionLocked(StateFinalized)
	return nil
}

// Cancel abandons the session from any state but Submitting. A load or a
// camera acquisition in flight is aborted and local changes are discarded.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSubmitting {
		return ErrBusy
	}
	c.gen++
	if c.loadCancel != nil {
		c.loadCancel()
		c.loadCancel = nil
	}
	c.releaseCamera()
	c.resetLocked()
	if c.state != StateIdle {
		c.transitionLocked(StateIdle)
	}
	return nil
}

// Photo returns the session photo of a student.
func (c *Controller) Photo(studentID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.photos[studentID]
	return p, ok
}

func (c *Controller) releaseCamera() {
	if err := c.camera.Release(); err != nil {
		logger.Error.Printf("camera release failed: %v", err)
	}
}

func (c *Controller) requireActiveLocked() error {
	if c.state == StateActive {
		return nil
	}
	return c.stateErrLocked()
}

func (c *Controller) stateErrLocked() error {
	if c.state == StateSubmitting {
		return ErrBusy
	}
	return fmt.Errorf("%w: session is %s", ErrInvalidState, c.state)
}

func (c *Controller) advanceLocked() {
	if c.cursor < len(c.students)-1 {
		c.cursor++
	}
}

func (c *Controller) resetLocked() {
	c.key = attendance.Key{}
	c.students = nil
	c.index = map[string]int{}
	c.cursor = 0
	c.marks = map[string]attendance.Mark{}
	c.photos = map[string][]byte{}
	c.pending = 0
	c.last = nil
}

func (c *Controller) transitionLocked(to State) {
	metrics.SessionTransitionsTotal.WithLabelValues(c.state.String(), to.String()).Inc()
	logger.Debug.Printf("session %s -> %s", c.state, to)
	c.state = to
}

func clamp(i, n int) int {
	if n == 0 || i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
