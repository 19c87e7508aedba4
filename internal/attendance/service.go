package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shrimpsizemoose/trekker/logger"

	"rollcall/internal/metrics"
	"rollcall/internal/queue"
)

// Store is the persistence the service needs.
type Store interface {
	MarkSource
	UpsertBatch(ctx context.Context, b Batch, now time.Time) (SubmitResult, error)
}

// RosterReader resolves class rosters for enrollment checks.
type RosterReader interface {
	Roster(ctx context.Context, classID string) ([]StudentRef, error)
}

// rosterInvalidator is implemented by cached roster readers.
type rosterInvalidator interface {
	Invalidate(ctx context.Context, classID string) error
}

// Service validates and applies mark submissions.
type Service struct {
	store    Store
	rosters  RosterReader
	events   queue.Queue
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a service. events may be nil.
func NewService(store Store, rosters RosterReader, events queue.Queue) *Service {
	return &Service{
		store:    store,
		rosters:  rosters,
		events:   events,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// ListMarks returns stored marks for key, newest first.
func (s *Service) ListMarks(ctx context.Context, key Key) ([]StoredMark, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.store.ListMarks(ctx, key)
}

// Submit upserts a batch. Resubmitting the same batch updates the same rows
// and never adds marks.
func (s *Service) Submit(ctx context.Context, b Batch) (SubmitResult, error) {
	marks, err := s.check(ctx, b)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return SubmitResult{}, err
	}
	b.Marks = marks

	res, err := s.store.UpsertBatch(ctx, b, s.now())
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("failed").Inc()
		return SubmitResult{}, err
	}
	metrics.SubmissionsTotal.WithLabelValues("applied").Inc()
	metrics.MarksUpsertedTotal.WithLabelValues("created").Add(float64(res.Created))
	metrics.MarksUpsertedTotal.WithLabelValues("updated").Add(float64(res.Updated))
	logger.Info.Printf("submission %s by %s: %d created, %d updated", b.Key, b.OperatorID, res.Created, res.Updated)

	s.announce(ctx, b.Key, res.IDs)
	return res, nil
}

// check validates the batch and collapses repeated students, keeping the
// first position and the last value.
func (s *Service) check(ctx context.Context, b Batch) ([]Mark, error) {
	if err := b.Key.Validate(); err != nil {
		return nil, err
	}
	if b.OperatorID == "" {
		return nil, NewValidationError(errors.New("operator identity required"),
			FieldError{Field: "operator_id", Error: "this field is required"})
	}
	if len(b.Marks) == 0 {
		return nil, NewValidationError(errors.New("batch has no marks"),
			FieldError{Field: "marks", Error: "at least one mark is required"})
	}

	var flds []FieldError
	pos := make(map[string]int, len(b.Marks))
	out := make([]Mark, 0, len(b.Marks))
	for i, m := range b.Marks {
		if err := s.validate.Struct(m); err != nil {
			flds = append(flds, FieldError{Field: fmt.Sprintf("marks[%d]", i), Error: err.Error()})
			continue
		}
		if j, ok := pos[m.StudentID]; ok {
			logger.Debug.Printf("batch %s repeats student %s, keeping the later mark", b.Key, m.StudentID)
			out[j] = m
			continue
		}
		pos[m.StudentID] = len(out)
		out = append(out, m)
	}
	if len(flds) > 0 {
		return nil, NewValidationError(errors.New("invalid marks"), flds...)
	}

	if s.rosters != nil {
		if err := s.checkEnrolled(ctx, b.Key, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// checkEnrolled rejects marks for students outside the class roster. A cached
// roster that misses a student is dropped and reloaded once before rejecting.
func (s *Service) checkEnrolled(ctx context.Context, key Key, marks []Mark) error {
	missing, err := s.notEnrolled(ctx, key.ClassID, marks)
	if err != nil {
		return err
	}
	if inv, ok := s.rosters.(rosterInvalidator); ok && len(missing) > 0 {
		logger.Debug.Printf("roster for %s misses %d students, reloading", key.ClassID, len(missing))
		if err := inv.Invalidate(ctx, key.ClassID); err != nil {
			logger.Error.Printf("roster invalidate for %s: %v", key.ClassID, err)
		} else if missing, err = s.notEnrolled(ctx, key.ClassID, marks); err != nil {
			return err
		}
	}
	if len(missing) == 0 {
		return nil
	}
	flds := make([]FieldError, 0, len(missing))
	for _, id := range missing {
		flds = append(flds, FieldError{Field: "student_id", Error: id + " is not enrolled in " + key.ClassID})
	}
	return NewValidationError(errors.New("marks reference students outside the roster"), flds...)
}

func (s *Service) notEnrolled(ctx context.Context, classID string, marks []Mark) ([]string, error) {
	students, err := s.rosters.Roster(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	known := make(map[string]struct{}, len(students))
	for _, st := range students {
		known[st.ID] = struct{}{}
	}
	var missing []string
	for _, m := range marks {
		if _, ok := known[m.StudentID]; !ok {
			missing = append(missing, m.StudentID)
		}
	}
	return missing, nil
}

func (s *Service) announce(ctx context.Context, key Key, ids []string) {
	if s.events == nil || len(ids) == 0 {
		return
	}
	msg, err := queue.NewMessage(queue.TypeMarksSubmitted, queue.MarksSubmitted{
		ClassID: key.ClassID,
		Date:    key.Date,
		TopicID: key.TopicID,
		MarkIDs: ids,
	})
	if err != nil {
		logger.Error.Printf("encode submission event: %v", err)
		return
	}
	if err := s.events.Publish(ctx, msg); err != nil {
		logger.Error.Printf("queue publish failed: %v", err)
	}
}
