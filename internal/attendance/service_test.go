package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/queue"
)

type fakeStore struct {
	batches []Batch
	err     error
}

func (s *fakeStore) ListMarks(ctx context.Context, key Key) ([]StoredMark, error) { return nil, nil }

func (s *fakeStore) UpsertBatch(ctx context.Context, b Batch, now time.Time) (SubmitResult, error) {
	if s.err != nil {
		return SubmitResult{}, s.err
	}
	s.batches = append(s.batches, b)
	res := SubmitResult{Created: len(b.Marks)}
	for _, m := range b.Marks {
		res.IDs = append(res.IDs, "id-"+m.StudentID)
	}
	return res, nil
}

type fakeRosters struct {
	students []StudentRef
	err      error
}

func (r fakeRosters) Roster(ctx context.Context, classID string) ([]StudentRef, error) {
	return r.students, r.err
}

func newTestService(store *fakeStore, events queue.Queue) *Service {
	rosters := fakeRosters{students: []StudentRef{{ID: "a"}, {ID: "b"}}}
	return NewService(store, rosters, events)
}

func TestSubmitCollapsesRepeatedStudents(t *testing.T) {
	store := &fakeStore{}
	events := queue.NewInMemory(4)
	svc := newTestService(store, events)

	res, err := svc.Submit(context.Background(), Batch{
		Key:        Key{ClassID: "c1", Date: "2024-03-01"},
		OperatorID: "op",
		Marks: []Mark{
			{StudentID: "a", Status: StatusAbsent},
			{StudentID: "b", Status: StatusLate},
			{StudentID: "a", Status: StatusExcused, Notes: "doctor"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	require.Len(t, store.batches, 1)
	marks := store.batches[0].Marks
	require.Len(t, marks, 2)
	assert.Equal(t, "a", marks[0].StudentID, "first position kept")
	assert.Equal(t, StatusExcused, marks[0].Status, "last value kept")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := events.Consume(ctx)
	require.NoError(t, err)
	msg := <-msgs
	var ev queue.MarksSubmitted
	require.NoError(t, msg.Decode(&ev))
	assert.Equal(t, queue.MarksSubmitted{ClassID: "c1", Date: "2024-03-01", MarkIDs: []string{"id-a", "id-b"}}, ev)
}

func TestSubmitRejects(t *testing.T) {
	key := Key{ClassID: "c1", Date: "2024-03-01"}
	tests := []struct {
		name  string
		batch Batch
		field string
	}{
		{name: "bad key", batch: Batch{Key: Key{ClassID: "c1"}, OperatorID: "op", Marks: []Mark{{StudentID: "a", Status: StatusAbsent}}}, field: "date"},
		{name: "no operator", batch: Batch{Key: key, Marks: []Mark{{StudentID: "a", Status: StatusAbsent}}}, field: "operator_id"},
		{name: "no marks", batch: Batch{Key: key, OperatorID: "op"}, field: "marks"},
		{name: "bad status", batch: Batch{Key: key, OperatorID: "op", Marks: []Mark{{StudentID: "a", Status: "asleep"}}}, field: "marks[0]"},
		{name: "no student", batch: Batch{Key: key, OperatorID: "op", Marks: []Mark{{Status: StatusLate}}}, field: "marks[0]"},
		{name: "not enrolled", batch: Batch{Key: key, OperatorID: "op", Marks: []Mark{{StudentID: "z", Status: StatusLate}}}, field: "student_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			_, err := newTestService(store, nil).Submit(context.Background(), tt.batch)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			require.NotEmpty(t, ve.Fields)
			assert.Equal(t, tt.field, ve.Fields[0].Field)
			assert.Empty(t, store.batches)
		})
	}
}

func TestSubmitStoreAndRosterFailures(t *testing.T) {
	batch := Batch{Key: Key{ClassID: "c1", Date: "2024-03-01"}, OperatorID: "op", Marks: []Mark{{StudentID: "a", Status: StatusAbsent}}}

	boom := errors.New("db down")
	_, err := newTestService(&fakeStore{err: boom}, nil).Submit(context.Background(), batch)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsValidation(err))

	svc := NewService(&fakeStore{}, fakeRosters{err: boom}, nil)
	_, err = svc.Submit(context.Background(), batch)
	assert.ErrorIs(t, err, boom)
}

// cachedRosters serves a stale roster until it is invalidated.
type cachedRosters struct {
	stale, fresh []StudentRef
	invalidated  int
	invalidErr   error
}

func (r *cachedRosters) Roster(ctx context.Context, classID string) ([]StudentRef, error) {
	if r.invalidated > 0 && r.invalidErr == nil {
		return r.fresh, nil
	}
	return r.stale, nil
}

func (r *cachedRosters) Invalidate(ctx context.Context, classID string) error {
	r.invalidated++
	return r.invalidErr
}

func TestSubmitReloadsStaleRoster(t *testing.T) {
	key := Key{ClassID: "c1", Date: "2024-03-01"}
	batch := Batch{Key: key, OperatorID: "op", Marks: []Mark{{StudentID: "a", Status: StatusAbsent}, {StudentID: "new", Status: StatusLate}}}

	rosters := &cachedRosters{
		stale: []StudentRef{{ID: "a"}},
		fresh: []StudentRef{{ID: "a"}, {ID: "new"}},
	}
	store := &fakeStore{}
	res, err := NewService(store, rosters, nil).Submit(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, rosters.invalidated)

	// a roster that already knows everyone is never dropped
	_, err = NewService(store, rosters, nil).Submit(context.Background(), Batch{Key: key, OperatorID: "op", Marks: []Mark{{StudentID: "a", Status: StatusAbsent}}})
	require.NoError(t, err)
	assert.Equal(t, 1, rosters.invalidated)

	// still unknown after the reload
	gone := &cachedRosters{stale: []StudentRef{{ID: "a"}}, fresh: []StudentRef{{ID: "a"}}}
	_, err = NewService(&fakeStore{}, gone, nil).Submit(context.Background(), batch)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Fields, 1)
	assert.Equal(t, "new is not enrolled in c1", ve.Fields[0].Error)
	assert.Equal(t, 1, gone.invalidated)

	broken := &cachedRosters{stale: []StudentRef{{ID: "a"}}, invalidErr: errors.New("redis down")}
	_, err = NewService(&fakeStore{}, broken, nil).Submit(context.Background(), batch)
	assert.True(t, IsValidation(err))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Late ")
	require.NoError(t, err)
	assert.Equal(t, StatusLate, s)

	_, err = ParseStatus("asleep")
	assert.True(t, IsValidation(err))
}
