package attendance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/store"
)

func newRepo(t *testing.T) *attendance.Repository {
	repo, _ := newRepoDB(t)
	return repo
}

func newRepoDB(t *testing.T) (*attendance.Repository, *sqlx.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := store.NewDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.ApplyMigrations(ctx))
	return attendance.NewRepository(db.Client), db.Client
}

func TestUpsertBatchReportsRowsWrittenElsewhere(t *testing.T) {
	repo, db := newRepoDB(t)
	ctx := context.Background()
	key := attendance.Key{ClassID: "c1", Date: "2024-03-01"}
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO attendance_marks (id, student_id, class_id, mark_date, topic_id, status, notes, marked_by, captured_at, created_at, updated_at)
		VALUES ('other-writer', 'a', 'c1', '2024-03-01', '', 'absent', '', 'op-2', ?, ?, ?)
	`), t0, t0, t0)
	require.NoError(t, err)

	res, err := repo.UpsertBatch(ctx, attendance.Batch{Key: key, OperatorID: "op", Marks: []attendance.Mark{
		{StudentID: "a", Status: attendance.StatusLate},
		{StudentID: "b", Status: attendance.StatusPresent},
	}}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Updated)
	require.Len(t, res.IDs, 2)
	assert.Equal(t, "other-writer", res.IDs[0])

	for _, id := range res.IDs {
		_, err := repo.GetMark(ctx, id)
		require.NoError(t, err, id)
	}
	got, err := repo.GetMark(ctx, "other-writer")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusLate, got.Status)
	assert.True(t, got.CreatedAt.Equal(t0))
}

func TestConcurrentUpsertBatchesCreateEachMarkOnce(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	key := attendance.Key{ClassID: "c1", Date: "2024-03-01"}
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	batch := attendance.Batch{Key: key, OperatorID: "op", Marks: []attendance.Mark{
		{StudentID: "a", Status: attendance.StatusPresent},
		{StudentID: "b", Status: attendance.StatusAbsent},
	}}

	const submitters = 6
	results := make([]attendance.SubmitResult, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := repo.UpsertBatch(ctx, batch, now)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	created, updated := 0, 0
	for _, res := range results {
		created += res.Created
		updated += res.Updated
		assert.Equal(t, results[0].IDs, res.IDs)
	}
	assert.Equal(t, 2, created)
	assert.Equal(t, 2*submitters-2, updated)

	n, err := repo.CountMarks(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	key := attendance.Key{ClassID: "c1", Date: "2024-03-01"}
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	batch := attendance.Batch{Key: key, OperatorID: "op", Marks: []attendance.Mark{
		{StudentID: "a", Status: attendance.StatusPresent, Photo: []byte{1}, CapturedAt: t0},
		{StudentID: "b", Status: attendance.StatusAbsent},
	}}

	first, err := repo.UpsertBatch(ctx, batch, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	second, err := repo.UpsertBatch(ctx, batch, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 2, second.Updated)
	assert.Equal(t, first.IDs, second.IDs)

	n, err := repo.CountMarks(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	other := key
	other.TopicID = "algebra"
	n, err = repo.CountMarks(ctx, other)
	require.NoError(t, err)
	assert.Zero(t, n)

	marks, err := repo.ListMarks(ctx, key)
	require.NoError(t, err)
	require.Len(t, marks, 2)
	byStudent := map[string]attendance.StoredMark{}
	for _, m := range marks {
		byStudent[m.StudentID] = m
	}
	assert.Equal(t, []byte{1}, byStudent["a"].Photo)
	assert.Empty(t, byStudent["b"].Photo)
	assert.True(t, byStudent["b"].CapturedAt.Equal(t0), "missing capture time defaults to now")
	assert.True(t, byStudent["a"].CreatedAt.Equal(t0))
	assert.True(t, byStudent["a"].UpdatedAt.Equal(t0.Add(time.Minute)))
}

func TestSetMirror(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	key := attendance.Key{ClassID: "c1", Date: "2024-03-01"}
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	batch := attendance.Batch{Key: key, OperatorID: "op", Marks: []attendance.Mark{
		{StudentID: "a", Status: attendance.StatusPresent, Photo: []byte{1}, CapturedAt: t0},
	}}
	res, err := repo.UpsertBatch(ctx, batch, t0)
	require.NoError(t, err)
	id := res.IDs[0]

	mark, err := repo.GetMark(ctx, id)
	require.NoError(t, err)
	score := 0.9
	ok, err := repo.SetMirror(ctx, id, mark.UpdatedAt, "https://cdn/a.jpg", &score)
	require.NoError(t, err)
	assert.True(t, ok)

	mark, err = repo.GetMark(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/a.jpg", mark.PhotoURL)
	require.NotNil(t, mark.FaceScore)
	assert.InDelta(t, 0.9, *mark.FaceScore, 1e-9)

	// same photo resubmitted keeps the mirror
	_, err = repo.UpsertBatch(ctx, batch, t0.Add(time.Minute))
	require.NoError(t, err)
	mark, err = repo.GetMark(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/a.jpg", mark.PhotoURL)

	// a new photo clears it, and a mirror computed from the old row is stale
	stale := mark.UpdatedAt
	batch.Marks[0].Photo = []byte{2}
	_, err = repo.UpsertBatch(ctx, batch, t0.Add(2*time.Minute))
	require.NoError(t, err)
	mark, err = repo.GetMark(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, mark.PhotoURL)
	assert.Nil(t, mark.FaceScore)

	ok, err = repo.SetMirror(ctx, id, stale, "https://cdn/old.jpg", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.GetMark(ctx, "missing")
	assert.ErrorIs(t, err, attendance.ErrMarkNotFound)
}

func TestOperatorsAndTokens(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.UpsertOperator(ctx, "op"))
	require.NoError(t, repo.UpsertOperator(ctx, "op"))
	assert.Error(t, repo.UpsertOperator(ctx, ""))

	exp := time.Now().Add(time.Hour)
	require.NoError(t, repo.SaveRefreshToken(ctx, "op", "tok", exp))
	require.NoError(t, repo.RotateRefreshToken(ctx, "op", "tok", "tok-2", exp))

	err := repo.RotateRefreshToken(ctx, "op", "tok", "tok-3", exp)
	assert.ErrorIs(t, err, attendance.ErrRefreshTokenRevoked, "a rotated token is spent")
	assert.ErrorIs(t, repo.RotateRefreshToken(ctx, "other", "tok-2", "tok-3", exp), attendance.ErrRefreshTokenRevoked)
	assert.ErrorIs(t, repo.RotateRefreshToken(ctx, "op", "never-issued", "tok-3", exp), attendance.ErrRefreshTokenRevoked)

	require.NoError(t, repo.RotateRefreshToken(ctx, "op", "tok-2", "tok-3", exp))
}
