package roster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/store"
)

type countingSource struct {
	calls    int
	students []attendance.StudentRef
	err      error
}

func (s *countingSource) Roster(ctx context.Context, classID string) ([]attendance.StudentRef, error) {
	s.calls++
	return s.students, s.err
}

func TestCacheHitsAfterFirstLoad(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	src := &countingSource{students: []attendance.StudentRef{{ID: "a", DisplayName: "Ada"}, {ID: "b", DisplayName: "Bo"}}}
	cache := NewCache(client, src, time.Minute)
	ctx := context.Background()

	first, err := cache.Roster(ctx, "c1")
	require.NoError(t, err)
	second, err := cache.Roster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls)
	assert.True(t, mr.Exists("rollcall:roster:c1"))

	mr.FastForward(2 * time.Minute)
	_, err = cache.Roster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls, "expired entries reload")

	require.NoError(t, cache.Invalidate(ctx, "c1"))
	_, err = cache.Roster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)
}

func TestCacheFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	src := &countingSource{students: []attendance.StudentRef{{ID: "a"}}}
	cache := NewCache(client, src, 0)
	ctx := context.Background()

	require.NoError(t, mr.Set("rollcall:roster:c1", "not json"))
	got, err := cache.Roster(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, src.calls, "corrupt entries reload")

	mr.Close()
	got, err = cache.Roster(ctx, "c2")
	require.NoError(t, err, "redis outages do not fail roster reads")
	assert.Len(t, got, 1)

	src.err = errors.New("db down")
	_, err = cache.Roster(ctx, "c3")
	assert.ErrorIs(t, err, src.err)
}

func TestRepositoryOrdersByPosition(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewDB(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.ApplyMigrations(ctx))

	_, err = db.Client.Exec(`INSERT INTO students (id, display_name, roll_number) VALUES
		('a', 'Ada', '3'), ('b', 'Bo', '1'), ('c', 'Cy', '2')`)
	require.NoError(t, err)
	_, err = db.Client.Exec(`INSERT INTO class_enrollments (class_id, student_id, position) VALUES
		('c1', 'a', 2), ('c1', 'b', 1), ('c1', 'c', 1), ('c2', 'a', 0)`)
	require.NoError(t, err)

	repo := NewRepository(db.Client)
	students, err := repo.Roster(ctx, "c1")
	require.NoError(t, err)
	ids := make([]string, 0, len(students))
	for _, s := range students {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids, "position, then roll number")

	empty, err := repo.Roster(ctx, "none")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}
