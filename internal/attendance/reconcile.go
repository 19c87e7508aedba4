package attendance

import (
	"context"
	"fmt"
)

// MarkSource lists persisted marks for a key. It may return several rows for
// the same student; callers decide which one is current.
type MarkSource interface {
	ListMarks(ctx context.Context, key Key) ([]StoredMark, error)
}

// Reconciler seeds capture sessions with marks that were already recorded.
type Reconciler struct {
	source MarkSource
}

// NewReconciler creates a reconciler reading from source.
func NewReconciler(source MarkSource) *Reconciler {
	return &Reconciler{source: source}
}

// LoadExisting returns the most recent mark per student for key. A key with
// no prior marks yields an empty map and no error. The source is never written.
func (r *Reconciler) LoadExisting(ctx context.Context, key Key) (map[string]Mark, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	rows, err := r.source.ListMarks(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list marks for %s: %w", key, err)
	}

	newest := LatestPerStudent(key, rows)
	out := make(map[string]Mark, len(newest))
	for id, row := range newest {
		out[id] = row.Mark()
	}
	return out, nil
}

// LatestPerStudent keeps the newest row per student among rows matching key.
// Rows are compared by UpdatedAt, then CreatedAt. Sources list newest first,
// so on a full tie the earlier row in the slice wins.
func LatestPerStudent(key Key, rows []StoredMark) map[string]StoredMark {
	out := make(map[string]StoredMark, len(rows))
	for _, row := range rows {
		if row.StudentID == "" || row.Key() != key {
			continue
		}
		cur, ok := out[row.StudentID]
		if !ok || newer(row, cur) {
			out[row.StudentID] = row
		}
	}
	return out
}

// newer reports whether a is strictly more recent than b.
func newer(a, b StoredMark) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.CreatedAt.After(b.CreatedAt)
}
