// Package roster reads class rosters. Roster maintenance happens elsewhere;
// this package only serves the ordered student list of a class.
package roster

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"rollcall/internal/attendance"
)

// Provider returns the ordered roster of a class.
type Provider interface {
	Roster(ctx context.Context, classID string) ([]attendance.StudentRef, error)
}

// Repository reads rosters from the enrollment tables.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a roster repository.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Roster returns the students enrolled in classID in roll order. A class
// without enrollments yields an empty roster.
func (r *Repository) Roster(ctx context.Context, classID string) ([]attendance.StudentRef, error) {
	query := r.db.Rebind(`
		SELECT s.id, s.display_name, s.roll_number
		FROM class_enrollments e
		JOIN students s ON s.id = e.student_id
		WHERE e.class_id = ?
		ORDER BY e.position, s.roll_number, s.id
	`)
	students := []attendance.StudentRef{}
	if err := r.db.SelectContext(ctx, &students, query, classID); err != nil {
		return nil, fmt.Errorf("failed to load roster for %s: %w", classID, err)
	}
	return students, nil
}
