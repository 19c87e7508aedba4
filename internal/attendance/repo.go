package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrMarkNotFound is returned when a mark id does not exist.
var ErrMarkNotFound = errors.New("mark not found")

// ErrRefreshTokenRevoked is returned when a refresh token was already used,
// revoked, or never issued to the operator.
var ErrRefreshTokenRevoked = errors.New("refresh token revoked")

const markColumns = `id, student_id, class_id, mark_date, topic_id, status, photo, photo_url,
	face_score, notes, marked_by, captured_at, created_at, updated_at`

// Repository persists attendance marks in Postgres or SQLite.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// ListMarks returns marks for key, newest first.
func (r *Repository) ListMarks(ctx context.Context, key Key) ([]StoredMark, error) {
	query := r.db.Rebind(`
		SELECT ` + markColumns + `
		FROM attendance_marks
		WHERE class_id = ? AND mark_date = ? AND topic_id = ?
		ORDER BY updated_at DESC, created_at DESC
	`)
	var marks []StoredMark
	if err := r.db.SelectContext(ctx, &marks, query, key.ClassID, key.Date, key.TopicID); err != nil {
		return nil, fmt.Errorf("failed to list marks: %w", err)
	}
	return marks, nil
}

// GetMark returns a single mark by id.
func (r *Repository) GetMark(ctx context.Context, id string) (StoredMark, error) {
	query := r.db.Rebind(`SELECT ` + markColumns + ` FROM attendance_marks WHERE id = ?`)
	var m StoredMark
	if err := r.db.GetContext(ctx, &m, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredMark{}, ErrMarkNotFound
		}
		return StoredMark{}, fmt.Errorf("failed to get mark %s: %w", id, err)
	}
	return m, nil
}

// UpsertBatch applies every mark of the batch in a single transaction. A mark
// for a student that already has one under the same key replaces it in place,
// keeping its id and created_at. Either all marks apply or none do.
func (r *Repository) UpsertBatch(ctx context.Context, b Batch, now time.Time) (SubmitResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	upsert := tx.Rebind(`
		INSERT INTO attendance_marks
			(id, student_id, class_id, mark_date, topic_id, status, photo, photo_url, face_score,
			 notes, marked_by, captured_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', NULL, ?, ?, ?, ?, ?)
		ON CONFLICT (student_id, class_id, mark_date, topic_id) DO UPDATE SET
			status = excluded.status,
			photo = excluded.photo,
			photo_url = CASE WHEN attendance_marks.photo IS NOT DISTINCT FROM excluded.photo
				THEN attendance_marks.photo_url ELSE '' END,
			face_score = CASE WHEN attendance_marks.photo IS NOT DISTINCT FROM excluded.photo
				THEN attendance_marks.face_score ELSE NULL END,
			notes = excluded.notes,
			marked_by = excluded.marked_by,
			captured_at = excluded.captured_at,
			updated_at = excluded.updated_at
		RETURNING id
	`)

	res := SubmitResult{IDs: make([]string, 0, len(b.Marks))}
	for _, m := range b.Marks {
		capturedAt := m.CapturedAt
		if capturedAt.IsZero() {
			capturedAt = now
		}
		// the conflict target decides create vs update, so a row written by
		// another submitter after our transaction began is still reported
		candidate := uuid.NewString()
		var id string
		if err := tx.QueryRowxContext(ctx, upsert,
			candidate, m.StudentID, b.Key.ClassID, b.Key.Date, b.Key.TopicID, string(m.Status), nullBytes(m.Photo),
			m.Notes, b.OperatorID, capturedAt.UTC(), now, now,
		).Scan(&id); err != nil {
			return SubmitResult{}, fmt.Errorf("upsert mark for student %s: %w", m.StudentID, err)
		}
		if id == candidate {
			res.Created++
		} else {
			res.Updated++
		}
		res.IDs = append(res.IDs, id)
	}

	if err := tx.Commit(); err != nil {
		return SubmitResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

// SetMirror records where a mark's photo was mirrored. The update only lands
// if the mark has not been resubmitted since it was read.
func (r *Repository) SetMirror(ctx context.Context, id string, updatedAt time.Time, photoURL string, score *float64) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE attendance_marks
		SET photo_url = ?, face_score = ?
		WHERE id = ? AND updated_at = ?
	`), photoURL, score, id, updatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to set mirror for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountMarks returns how many current marks exist for key.
func (r *Repository) CountMarks(ctx context.Context, key Key) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT COUNT(*) FROM attendance_marks
		WHERE class_id = ? AND mark_date = ? AND topic_id = ?
	`), key.ClassID, key.Date, key.TopicID)
	return n, err
}

// UpsertOperator ensures an operator record exists.
func (r *Repository) UpsertOperator(ctx context.Context, operatorID string) error {
	if operatorID == "" {
		return errors.New("operator id required")
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO operators (operator_id, created_at)
		VALUES (?, ?)
		ON CONFLICT (operator_id) DO NOTHING
	`), operatorID, time.Now().UTC())
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, operatorID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO refresh_tokens (operator_id, token, expires_at)
		VALUES (?, ?, ?)
	`), operatorID, token, expiresAt.UTC())
	return err
}

// RotateRefreshToken revokes oldToken and stores newToken in one transaction.
// Each refresh token rotates once; a second use gets ErrRefreshTokenRevoked.
func (r *Repository) RotateRefreshToken(ctx context.Context, operatorID, oldToken, newToken string, expiresAt time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token = ? AND operator_id = ? AND revoked = FALSE
	`), oldToken, operatorID)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrRefreshTokenRevoked
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO refresh_tokens (operator_id, token, expires_at)
		VALUES (?, ?, ?)
	`), operatorID, newToken, expiresAt.UTC()); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return tx.Commit()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
