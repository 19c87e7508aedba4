package attendance

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date form used for mark keys.
const DateLayout = "2006-01-02"

// Status is a student's attendance status for one session key.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
	StatusExcused Status = "excused"
)

// Valid reports whether s is one of the supported statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused:
		return true
	}
	return false
}

// ParseStatus normalizes and validates a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", NewValidationError(
			fmt.Errorf("unsupported status %q", raw),
			FieldError{Field: "status", Error: "must be one of present, absent, late, excused"},
		)
	}
	return s, nil
}

// StudentRef is one roster entry.
type StudentRef struct {
	ID          string `json:"id" db:"id"`
	DisplayName string `json:"display_name" db:"display_name"`
	RollNumber  string `json:"roll_number" db:"roll_number"`
}

// Key identifies the marks of one class on one day, optionally scoped to a topic.
type Key struct {
	ClassID string `json:"class_id"`
	Date    string `json:"date"`
	TopicID string `json:"topic_id,omitempty"`
}

// Validate checks the key before it reaches a store.
func (k Key) Validate() error {
	var flds []FieldError
	if strings.TrimSpace(k.ClassID) == "" {
		flds = append(flds, FieldError{Field: "class_id", Error: "this field is required"})
	}
	if _, err := time.Parse(DateLayout, k.Date); err != nil {
		flds = append(flds, FieldError{Field: "date", Error: "must be a date in YYYY-MM-DD form"})
	}
	if len(flds) > 0 {
		return NewValidationError(errors.New("invalid session key"), flds...)
	}
	return nil
}

func (k Key) String() string {
	if k.TopicID == "" {
		return k.ClassID + "/" + k.Date
	}
	return k.ClassID + "/" + k.Date + "/" + k.TopicID
}

// Mark is the current attendance of one student for a key.
// Present marks normally carry a photo; other statuses carry none.
type Mark struct {
	StudentID  string    `json:"student_id" validate:"required"`
	Status     Status    `json:"status" validate:"required,oneof=present absent late excused"`
	Photo      []byte    `json:"photo,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	Notes      string    `json:"notes,omitempty" validate:"max=500"`
}

// StoredMark is a persisted mark row.
type StoredMark struct {
	ID         string    `json:"id" db:"id"`
	StudentID  string    `json:"student_id" db:"student_id"`
	ClassID    string    `json:"class_id" db:"class_id"`
	Date       string    `json:"date" db:"mark_date"`
	TopicID    string    `json:"topic_id,omitempty" db:"topic_id"`
	Status     Status    `json:"status" db:"status"`
	Photo      []byte    `json:"photo,omitempty" db:"photo"`
	PhotoURL   string    `json:"photo_url,omitempty" db:"photo_url"`
	FaceScore  *float64  `json:"face_score,omitempty" db:"face_score"`
	Notes      string    `json:"notes,omitempty" db:"notes"`
	MarkedBy   string    `json:"marked_by" db:"marked_by"`
	CapturedAt time.Time `json:"captured_at" db:"captured_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Key returns the session key the row belongs to.
func (m StoredMark) Key() Key {
	return Key{ClassID: m.ClassID, Date: m.Date, TopicID: m.TopicID}
}

// Mark strips persistence metadata.
func (m StoredMark) Mark() Mark {
	return Mark{
		StudentID:  m.StudentID,
		Status:     m.Status,
		Photo:      m.Photo,
		CapturedAt: m.CapturedAt,
		Notes:      m.Notes,
	}
}

// Batch is one submission of marks for a key.
type Batch struct {
	Key        Key
	OperatorID string
	Marks      []Mark
}

// SubmitResult reports how a batch was applied.
type SubmitResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	IDs     []string `json:"ids"`
}
