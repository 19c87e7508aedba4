package session

import "rollcall/internal/attendance"

// StudentView is one roster row as the UI shows it.
type StudentView struct {
	attendance.StudentRef
	Status   attendance.Status `json:"status,omitempty"`
	HasPhoto bool              `json:"has_photo"`
	Notes    string            `json:"notes,omitempty"`
}

// View is a read-only copy of the session.
type View struct {
	State          State                  `json:"state"`
	Key            attendance.Key         `json:"key"`
	Cursor         int                    `json:"cursor"`
	Current        *attendance.StudentRef `json:"current,omitempty"`
	Students       []StudentView          `json:"students"`
	Marked         int                    `json:"marked"`
	Pending        int                    `json:"pending_changes"`
	CameraHeld     bool                   `json:"camera_held"`
	LastSubmission *Submission            `json:"last_submission,omitempty"`
}

// Snapshot copies the session state. Cursor is -1 when there is no roster.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		State:      c.state,
		Key:        c.key,
		Cursor:     -1,
		Students:   make([]StudentView, 0, len(c.students)),
		Marked:     len(c.marks),
		Pending:    c.pending,
		CameraHeld: c.camera.Held() > 0,
	}
	if len(c.students) > 0 {
		v.Cursor = c.cursor
		cur := c.students[c.cursor]
		v.Current = &cur
	}
	for _, st := range c.students {
		sv := StudentView{StudentRef: st}
		if m, ok := c.marks[st.ID]; ok {
			sv.Status = m.Status
			sv.Notes = m.Notes
		}
		_, sv.HasPhoto = c.photos[st.ID]
		v.Students = append(v.Students, sv)
	}
	if c.last != nil {
		last := *c.last
		v.LastSubmission = &last
	}
	return v
}
