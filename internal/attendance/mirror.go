package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"

	"rollcall/internal/cloudinary"
	"rollcall/internal/faceclient"
	"rollcall/internal/metrics"
)

// PhotoUploader stores evidence photos somewhere addressable.
type PhotoUploader interface {
	Upload(ctx context.Context, a cloudinary.Asset) (*cloudinary.UploadResult, error)
}

// FaceDetector scores how clearly a photo shows a face.
type FaceDetector interface {
	Detect(ctx context.Context, imageURL string) (*faceclient.Detection, error)
}

// MirrorStore is the persistence the mirror needs.
type MirrorStore interface {
	GetMark(ctx context.Context, id string) (StoredMark, error)
	SetMirror(ctx context.Context, id string, updatedAt time.Time, photoURL string, score *float64) (bool, error)
}

// Mirror copies submitted photos to the uploader and records face scores.
// A mark resubmitted while it is being mirrored is left for the next event.
type Mirror struct {
	store    MirrorStore
	uploader PhotoUploader
	faces    FaceDetector
}

// NewMirror creates a mirror. faces may be nil to skip scoring.
func NewMirror(store MirrorStore, uploader PhotoUploader, faces FaceDetector) *Mirror {
	return &Mirror{store: store, uploader: uploader, faces: faces}
}

// Process mirrors every listed mark. It keeps going past individual failures
// and returns them joined.
func (m *Mirror) Process(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := m.mirrorOne(ctx, id); err != nil {
			metrics.PhotosMirroredTotal.WithLabelValues("failed").Inc()
			errs = append(errs, fmt.Errorf("mark %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mirror) mirrorOne(ctx context.Context, id string) error {
	mark, err := m.store.GetMark(ctx, id)
	if err != nil {
		if errors.Is(err, ErrMarkNotFound) {
			metrics.PhotosMirroredTotal.WithLabelValues("skipped").Inc()
			return nil
		}
		return err
	}
	if len(mark.Photo) == 0 || mark.PhotoURL != "" {
		metrics.PhotosMirroredTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	up, err := m.uploader.Upload(ctx, photoAsset(mark))
	if err != nil {
		return fmt.Errorf("upload photo: %w", err)
	}

	var score *float64
	if m.faces != nil {
		det, err := m.faces.Detect(ctx, up.SecureURL)
		switch {
		case errors.Is(err, faceclient.ErrNoFace):
			zero := 0.0
			score = &zero
		case err != nil:
			logger.Error.Printf("face detection for mark %s failed: %v", mark.ID, err)
		default:
			score = &det.Score
		}
	}

	ok, err := m.store.SetMirror(ctx, mark.ID, mark.UpdatedAt, up.SecureURL, score)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug.Printf("mark %s changed while mirroring, leaving it for the next event", mark.ID)
		metrics.PhotosMirroredTotal.WithLabelValues("stale").Inc()
		return nil
	}
	metrics.PhotosMirroredTotal.WithLabelValues("mirrored").Inc()
	return nil
}

// photoAsset tags a mark photo with its class and status so the folder can be
// browsed per class, and keeps the mark identity in the asset context.
func photoAsset(mark StoredMark) cloudinary.Asset {
	a := cloudinary.Asset{
		PublicID: "mark-" + mark.ID,
		Data:     mark.Photo,
		Tags:     []string{"attendance", "class-" + mark.ClassID, string(mark.Status)},
		Context: map[string]string{
			"mark_id":    mark.ID,
			"student_id": mark.StudentID,
			"class_id":   mark.ClassID,
			"date":       mark.Date,
		},
	}
	if mark.TopicID != "" {
		a.Tags = append(a.Tags, "topic-"+mark.TopicID)
		a.Context["topic_id"] = mark.TopicID
	}
	if mark.MarkedBy != "" {
		a.Context["marked_by"] = mark.MarkedBy
	}
	return a
}
