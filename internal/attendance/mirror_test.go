package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/cloudinary"
	"rollcall/internal/faceclient"
)

type mirrorCall struct {
	id    string
	url   string
	score *float64
}

type fakeMirrorStore struct {
	marks map[string]StoredMark
	stale map[string]bool
	calls []mirrorCall
}

func (s *fakeMirrorStore) GetMark(ctx context.Context, id string) (StoredMark, error) {
	m, ok := s.marks[id]
	if !ok {
		return StoredMark{}, ErrMarkNotFound
	}
	return m, nil
}

func (s *fakeMirrorStore) SetMirror(ctx context.Context, id string, updatedAt time.Time, url string, score *float64) (bool, error) {
	s.calls = append(s.calls, mirrorCall{id: id, url: url, score: score})
	return !s.stale[id], nil
}

type fakeUploader struct {
	publicIDs []string
	assets    []cloudinary.Asset
	err       error
}

func (u *fakeUploader) Upload(ctx context.Context, a cloudinary.Asset) (*cloudinary.UploadResult, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.publicIDs = append(u.publicIDs, a.PublicID)
	u.assets = append(u.assets, a)
	return &cloudinary.UploadResult{SecureURL: "https://cdn/" + a.PublicID}, nil
}

type fakeFaces map[string]error

func (f fakeFaces) Detect(ctx context.Context, url string) (*faceclient.Detection, error) {
	if err := f[url]; err != nil {
		return nil, err
	}
	return &faceclient.Detection{Score: 0.8, FacesDetected: 1}, nil
}

func TestMirrorProcess(t *testing.T) {
	store := &fakeMirrorStore{
		marks: map[string]StoredMark{
			"m1": {ID: "m1", Photo: []byte{1}},
			"m2": {ID: "m2", Photo: []byte{2}},
			"m3": {ID: "m3", Photo: []byte{3}},
			"m4": {ID: "m4", Photo: []byte{4}, PhotoURL: "https://cdn/done"},
			"m5": {ID: "m5"},
			"m6": {ID: "m6", Photo: []byte{6}},
		},
		stale: map[string]bool{"m6": true},
	}
	up := &fakeUploader{}
	faces := fakeFaces{
		"https://cdn/mark-m2": faceclient.ErrNoFace,
		"https://cdn/mark-m3": errors.New("face service down"),
	}

	err := NewMirror(store, up, faces).Process(context.Background(), []string{"m1", "m2", "m3", "m4", "m5", "m6", "gone"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mark-m1", "mark-m2", "mark-m3", "mark-m6"}, up.publicIDs)

	require.Len(t, store.calls, 4)
	require.NotNil(t, store.calls[0].score)
	assert.InDelta(t, 0.8, *store.calls[0].score, 1e-9)
	require.NotNil(t, store.calls[1].score)
	assert.Zero(t, *store.calls[1].score, "no face scores zero")
	assert.Nil(t, store.calls[2].score, "detector failure leaves the score empty")
	assert.Equal(t, "https://cdn/mark-m3", store.calls[2].url)
}

func TestMirrorJoinsFailures(t *testing.T) {
	store := &fakeMirrorStore{marks: map[string]StoredMark{
		"m1": {ID: "m1", Photo: []byte{1}},
		"m2": {ID: "m2", Photo: []byte{2}},
	}}
	up := &fakeUploader{err: errors.New("cloudinary 500")}

	err := NewMirror(store, up, nil).Process(context.Background(), []string{"m1", "m2"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "mark m1")
	assert.ErrorContains(t, err, "mark m2")
	assert.Empty(t, store.calls)
}

func TestMirrorTagsPhotoWithMark(t *testing.T) {
	store := &fakeMirrorStore{marks: map[string]StoredMark{
		"m1": {ID: "m1", StudentID: "s9", ClassID: "c1", Date: "2024-03-01", TopicID: "algebra",
			Status: StatusLate, MarkedBy: "op-1", Photo: []byte{1, 2}},
	}}
	up := &fakeUploader{}

	require.NoError(t, NewMirror(store, up, nil).Process(context.Background(), []string{"m1"}))
	require.Len(t, up.assets, 1)
	a := up.assets[0]
	assert.Equal(t, []byte{1, 2}, a.Data)
	assert.Equal(t, []string{"attendance", "class-c1", "late", "topic-algebra"}, a.Tags)
	assert.Equal(t, map[string]string{
		"mark_id": "m1", "student_id": "s9", "class_id": "c1", "date": "2024-03-01",
		"topic_id": "algebra", "marked_by": "op-1",
	}, a.Context)
}
