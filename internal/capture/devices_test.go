package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSnapshotDeviceStreamsFrames(t *testing.T) {
	body := testPNG(t, 320, 240)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	dev := NewSnapshotDevice(srv.URL, "", 10*time.Millisecond)
	m := NewManager(dev, time.Second)
	require.NoError(t, m.Acquire(context.Background(), Constraints{Width: 160, Height: 160}))
	defer m.Release()

	f, err := m.Frame()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 160, 120), f.Image.Bounds(), "fitted keeping aspect ratio")

	assert.Eventually(t, func() bool {
		f, err := m.Frame()
		return err == nil && f.Seq > 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotDeviceErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name:    "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			want:    ErrPermissionDenied,
		},
		{
			name:    "forbidden",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) },
			want:    ErrPermissionDenied,
		},
		{
			name:    "missing",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			want:    ErrNotFound,
		},
		{
			name:    "not an image",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("hello")) },
			want:    ErrUnsupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewSnapshotDevice(srv.URL, "", 0).Open(context.Background(), Constraints{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSnapshotDeviceUnknownFacing(t *testing.T) {
	_, err := NewSnapshotDevice("http://127.0.0.1:1/front", "", 0).Open(context.Background(), Constraints{Facing: FacingBack})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotDeviceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewSnapshotDevice(url, "", 0).Open(context.Background(), Constraints{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectoryDeviceLoops(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), testPNG(t, 40, 30), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), testPNG(t, 30, 40), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o600))

	s, err := NewDirectoryDevice(dir, 5*time.Millisecond).Open(context.Background(), Constraints{})
	require.NoError(t, err)

	var sizes []image.Point
	for f := range s.Frames() {
		sizes = append(sizes, f.Image.Bounds().Size())
		if len(sizes) == 3 {
			break
		}
	}
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	assert.Equal(t, []image.Point{{40, 30}, {30, 40}, {40, 30}}, sizes)
	_, open := <-s.Frames()
	assert.False(t, open, "frames channel closed after stop")
}

func TestDirectoryDeviceErrors(t *testing.T) {
	_, err := NewDirectoryDevice(filepath.Join(t.TempDir(), "nope"), 0).Open(context.Background(), Constraints{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewDirectoryDevice(t.TempDir(), 0).Open(context.Background(), Constraints{})
	assert.ErrorIs(t, err, ErrNotFound)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("nope"), 0o600))
	_, err = NewDirectoryDevice(dir, 0).Open(context.Background(), Constraints{})
	assert.ErrorIs(t, err, ErrUnsupported)
}
