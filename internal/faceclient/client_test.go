package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/embed":
			var in map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			switch in["image_url"] {
			case "https://cdn/face.jpg":
				w.Write([]byte(`{"embedding":[0.1,0.2],"score":0.87,"faces_detected":1,"quality":{"score":0.7,"is_frontal":true}}`))
			case "https://cdn/wall.jpg":
				w.Write([]byte(`{"embedding":[],"score":0,"faces_detected":0}`))
			default:
				http.Error(w, "cannot fetch image", http.StatusUnprocessableEntity)
			}
		}
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	ctx := context.Background()
	require.NoError(t, c.Health(ctx))

	det, err := c.Detect(ctx, "https://cdn/face.jpg")
	require.NoError(t, err)
	assert.InDelta(t, 0.87, det.Score, 1e-9)
	assert.Equal(t, 1, det.FacesDetected)
	require.NotNil(t, det.Quality)
	assert.True(t, det.Quality.IsFrontal)

	_, err = c.Detect(ctx, "https://cdn/wall.jpg")
	assert.ErrorIs(t, err, ErrNoFace)

	_, err = c.Detect(ctx, "https://cdn/404.jpg")
	assert.ErrorContains(t, err, "cannot fetch image")

	_, err = c.Detect(ctx, "")
	assert.Error(t, err)
}

func TestSkip(t *testing.T) {
	c := New("http://127.0.0.1:1", true)
	require.NoError(t, c.Health(context.Background()))
	det, err := c.Detect(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, det.FacesDetected)
}

func TestHealthUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	assert.ErrorContains(t, New(srv.URL, false).Health(context.Background()), "503")
}
