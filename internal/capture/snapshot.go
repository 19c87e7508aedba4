package capture

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
)

// SnapshotDevice polls an HTTP endpoint that serves the current still image,
// as IP cameras and webcam bridges do.
type SnapshotDevice struct {
	URLs     map[Facing]string
	Interval time.Duration
	HTTP     *http.Client
}

// NewSnapshotDevice creates a device. Either URL may be empty when the
// station has no camera facing that way.
func NewSnapshotDevice(frontURL, backURL string, interval time.Duration) *SnapshotDevice {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	urls := map[Facing]string{}
	if frontURL != "" {
		urls[FacingFront] = frontURL
	}
	if backURL != "" {
		urls[FacingBack] = backURL
	}
	return &SnapshotDevice{
		URLs:     urls,
		Interval: interval,
		HTTP:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Open grabs one image to prove the camera works, then keeps polling.
func (d *SnapshotDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	url, ok := d.URLs[c.facing()]
	if !ok {
		return nil, fmt.Errorf("%w: no %s camera configured", ErrNotFound, c.facing())
	}
	first, err := d.grab(ctx, url, c)
	if err != nil {
		return nil, err
	}
	return startPolling(d.Interval, first, func(ctx context.Context) (image.Image, error) {
		return d.grab(ctx, url, c)
	}), nil
}

func (d *SnapshotDevice) grab(ctx context.Context, url string, c Constraints) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, resp.Status)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, resp.Status)
	}

	img, err := imaging.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return fit(img, c), nil
}

// fit scales img down to the requested resolution, keeping its aspect ratio.
func fit(img image.Image, c Constraints) image.Image {
	if c.Width <= 0 || c.Height <= 0 {
		return img
	}
	return imaging.Fit(img, c.Width, c.Height, imaging.Lanczos)
}
