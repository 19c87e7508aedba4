package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
)

// DirectoryDevice replays the still images of a directory in name order, in a
// loop. It stands in for a camera on demo stations. Facing is ignored.
type DirectoryDevice struct {
	Dir      string
	Interval time.Duration
}

// NewDirectoryDevice creates a device replaying dir.
func NewDirectoryDevice(dir string, interval time.Duration) *DirectoryDevice {
	if interval <= 0 {
		interval = time.Second
	}
	return &DirectoryDevice{Dir: dir, Interval: interval}
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true}

// Open lists the directory and decodes its first image.
func (d *DirectoryDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(d.Dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrNotFound, d.Dir)
	}
	sort.Strings(files)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	first, err := load(files[0], c)
	if err != nil {
		return nil, err
	}

	var next atomic.Uint64
	next.Store(1)
	return startPolling(d.Interval, first, func(context.Context) (image.Image, error) {
		i := next.Add(1) - 1
		return load(files[i%uint64(len(files))], c)
	}), nil
}

func load(path string, c Constraints) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupported, filepath.Base(path), err)
	}
	return fit(img, c), nil
}
