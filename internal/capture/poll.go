package capture

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"
)

// maxGrabFailures ends a polled stream after this many failed grabs in a row.
const maxGrabFailures = 5

type grabFunc func(ctx context.Context) (image.Image, error)

// pollStream turns a still-image source into a Stream by grabbing on a ticker.
type pollStream struct {
	frames chan Frame
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// startPolling delivers first immediately, then a fresh grab every interval.
func startPolling(interval time.Duration, first image.Image, grab grabFunc) *pollStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &pollStream{
		frames: make(chan Frame),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, interval, first, grab)
	return s
}

func (s *pollStream) run(ctx context.Context, interval time.Duration, first image.Image, grab grabFunc) {
	defer close(s.done)
	defer close(s.frames)

	var seq uint64
	send := func(img image.Image) bool {
		seq++
		select {
		case s.frames <- Frame{Seq: seq, Timestamp: time.Now(), Image: img}:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if !send(first) {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		img, err := grab(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logger.Debug.Printf("camera grab failed (%d in a row): %v", failures, err)
			if failures >= maxGrabFailures {
				logger.Error.Printf("camera giving up after %d failed grabs: %v", failures, err)
				return
			}
			continue
		}
		failures = 0
		if !send(img) {
			return
		}
	}
}

func (s *pollStream) Frames() <-chan Frame { return s.frames }

func (s *pollStream) Stop() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
