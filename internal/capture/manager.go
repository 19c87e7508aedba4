package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"

	"rollcall/internal/metrics"
)

// DefaultAcquireTimeout bounds how long Acquire waits for the first frame.
const DefaultAcquireTimeout = 10 * time.Second

// Manager owns the exclusive camera stream.
type Manager struct {
	device  Device
	timeout time.Duration

	mu      sync.Mutex
	gen     uint64
	stream  Stream
	latest  *Frame
	lost    bool
	pending context.CancelFunc
}

// NewManager creates a manager. A non-positive timeout uses DefaultAcquireTimeout.
func NewManager(device Device, acquireTimeout time.Duration) *Manager {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &Manager{device: device, timeout: acquireTimeout}
}

// Acquire releases any held stream, opens a new one and waits for its first
// frame. A Release or another Acquire issued meanwhile makes it return
// ErrAborted with nothing left open.
func (m *Manager) Acquire(ctx context.Context, c Constraints) error {
	start := time.Now()

	m.mu.Lock()
	old := m.detachLocked()
	gen := m.gen
	actx, cancel := context.WithTimeout(ctx, m.timeout)
	m.pending = cancel
	m.mu.Unlock()
	defer cancel()

	stopStream(old)

	err := m.open(actx, gen, c)
	metrics.CameraAcquireTotal.WithLabelValues(acquireResult(err)).Inc()
	if err != nil {
		logger.Info.Printf("camera acquire (%s) failed: %v", c.facing(), err)
		return err
	}
	metrics.CameraAcquireDuration.Observe(time.Since(start).Seconds())
	logger.Info.Printf("camera acquired (%s, %dx%d)", c.facing(), c.Width, c.Height)
	return nil
}

func (m *Manager) open(actx context.Context, gen uint64, c Constraints) error {
	stream, err := m.device.Open(actx, c)
	if err != nil {
		if actx.Err() != nil {
			return m.interrupted(actx, gen)
		}
		return err
	}

	var first Frame
	select {
	case f, ok := <-stream.Frames():
		if !ok {
			stopStream(stream)
			return fmt.Errorf("%w before the first frame", ErrStreamLost)
		}
		first = f
	case <-actx.Done():
		stopStream(stream)
		return m.interrupted(actx, gen)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		stopStream(stream)
		return ErrAborted
	}
	m.stream = stream
	m.latest = &first
	m.lost = false
	m.pending = nil
	metrics.CameraStreamsHeld.Set(1)
	m.mu.Unlock()

	go m.pump(gen, stream)
	return nil
}

// interrupted classifies why an acquire context ended.
func (m *Manager) interrupted(actx context.Context, gen uint64) error {
	m.mu.Lock()
	superseded := m.gen != gen
	m.mu.Unlock()
	if !superseded && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, m.timeout)
	}
	return ErrAborted
}

// pump keeps the newest frame of stream until it ends.
func (m *Manager) pump(gen uint64, stream Stream) {
	for f := range stream.Frames() {
		m.mu.Lock()
		if m.gen == gen {
			fr := f
			m.latest = &fr
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	current := m.gen == gen && m.stream == stream
	if current {
		m.stream = nil
		m.latest = nil
		m.lost = true
		metrics.CameraStreamsHeld.Set(0)
	}
	m.mu.Unlock()
	if current {
		logger.Error.Println("camera stream ended unexpectedly")
		stopStream(stream)
	}
}

// Release stops the held stream and abandons any acquire in flight. It is
// safe to call at any time, any number of times.
func (m *Manager) Release() error {
	m.mu.Lock()
	old := m.detachLocked()
	m.mu.Unlock()
	return stopStream(old)
}

// detachLocked invalidates the current generation and hands back the stream
// for the caller to stop outside the lock.
func (m *Manager) detachLocked() Stream {
	m.gen++
	if m.pending != nil {
		m.pending()
		m.pending = nil
	}
	old := m.stream
	m.stream = nil
	m.latest = nil
	m.lost = false
	if old != nil {
		metrics.CameraStreamsHeld.Set(0)
	}
	return old
}

// Frame returns the latest frame of the held stream.
func (m *Manager) Frame() (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lost {
		return Frame{}, ErrStreamLost
	}
	if m.stream == nil || m.latest == nil {
		return Frame{}, ErrNotAcquired
	}
	return *m.latest, nil
}

// Held reports how many streams the manager holds, 0 or 1.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return 1
	}
	return 0
}

func stopStream(s Stream) error {
	if s == nil {
		return nil
	}
	if err := s.Stop(); err != nil {
		logger.Error.Printf("camera stream stop failed: %v", err)
		return err
	}
	return nil
}

func acquireResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPermissionDenied):
		return "denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrAborted):
		return "aborted"
	}
	return "error"
}
