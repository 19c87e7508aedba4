// Package encoder compresses captured frames so evidence photos fit a byte
// budget. Quality is stepped down until the payload fits or a floor is hit.
package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/shrimpsizemoose/trekker/logger"

	"rollcall/internal/metrics"
)

const (
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

const (
	DefaultInitialQuality = 0.8
	DefaultStep           = 0.1
	DefaultFloor          = 0.1
	DefaultBudget         = 1 << 20
)

// ErrNoImage is returned for a nil frame.
var ErrNoImage = errors.New("no image to encode")

// Options configure an Encoder. Qualities are on a 0..1 scale.
type Options struct {
	Format    string
	Step      float64
	Floor     float64
	Budget    int
	MaxWidth  int
	MaxHeight int
}

// Result is one compressed frame.
type Result struct {
	Data     []byte
	Quality  float64
	Attempts int
	Oversize bool
	Format   string
}

// encodeFunc encodes img at codec quality q in 1..100.
type encodeFunc func(img image.Image, q int) ([]byte, error)

// Encoder compresses frames. It is safe for concurrent use.
type Encoder struct {
	opt    Options
	step   int
	floor  int
	encode encodeFunc
}

// New creates an encoder. Zero options take the package defaults.
func New(opt Options) (*Encoder, error) {
	if opt.Format == "" {
		opt.Format = FormatJPEG
	}
	if opt.Step == 0 {
		opt.Step = DefaultStep
	}
	if opt.Floor == 0 {
		opt.Floor = DefaultFloor
	}
	if opt.Budget == 0 {
		opt.Budget = DefaultBudget
	}
	if opt.Step <= 0 || opt.Floor <= 0 || opt.Floor > 1 || opt.Budget < 0 {
		return nil, fmt.Errorf("invalid encoder options: step %v floor %v budget %d", opt.Step, opt.Floor, opt.Budget)
	}

	var fn encodeFunc
	switch opt.Format {
	case FormatJPEG:
		fn = encodeJPEG
	case FormatWebP:
		fn = encodeWebP
	default:
		return nil, fmt.Errorf("unsupported format %q", opt.Format)
	}
	return &Encoder{
		opt:    opt,
		step:   hundredths(opt.Step),
		floor:  hundredths(opt.Floor),
		encode: fn,
	}, nil
}

// Options returns the effective options.
func (e *Encoder) Options() Options { return e.opt }

// Encode compresses img starting at initialQuality (0 means the default).
// When even the floor quality exceeds the budget the floor encoding is
// returned with Oversize set.
func (e *Encoder) Encode(img image.Image, initialQuality float64) (Result, error) {
	if img == nil {
		return Result{}, ErrNoImage
	}
	if initialQuality == 0 {
		initialQuality = DefaultInitialQuality
	}
	if initialQuality < 0 || initialQuality > 1 {
		return Result{}, fmt.Errorf("quality %v out of range", initialQuality)
	}
	img = downscaleIfNeeded(img, e.opt.MaxWidth, e.opt.MaxHeight)

	q := hundredths(initialQuality)
	if q < e.floor {
		q = e.floor
	}
	res := Result{Format: e.opt.Format}
	for {
		data, err := e.encode(img, q)
		res.Attempts++
		if err != nil {
			return Result{}, fmt.Errorf("encode at quality %d: %w", q, err)
		}
		res.Data, res.Quality = data, float64(q)/100
		if len(data) <= e.opt.Budget || q <= e.floor {
			break
		}
		q -= e.step
		if q < e.floor {
			q = e.floor
		}
	}

	metrics.EncodeAttempts.Observe(float64(res.Attempts))
	if len(res.Data) > e.opt.Budget {
		res.Oversize = true
		metrics.EncodeOversizeTotal.Inc()
		logger.Info.Printf("frame still %d bytes at quality floor %.2f, budget %d", len(res.Data), res.Quality, e.opt.Budget)
	}
	return res, nil
}

// MaxAttempts is the most encodings Encode performs from initialQuality.
func (e *Encoder) MaxAttempts(initialQuality float64) int {
	q := hundredths(initialQuality)
	if q <= e.floor {
		return 1
	}
	return (q-e.floor+e.step-1)/e.step + 1
}

func hundredths(v float64) int {
	h := int(math.Round(v * 100))
	if h < 1 {
		h = 1
	}
	return h
}

func downscaleIfNeeded(src image.Image, maxW, maxH int) image.Image {
	if maxW <= 0 || maxH <= 0 {
		return src
	}
	b := src.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return src
	}
	return imaging.Fit(src, maxW, maxH, imaging.Lanczos)
}

func encodeJPEG(img image.Image, q int) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeWebP(img image.Image, q int) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := webp.Encode(buf, img, &webp.Options{Lossless: false, Quality: float32(q)}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
