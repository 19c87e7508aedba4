package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Station configures the capture station. Values come from an optional TOML
// file and are then overridden by environment variables.
type Station struct {
	Env                string   `toml:"env"`
	HTTPPort           string   `toml:"http_port"`
	APIURL             string   `toml:"api_url"`
	APIToken           string   `toml:"api_token"`
	OperatorID         string   `toml:"operator_id"`
	AllowManualPresent bool     `toml:"allow_manual_present"`
	CORSOrigins        []string `toml:"cors_origins"`

	Camera  Camera  `toml:"camera"`
	Encoder Encoder `toml:"encoder"`
}

// Camera selects and tunes the capture device.
type Camera struct {
	Source         string `toml:"source"`
	FrontURL       string `toml:"front_url"`
	BackURL        string `toml:"back_url"`
	Directory      string `toml:"directory"`
	Facing         string `toml:"facing"`
	Width          int    `toml:"width"`
	Height         int    `toml:"height"`
	PollInterval   string `toml:"poll_interval"`
	AcquireTimeout string `toml:"acquire_timeout"`
}

// Encoder is the photo compression profile.
type Encoder struct {
	Format         string  `toml:"format"`
	InitialQuality float64 `toml:"initial_quality"`
	Step           float64 `toml:"step"`
	Floor          float64 `toml:"floor"`
	BudgetBytes    int     `toml:"budget_bytes"`
	MaxWidth       int     `toml:"max_width"`
	MaxHeight      int     `toml:"max_height"`
}

// PollEvery parses the camera poll interval.
func (c Camera) PollEvery() time.Duration {
	return parseDuration(c.PollInterval, 200*time.Millisecond)
}

// AcquireWithin parses the camera acquire timeout.
func (c Camera) AcquireWithin() time.Duration {
	return parseDuration(c.AcquireTimeout, 10*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func defaultStation() Station {
	return Station{
		Env:         "dev",
		HTTPPort:    "8090",
		APIURL:      "http://localhost:8081",
		CORSOrigins: []string{"http://localhost:5173"},
		Camera: Camera{
			Source: "snapshot",
			Facing: "front",
			Width:  1280,
			Height: 720,
		},
		Encoder: Encoder{
			Format:         "jpeg",
			InitialQuality: 0.8,
			Step:           0.1,
			Floor:          0.1,
			BudgetBytes:    1 << 20,
			MaxWidth:       1920,
			MaxHeight:      1080,
		},
	}
}

// LoadStation reads path (skipped when empty or missing) and applies
// environment overrides.
func LoadStation(path string) (Station, error) {
	loadDotEnv()
	st := defaultStation()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Station{}, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := toml.Unmarshal(data, &st); err != nil {
				return Station{}, fmt.Errorf("error reading config file %s: %w", path, err)
			}
		}
	}

	st.Env = getEnv("APP_ENV", st.Env)
	st.HTTPPort = getEnv("STATION_HTTP_PORT", st.HTTPPort)
	st.APIURL = getEnv("API_URL", st.APIURL)
	st.APIToken = getEnv("API_TOKEN", st.APIToken)
	st.OperatorID = getEnv("OPERATOR_ID", st.OperatorID)
	st.AllowManualPresent = boolEnv("ALLOW_MANUAL_PRESENT", st.AllowManualPresent)
	st.Camera.Source = getEnv("CAMERA_SOURCE", st.Camera.Source)
	st.Camera.FrontURL = getEnv("CAMERA_FRONT_URL", st.Camera.FrontURL)
	st.Camera.BackURL = getEnv("CAMERA_BACK_URL", st.Camera.BackURL)
	st.Camera.Directory = getEnv("CAMERA_DIRECTORY", st.Camera.Directory)
	st.Camera.Facing = getEnv("CAMERA_FACING", st.Camera.Facing)
	st.Encoder.Format = getEnv("ENCODER_FORMAT", st.Encoder.Format)
	st.Encoder.InitialQuality = floatEnv("ENCODER_INITIAL_QUALITY", st.Encoder.InitialQuality)
	st.Encoder.BudgetBytes = intEnv("ENCODER_BUDGET_BYTES", st.Encoder.BudgetBytes)

	if err := st.validate(); err != nil {
		return Station{}, err
	}
	return st, nil
}

func (s Station) validate() error {
	if s.APIURL == "" {
		return errors.New("api_url is required")
	}
	if s.OperatorID == "" {
		return errors.New("operator_id is required")
	}
	switch s.Camera.Source {
	case "snapshot":
		if s.Camera.FrontURL == "" && s.Camera.BackURL == "" {
			return errors.New("snapshot camera needs front_url or back_url")
		}
	case "directory":
		if s.Camera.Directory == "" {
			return errors.New("directory camera needs a directory")
		}
	default:
		return fmt.Errorf("unknown camera source %q", s.Camera.Source)
	}
	if s.Camera.Facing != "front" && s.Camera.Facing != "back" {
		return fmt.Errorf("camera facing must be front or back, got %q", s.Camera.Facing)
	}
	if s.Encoder.Floor <= 0 || s.Encoder.Step <= 0 || s.Encoder.InitialQuality < s.Encoder.Floor || s.Encoder.InitialQuality > 1 {
		return errors.New("encoder qualities must satisfy 0 < floor <= initial_quality <= 1 and step > 0")
	}
	if s.Encoder.BudgetBytes <= 0 {
		return errors.New("encoder budget_bytes must be positive")
	}
	return nil
}
