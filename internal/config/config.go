// Package config loads the drive configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/roadpilot/internal/actuator"
	"github.com/andresmejia3/roadpilot/internal/traffic"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// maxFileSize caps config files at 1MB.
const maxFileSize = 1 * 1024 * 1024

// DriveConfig is the JSON drive configuration. Every field is optional; the
// Get* methods supply defaults for anything left out.
type DriveConfig struct {
	SpeedLimit *int `json:"speed_limit,omitempty"`
	MaxSpeed   *int `json:"max_speed,omitempty"`

	// Detector params
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	NumOfObjects  *int     `json:"num_of_objects,omitempty"`
	WorkerTimeout *string  `json:"worker_timeout,omitempty"` // duration string like "10s"

	// Display only: how long the last prediction stays in the progress line, in seconds.
	TimeToShowPrediction *float64 `json:"time_to_show_prediction,omitempty"`

	FrameWidth  *int `json:"frame_width,omitempty"`
	FrameHeight *int `json:"frame_height,omitempty"`

	// Stop handling
	StopDwell       *string `json:"stop_dwell,omitempty"`
	StopWait        *string `json:"stop_wait,omitempty"`
	StopClearFrames *int    `json:"stop_clear_frames,omitempty"`

	YieldFactor *float64 `json:"yield_factor,omitempty"`
	// Proximity maps kind names ("red_light", "stop_sign", ...) to fractions of frame height.
	Proximity map[string]float64 `json:"proximity,omitempty"`

	Serial *actuator.PortOptions `json:"serial,omitempty"`
}

// Load reads a DriveConfig from a .json file. Omitted fields keep their defaults.
func Load(path string) (*DriveConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &DriveConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *DriveConfig) Validate() error {
	if c.SpeedLimit != nil && *c.SpeedLimit < 0 {
		return fmt.Errorf("%w: speed_limit must be non-negative, got %d", ErrInvalidConfig, *c.SpeedLimit)
	}
	if c.MaxSpeed != nil && *c.MaxSpeed <= 0 {
		return fmt.Errorf("%w: max_speed must be positive, got %d", ErrInvalidConfig, *c.MaxSpeed)
	}
	if c.GetSpeedLimit() > c.GetMaxSpeed() {
		return fmt.Errorf("%w: speed_limit %d exceeds max_speed %d", ErrInvalidConfig, c.GetSpeedLimit(), c.GetMaxSpeed())
	}
	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
		return fmt.Errorf("%w: min_confidence must be between 0 and 1, got %f", ErrInvalidConfig, *c.MinConfidence)
	}
	if c.NumOfObjects != nil && *c.NumOfObjects < 1 {
		return fmt.Errorf("%w: num_of_objects must be at least 1, got %d", ErrInvalidConfig, *c.NumOfObjects)
	}
	if c.FrameHeight != nil && *c.FrameHeight <= 0 {
		return fmt.Errorf("%w: frame_height must be positive, got %d", ErrInvalidConfig, *c.FrameHeight)
	}
	if c.FrameWidth != nil && *c.FrameWidth <= 0 {
		return fmt.Errorf("%w: frame_width must be positive, got %d", ErrInvalidConfig, *c.FrameWidth)
	}
	for name, v := range map[string]*string{"worker_timeout": c.WorkerTimeout, "stop_dwell": c.StopDwell, "stop_wait": c.StopWait} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("%w: invalid %s '%s': %v", ErrInvalidConfig, name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %s", ErrInvalidConfig, name, *v)
		}
	}
	for name := range c.Proximity {
		if _, err := traffic.ParseKind(name); err != nil {
			return fmt.Errorf("%w: proximity: %v", ErrInvalidConfig, err)
		}
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("%w: serial: %v", ErrInvalidConfig, err)
		}
	}

	// the rest is checked where the policy gets built
	if _, err := c.Policy(nil); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Policy builds the traffic policy from the config. A nil labels map selects
// the stock label layout; otherwise handlers come from the label names.
func (c *DriveConfig) Policy(labels map[int]string) (*traffic.PolicyTable, error) {
	var p *traffic.PolicyTable
	if labels == nil {
		p = traffic.DefaultPolicy()
	} else {
		p = traffic.PolicyFromLabels(labels)
	}
	p.MaxSpeed = c.GetMaxSpeed()
	p.YieldFactor = c.GetYieldFactor()
	p.StopDwell = c.GetStopDwell()
	p.StopWait = c.GetStopWait()
	p.StopClearFrames = c.GetStopClearFrames()
	for name, v := range c.Proximity {
		k, err := traffic.ParseKind(name)
		if err != nil {
			return nil, err
		}
		p.Proximity[k] = v
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetSpeedLimit returns the initial cruising limit. Unset, it is the default
// capped at max_speed.
func (c *DriveConfig) GetSpeedLimit() int {
	if c.SpeedLimit == nil {
		return min(traffic.DefaultSpeedLimit, c.GetMaxSpeed())
	}
	return *c.SpeedLimit
}

// GetMaxSpeed returns the max_speed value or the default.
func (c *DriveConfig) GetMaxSpeed() int {
	if c.MaxSpeed == nil {
		return traffic.DefaultMaxSpeed
	}
	return *c.MaxSpeed
}

// GetMinConfidence returns the min_confidence value or the default.
func (c *DriveConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0.30
	}
	return *c.MinConfidence
}

// GetNumOfObjects returns the num_of_objects value or the default.
func (c *DriveConfig) GetNumOfObjects() int {
	if c.NumOfObjects == nil {
		return 3
	}
	return *c.NumOfObjects
}

// GetWorkerTimeout returns the worker_timeout value or the default.
func (c *DriveConfig) GetWorkerTimeout() time.Duration {
	return parseDuration(c.WorkerTimeout, 10*time.Second)
}

// GetTimeToShowPrediction returns how long a prediction stays on screen.
func (c *DriveConfig) GetTimeToShowPrediction() time.Duration {
	if c.TimeToShowPrediction == nil {
		return time.Second
	}
	return time.Duration(*c.TimeToShowPrediction * float64(time.Second))
}

// GetFrameWidth returns the frame_width value or the default.
func (c *DriveConfig) GetFrameWidth() int {
	if c.FrameWidth == nil {
		return 640
	}
	return *c.FrameWidth
}

// GetFrameHeight returns the frame_height value or the default.
func (c *DriveConfig) GetFrameHeight() int {
	if c.FrameHeight == nil {
		return 480
	}
	return *c.FrameHeight
}

// GetStopDwell returns the stop_dwell value or the default.
func (c *DriveConfig) GetStopDwell() time.Duration {
	return parseDuration(c.StopDwell, traffic.DefaultStopDwell)
}

// GetStopWait returns the stop_wait value or zero.
func (c *DriveConfig) GetStopWait() time.Duration {
	return parseDuration(c.StopWait, 0)
}

// GetStopClearFrames returns the stop_clear_frames value or the default.
func (c *DriveConfig) GetStopClearFrames() int {
	if c.StopClearFrames == nil {
		return traffic.DefaultStopClearFrames
	}
	return *c.StopClearFrames
}

// GetYieldFactor returns the yield_factor value or the default.
func (c *DriveConfig) GetYieldFactor() float64 {
	if c.YieldFactor == nil {
		return traffic.DefaultYieldFactor
	}
	return *c.YieldFactor
}

// GetSerial returns the serial options, empty when unset.
func (c *DriveConfig) GetSerial() actuator.PortOptions {
	if c.Serial == nil {
		return actuator.PortOptions{}
	}
	return *c.Serial
}
