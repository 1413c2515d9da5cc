package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"afm/core"
)

// Firmware holds the instrument-side settings
type Firmware struct {
	SampleRate     uint32 `json:"sample_rate"`      // DAC updates per second
	SamplesPerHalf int    `json:"samples_per_half"` // samples per channel in each buffer half
	StreamDepth    int    `json:"stream_depth"`     // outbound queue depth in messages
	TagPolicy      string `json:"tag_policy"`       // "reject" or "clamp"
	PixelDwell     uint32 `json:"pixel_dwell"`      // servo cycles spent on each pixel

	Servo  ServoConfig  `json:"servo"`
	Sensor SensorConfig `json:"sensor"`
}

// ServoConfig mirrors core.ServoConfig
type ServoConfig struct {
	Step        uint32 `json:"step"`
	Floor       uint32 `json:"floor"`
	Ceiling     uint32 `json:"ceiling"`
	CurrentGain uint32 `json:"current_gain"`
}

// SensorConfig mirrors core.AnalogConfig
type SensorConfig struct {
	SampleCount     uint8  `json:"sample_count"`
	MinValue        uint16 `json:"min_value"`
	MaxValue        uint16 `json:"max_value"`
	RangeCheckCount uint8  `json:"range_check_count"`
}

// Host holds the workstation-side settings
type Host struct {
	Port           string `json:"port"` // empty means discover by USB id
	Baud           int    `json:"baud"`
	ControlTimeout string `json:"control_timeout"`
	ImageTimeout   string `json:"image_timeout"`
}

// Config is the complete configuration file
type Config struct {
	Firmware Firmware `json:"firmware"`
	Host     Host     `json:"host"`
}

// LoadConfig parses a JSON configuration and fills in missing values
func LoadConfig(jsonData []byte) (*Config, error) {
	var config Config

	if err := json.Unmarshal(jsonData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// LoadFile reads a .json configuration file
func LoadFile(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 << 20
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadConfig(data)
}

// applyDefaults fills in missing configuration values
func applyDefaults(config *Config) {
	fw := &config.Firmware
	if fw.SampleRate == 0 {
		fw.SampleRate = core.DefaultSampleRate
	}
	if fw.SamplesPerHalf == 0 {
		fw.SamplesPerHalf = core.DefaultSamplesPerHalf
	}
	if fw.StreamDepth == 0 {
		fw.StreamDepth = core.DefaultStreamDepth
	}
	if fw.TagPolicy == "" {
		fw.TagPolicy = core.RejectUnknown.String()
	}
	if fw.PixelDwell == 0 {
		fw.PixelDwell = 1
	}

	servo := core.DefaultServoConfig()
	if fw.Servo.Step == 0 {
		fw.Servo.Step = servo.Step
	}
	if fw.Servo.Ceiling == 0 {
		fw.Servo.Ceiling = servo.Ceiling
	}
	if fw.Servo.CurrentGain == 0 {
		fw.Servo.CurrentGain = servo.CurrentGain
	}

	if fw.Sensor.SampleCount == 0 {
		fw.Sensor.SampleCount = 4
	}
	if fw.Sensor.MaxValue == 0 {
		fw.Sensor.MaxValue = 0xFFFF
	}
	if fw.Sensor.RangeCheckCount == 0 {
		fw.Sensor.RangeCheckCount = 4
	}

	h := &config.Host
	if h.Baud == 0 {
		h.Baud = 115200
	}
	if h.ControlTimeout == "" {
		h.ControlTimeout = "500ms"
	}
	if h.ImageTimeout == "" {
		h.ImageTimeout = "5s"
	}
}

// Validate checks that the configuration values are usable
func (c *Config) Validate() error {
	fw := c.Firmware
	if fw.SamplesPerHalf < 1 {
		return fmt.Errorf("samples_per_half must be positive, got %d", fw.SamplesPerHalf)
	}
	if fw.StreamDepth < 2 {
		// One slot is always held for IMAGE-END
		return fmt.Errorf("stream_depth must be at least 2, got %d", fw.StreamDepth)
	}
	if fw.SampleRate > core.TimerFreq {
		return fmt.Errorf("sample_rate %d exceeds the %d Hz timer", fw.SampleRate, core.TimerFreq)
	}
	if _, err := ParseTagPolicy(fw.TagPolicy); err != nil {
		return err
	}
	if fw.Servo.Floor >= fw.Servo.Ceiling {
		return fmt.Errorf("servo floor 0x%08X must be below ceiling 0x%08X", fw.Servo.Floor, fw.Servo.Ceiling)
	}
	if fw.Servo.Floor > core.SetpointCenter || fw.Servo.Ceiling < core.SetpointCenter {
		// Mode changes recenter Z, which must land inside the servo range
		return fmt.Errorf("servo range 0x%08X..0x%08X must contain center 0x%08X",
			fw.Servo.Floor, fw.Servo.Ceiling, core.SetpointCenter)
	}
	if fw.Sensor.MinValue > fw.Sensor.MaxValue {
		return fmt.Errorf("sensor min_value %d above max_value %d", fw.Sensor.MinValue, fw.Sensor.MaxValue)
	}

	if c.Host.Baud <= 0 {
		return fmt.Errorf("baud must be positive, got %d", c.Host.Baud)
	}
	if _, err := time.ParseDuration(c.Host.ControlTimeout); err != nil {
		return fmt.Errorf("invalid control_timeout '%s': %w", c.Host.ControlTimeout, err)
	}
	if _, err := time.ParseDuration(c.Host.ImageTimeout); err != nil {
		return fmt.Errorf("invalid image_timeout '%s': %w", c.Host.ImageTimeout, err)
	}
	return nil
}

// ParseTagPolicy maps a policy name to core.TagPolicy
func ParseTagPolicy(name string) (core.TagPolicy, error) {
	switch name {
	case "reject":
		return core.RejectUnknown, nil
	case "clamp":
		return core.ClampUnknown, nil
	}
	return core.RejectUnknown, fmt.Errorf("unknown tag_policy %q", name)
}

// Policy returns the parsed tag policy; Validate has already vetted it
func (f Firmware) Policy() core.TagPolicy {
	p, _ := ParseTagPolicy(f.TagPolicy)
	return p
}

func (f Firmware) ServoConfig() core.ServoConfig {
	return core.ServoConfig{
		Step:        f.Servo.Step,
		Floor:       f.Servo.Floor,
		Ceiling:     f.Servo.Ceiling,
		CurrentGain: f.Servo.CurrentGain,
	}
}

func (f Firmware) AnalogConfig() core.AnalogConfig {
	return core.AnalogConfig{
		SampleCount:     f.Sensor.SampleCount,
		MinValue:        f.Sensor.MinValue,
		MaxValue:        f.Sensor.MaxValue,
		RangeCheckCount: f.Sensor.RangeCheckCount,
	}
}

// Timeouts returns the parsed host timeouts
func (h Host) Timeouts() (control, image time.Duration) {
	control, _ = time.ParseDuration(h.ControlTimeout)
	image, _ = time.ParseDuration(h.ImageTimeout)
	return control, image
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	var config Config
	applyDefaults(&config)
	return &config
}
