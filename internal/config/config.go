package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FACEOVERLAY_"

// Config holds the application configuration
type Config struct {
	Models   ModelsConfig   `json:"models"`
	Camera   CameraConfig   `json:"camera"`
	Display  DisplayConfig  `json:"display"`
	Detector DetectorConfig `json:"detector"`
	Poller   PollerConfig   `json:"poller"`
	Preview  PreviewConfig  `json:"preview"`
	Snapshot SnapshotConfig `json:"snapshot"`
	Log      LogConfig      `json:"log"`
}

// ModelsConfig holds where the detection model weights are fetched from
type ModelsConfig struct {
	Path    string   `json:"path" validate:"required"`
	BaseURL string   `json:"base_url" validate:"omitempty,url"`
	Timeout Duration `json:"timeout"`
}

// URI returns the model location with the base URL applied
func (m ModelsConfig) URI() string {
	if m.BaseURL == "" {
		return m.Path
	}
	return strings.TrimSuffix(m.BaseURL, "/") + "/" + strings.TrimPrefix(m.Path, "/")
}

// Camera sources
const (
	SourceWebcam = "webcam"
	SourceFile   = "file"
	SourceImage  = "image"
)

// CameraConfig holds the capture source and its native resolution
type CameraConfig struct {
	Source       string   `json:"source" validate:"oneof=webcam file image"`
	Device       string   `json:"device"`
	Path         string   `json:"path" validate:"required_unless=Source webcam"`
	Width        int      `json:"width" validate:"gt=0"`
	Height       int      `json:"height" validate:"gt=0"`
	FPS          uint     `json:"fps" validate:"gt=0,lte=120"`
	StartTimeout Duration `json:"start_timeout"`
	MinFrameSize int      `json:"min_frame_size" validate:"gte=0"`
}

// DisplayConfig holds the configured size of the video element
type DisplayConfig struct {
	Width  int `json:"width" validate:"gt=0"`
	Height int `json:"height" validate:"gt=0"`
}

// Detector backends
const (
	BackendRemote   = "remote"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

// DetectorConfig holds the detection backend settings
type DetectorConfig struct {
	Backend        string   `json:"backend" validate:"oneof=remote ollama llamacpp"`
	URL            string   `json:"url"`
	Model          string   `json:"model"`
	InputSize      int      `json:"input_size" validate:"gt=0"`
	ScoreThreshold float64  `json:"score_threshold" validate:"gte=0,lte=1"`
	SendQuality    int      `json:"send_quality" validate:"gte=1,lte=100"`
	Timeout        Duration `json:"timeout"`
}

// Overlap policies for detection cycles that outlive the interval
const (
	OverlapSkip  = "skip"
	OverlapQueue = "queue"
)

// PollerConfig holds the detection loop settings
type PollerConfig struct {
	Interval      Duration `json:"interval"`
	Overlap       string   `json:"overlap" validate:"oneof=skip queue"`
	StatsInterval Duration `json:"stats_interval"`
}

// PreviewConfig holds the preview server settings
type PreviewConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr" validate:"required_if=Enabled true"`
}

// SnapshotConfig holds the snapshot writer settings
type SnapshotConfig struct {
	Enabled      bool    `json:"enabled"`
	Dir          string  `json:"dir" validate:"required_if=Enabled true"`
	Format       string  `json:"format" validate:"oneof=jpg png webp"`
	Quality      int     `json:"quality" validate:"gte=1,lte=100"`
	Lossless     bool    `json:"lossless"`
	MaxPerSecond float64 `json:"max_per_second" validate:"gt=0"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `json:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	File  string `json:"file"`
}

// Duration is a time.Duration that reads and writes as a string such as "200ms"
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts either a duration string or a number of milliseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(v) * time.Millisecond
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			Path:    "/models",
			Timeout: Duration{30 * time.Second},
		},
		Camera: CameraConfig{
			Source:       SourceWebcam,
			Device:       "/dev/video0",
			Width:        640,
			Height:       480,
			FPS:          30,
			StartTimeout: Duration{10 * time.Second},
			MinFrameSize: 32,
		},
		Display: DisplayConfig{
			Width:  720,
			Height: 560,
		},
		Detector: DetectorConfig{
			Backend:        BackendRemote,
			URL:            "ws://localhost:8080/ws",
			Model:          "openbmb/minicpm-v4.5",
			InputSize:      416,
			ScoreThreshold: 0.5,
			SendQuality:    85,
			Timeout:        Duration{10 * time.Second},
		},
		Poller: PollerConfig{
			Interval:      Duration{200 * time.Millisecond},
			Overlap:       OverlapSkip,
			StatsInterval: Duration{5 * time.Second},
		},
		Preview: PreviewConfig{
			Enabled: false,
			Addr:    ":8090",
		},
		Snapshot: SnapshotConfig{
			Enabled:      false,
			Dir:          "./snapshots",
			Format:       "jpg",
			Quality:      90,
			MaxPerSecond: 1,
		},
		Log: LogConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromFile loads configuration from a JSON file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads the optional JSON file and .env file, then applies environment
// overrides. Missing files are not an error.
func Load(configPath, envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	config := Default()
	if configPath != "" {
		loaded, err := LoadFromFile(configPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if loaded != nil {
			config = loaded
		}
	}

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyEnv overrides fields from FACEOVERLAY_* variables looked up with getenv
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v := getenv(EnvPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *Duration) error {
		if v := getenv(EnvPrefix + key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			dst.Duration = parsed
		}
		return nil
	}

	str("MODELS_PATH", &c.Models.Path)
	str("MODELS_BASE_URL", &c.Models.BaseURL)
	str("CAMERA_SOURCE", &c.Camera.Source)
	str("CAMERA_DEVICE", &c.Camera.Device)
	str("CAMERA_PATH", &c.Camera.Path)
	str("DETECTOR_BACKEND", &c.Detector.Backend)
	str("DETECTOR_URL", &c.Detector.URL)
	str("DETECTOR_MODEL", &c.Detector.Model)
	str("POLLER_OVERLAP", &c.Poller.Overlap)
	str("PREVIEW_ADDR", &c.Preview.Addr)
	str("SNAPSHOT_DIR", &c.Snapshot.Dir)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)

	if err := num("DISPLAY_WIDTH", &c.Display.Width); err != nil {
		return err
	}
	if err := num("DISPLAY_HEIGHT", &c.Display.Height); err != nil {
		return err
	}
	if err := dur("POLLER_INTERVAL", &c.Poller.Interval); err != nil {
		return err
	}
	return nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New()

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed on %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if c.Poller.Interval.Duration <= 0 {
		return fmt.Errorf("poller.interval must be positive")
	}

	if c.Detector.InputSize%32 != 0 {
		return fmt.Errorf("detector.input_size must be divisible by 32")
	}

	if c.Detector.URL == "" && c.Detector.Backend == BackendRemote {
		return fmt.Errorf("detector.url is required for the remote backend")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "face-overlay", "config.json")
}
