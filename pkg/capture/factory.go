package capture

import (
	"fmt"

	"github.com/menta2k/face-overlay/internal/config"
)

// Factory builds the streamer for a camera configuration
type Factory func(cfg config.CameraConfig) (VideoStreamer, error)

// NewStreamer builds the streamer selected by cfg.Source
func NewStreamer(cfg config.CameraConfig) (VideoStreamer, error) {
	switch cfg.Source {
	case config.SourceWebcam, "":
		return NewFFmpegWebcam(cfg.Device, cfg.FPS, cfg.Width, cfg.Height), nil
	case config.SourceFile:
		return NewLocalStreamer(cfg.Path, cfg.FPS, cfg.Width, cfg.Height)
	case config.SourceImage:
		return NewImageStreamer(cfg.Path, cfg.FPS), nil
	default:
		return nil, fmt.Errorf("unknown camera source: %s", cfg.Source)
	}
}
