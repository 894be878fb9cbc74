package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/face-overlay/internal/config"
	"github.com/menta2k/face-overlay/internal/logger"
	"github.com/menta2k/face-overlay/pkg/capture"
	"github.com/menta2k/face-overlay/pkg/processing"
)

var (
	// ErrPermissionDenied means the camera exists but may not be opened
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDeviceNotFound means no camera matched the request
	ErrDeviceNotFound = errors.New("camera not found")
	// ErrDeviceError covers every other acquisition failure
	ErrDeviceError = errors.New("camera error")
	// ErrStreamEnded means a playing stream stopped delivering frames
	ErrStreamEnded = errors.New("video stream ended")
)

// Constraints narrows the requested video track. Zero fields fall back to
// the configured camera settings.
type Constraints struct {
	Width  int
	Height int
	FPS    uint
}

// Stream is a live, started video source
type Stream struct {
	ID string

	streamer capture.VideoStreamer
	first    image.Image
	stopOnce sync.Once
}

// Stop ends the stream. It is safe to call more than once.
func (s *Stream) Stop() {
	s.stopOnce.Do(s.streamer.Stop)
}

// Acquirer opens camera streams
type Acquirer struct {
	cfg       config.CameraConfig
	factory   capture.Factory
	processor *processing.Processor
	log       *logrus.Logger
}

// NewAcquirer creates an acquirer; a nil factory uses capture.NewStreamer
func NewAcquirer(cfg config.CameraConfig, factory capture.Factory, log *logrus.Logger) *Acquirer {
	if factory == nil {
		factory = capture.NewStreamer
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Acquirer{
		cfg:       cfg,
		factory:   factory,
		processor: processing.NewProcessor(),
		log:       log,
	}
}

// GetUserMedia starts the camera and resolves once the first frame arrives.
// Failures are logged once and returned wrapping ErrPermissionDenied,
// ErrDeviceNotFound or ErrDeviceError. There is no retry.
func (a *Acquirer) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	cfg := a.cfg
	if c.Width > 0 {
		cfg.Width = c.Width
	}
	if c.Height > 0 {
		cfg.Height = c.Height
	}
	if c.FPS > 0 {
		cfg.FPS = c.FPS
	}

	stream, err := a.open(ctx, cfg)
	if err != nil {
		a.log.WithFields(logrus.Fields{
			"source": cfg.Source,
			"device": cfg.Device,
			"path":   cfg.Path,
		}).WithError(err).Error("failed to acquire camera")
		return nil, err
	}

	info := a.processor.GetImageInfo(stream.first)
	a.log.WithFields(logrus.Fields{
		"stream": stream.ID,
		"source": cfg.Source,
		"size":   fmt.Sprintf("%dx%d", info.Width, info.Height),
		"aspect": fmt.Sprintf("%.2f", info.AspectRatio),
	}).Info("camera stream started")
	return stream, nil
}

func (a *Acquirer) open(ctx context.Context, cfg config.CameraConfig) (*Stream, error) {
	streamer, err := a.factory(cfg)
	if err != nil {
		return nil, classify(err)
	}
	if err := streamer.Start(); err != nil {
		return nil, classify(err)
	}

	timeout := cfg.StartTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first image.Image
	select {
	case frame, ok := <-streamer.FrameChan():
		if !ok {
			err = streamEndedError(streamer)
			break
		}
		first = frame
	case streamErr, ok := <-streamer.ErrorChan():
		if !ok || streamErr == nil {
			streamErr = errors.New("stream closed before the first frame")
		}
		err = classify(streamErr)
	case <-timer.C:
		err = fmt.Errorf("%w: no frame within %s", ErrDeviceError, timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err == nil {
		if verr := a.processor.ValidateImage(first, cfg.MinFrameSize); verr != nil {
			err = fmt.Errorf("%w: %v", ErrDeviceError, verr)
		}
	}
	if err != nil {
		streamer.Stop()
		return nil, err
	}

	return &Stream{
		ID:       uuid.NewString(),
		streamer: streamer,
		first:    first,
	}, nil
}

func streamEndedError(streamer capture.VideoStreamer) error {
	select {
	case err, ok := <-streamer.ErrorChan():
		if ok && err != nil {
			return classify(err)
		}
	default:
	}
	return fmt.Errorf("%w: stream closed before the first frame", ErrDeviceError)
}

// classify maps a capture error onto one of the acquisition sentinels
func classify(err error) error {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrDeviceError) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, fs.ErrPermission), strings.Contains(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, exec.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrDeviceError, err)
	case errors.Is(err, fs.ErrNotExist),
		strings.Contains(msg, "no such file or directory"),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "could not find video device"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceError, err)
	}
}
