package capture

import (
	"fmt"
	"image"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/menta2k/face-overlay/internal/utils"
	"github.com/menta2k/face-overlay/pkg/processing"
)

// ImageStreamer replays a still image, or every image of a directory in
// name order, as an endless video at a fixed frame rate. The path may also
// be an http(s) URL of a single image.
type ImageStreamer struct {
	stopOnce sync.Once

	path      string
	targetFPS uint
	frames    []image.Image

	frameChan chan image.Image
	errChan   chan error
	stopChan  chan struct{}
}

func NewImageStreamer(path string, targetFPS uint) *ImageStreamer {
	if targetFPS == 0 {
		targetFPS = defaultFPS
	}
	return &ImageStreamer{
		path:      path,
		targetFPS: targetFPS,
		frameChan: make(chan image.Image, 1),
		errChan:   make(chan error, 1),
		stopChan:  make(chan struct{}),
	}
}

func (is *ImageStreamer) Start() error {
	paths, err := is.sources()
	if err != nil {
		return err
	}

	processor := processing.NewProcessor()
	for _, p := range paths {
		img, err := processor.LoadImageSmart(p)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
		is.frames = append(is.frames, img)
	}

	go is.loop()
	return nil
}

func (is *ImageStreamer) sources() ([]string, error) {
	switch {
	case strings.HasPrefix(is.path, "http://"), strings.HasPrefix(is.path, "https://"):
		return []string{is.path}, nil
	case utils.FileExists(is.path):
		return []string{is.path}, nil
	case !utils.DirExists(is.path):
		return nil, fmt.Errorf("image source %s: %w", is.path, os.ErrNotExist)
	}

	paths, err := utils.ListImageFiles(is.path)
	if err != nil {
		return nil, fmt.Errorf("image source: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("image source %s: no images: %w", is.path, os.ErrNotExist)
	}
	return paths, nil
}

func (is *ImageStreamer) loop() {
	defer close(is.frameChan)
	defer close(is.errChan)

	ticker := time.NewTicker(time.Second / time.Duration(is.targetFPS))
	defer ticker.Stop()

	for i := 0; ; i = (i + 1) % len(is.frames) {
		select {
		case is.frameChan <- is.frames[i]:
		case <-is.stopChan:
			return
		}

		select {
		case <-ticker.C:
		case <-is.stopChan:
			return
		}
	}
}

func (is *ImageStreamer) Stop() {
	is.stopOnce.Do(func() {
		close(is.stopChan)
	})
}

func (is *ImageStreamer) FrameChan() <-chan image.Image { return is.frameChan }
func (is *ImageStreamer) ErrorChan() <-chan error       { return is.errChan }
