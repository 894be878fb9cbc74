package capture

import (
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/menta2k/face-overlay/pkg/types"
)

// FFprobeBinary is the ffprobe executable used to read video dimensions
var FFprobeBinary = "ffprobe"

const (
	bytesPerPixel      = 4
	defaultFPS    uint = 30
)

// LocalFileStreamer plays a video file through ffmpeg at a fixed frame rate
type LocalFileStreamer struct {
	stopOnce sync.Once

	path      string
	targetFPS uint

	width  int
	height int

	source types.Dimensions

	proc      atomic.Pointer[ffmpegProcess]
	frameChan chan image.Image
	errChan   chan error
	stopChan  chan struct{}
}

func NewLocalStreamer(path string, targetFPS uint, width int, height int) (*LocalFileStreamer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("video file: %w", err)
	}

	source, err := probeVideoDimensions(path)
	if err != nil {
		return nil, fmt.Errorf("failed to probe video: %w", err)
	}

	if targetFPS == 0 {
		targetFPS = defaultFPS
	}

	return &LocalFileStreamer{
		path:      path,
		targetFPS: targetFPS,
		source:    source,
		width:     width,
		height:    height,
		frameChan: make(chan image.Image, 10),
		errChan:   make(chan error, 1),
		stopChan:  make(chan struct{}),
	}, nil
}

// SourceSize returns the dimensions of the video as stored in the file
func (ls *LocalFileStreamer) SourceSize() types.Dimensions {
	return ls.source
}

func (ls *LocalFileStreamer) Start() error {
	args := []string{
		"-i", ls.path,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d:flags=neighbor", ls.targetFPS, ls.width, ls.height),
		"-f", "image2pipe",
		"-pix_fmt", "rgba",
		"-vcodec", "rawvideo",
		"-",
	}

	proc, err := startProcess(exec.Command(FFmpegBinary, args...))
	if err != nil {
		return fmt.Errorf("ffmpeg start error: %w", err)
	}
	ls.proc.Store(proc)

	go ls.readFrames(proc)

	return nil
}

func (ls *LocalFileStreamer) readFrames(proc *ffmpegProcess) {
	defer close(ls.frameChan)
	defer close(ls.errChan)
	defer proc.wait()
	defer proc.kill()

	frameSize := ls.width * ls.height * bytesPerPixel
	buffer := make([]byte, frameSize)

	ticker := time.NewTicker(time.Second / time.Duration(ls.targetFPS))
	defer ticker.Stop()

	for {
		select {
		case <-ls.stopChan:
			return

		case <-ticker.C:
			_, err := io.ReadFull(proc.stdout, buffer)
			if err != nil {
				select {
				case <-ls.stopChan:
					return
				default:
					ls.errChan <- fmt.Errorf("read error: %w", err)
					return
				}
			}

			pixelData := make([]byte, len(buffer))
			copy(pixelData, buffer)

			img := &image.RGBA{
				Pix:    pixelData,
				Stride: ls.width * bytesPerPixel,
				Rect:   image.Rect(0, 0, ls.width, ls.height),
			}

			select {
			case ls.frameChan <- img:
			case <-ls.stopChan:
				return
			}
		}
	}
}

// Stop kills ffmpeg and returns once the reader has finished and the
// process has been reaped
func (ls *LocalFileStreamer) Stop() {
	ls.stopOnce.Do(func() {
		close(ls.stopChan)
	})
	if proc := ls.proc.Load(); proc != nil {
		proc.kill()
		<-proc.stopped()
	}
}

func (ls *LocalFileStreamer) FrameChan() <-chan image.Image {
	return ls.frameChan
}

func (ls *LocalFileStreamer) ErrorChan() <-chan error {
	return ls.errChan
}

type probeData struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
}

func probeVideoDimensions(path string) (types.Dimensions, error) {
	cmd := exec.Command(FFprobeBinary,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		return types.Dimensions{}, err
	}

	return parseProbeOutput(output)
}

func parseProbeOutput(output []byte) (types.Dimensions, error) {
	var data probeData
	if err := json.Unmarshal(output, &data); err != nil {
		return types.Dimensions{}, err
	}

	if len(data.Streams) == 0 {
		return types.Dimensions{}, fmt.Errorf("no video streams found")
	}

	return types.Dimensions{Width: data.Streams[0].Width, Height: data.Streams[0].Height}, nil
}
