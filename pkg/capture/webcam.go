package capture

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// FFmpegBinary is the ffmpeg executable used by the ffmpeg based streamers
var FFmpegBinary = "ffmpeg"

type FFmpegWebcamStreamer struct {
	stopOnce sync.Once

	deviceName string
	width      int
	height     int
	targetFPS  uint

	proc      atomic.Pointer[ffmpegProcess]
	stderr    *tailBuffer
	frameChan chan image.Image
	errChan   chan error

	stopChan chan struct{}
}

func NewFFmpegWebcam(deviceName string, targetFps uint, width int, height int) *FFmpegWebcamStreamer {
	return &FFmpegWebcamStreamer{
		deviceName: deviceName,
		width:      width,
		height:     height,
		targetFPS:  targetFps,

		stderr:    &tailBuffer{max: 4096},
		frameChan: make(chan image.Image, 1),
		errChan:   make(chan error, 1),
		stopChan:  make(chan struct{}),
	}
}

func (ws *FFmpegWebcamStreamer) args() []string {
	scale := fmt.Sprintf("fps=%d,scale=%d:%d", ws.targetFPS, ws.width, ws.height)
	output := []string{"-vf", scale, "-f", "image2pipe", "-pix_fmt", "rgba", "-vcodec", "rawvideo", "-"}

	if runtime.GOOS == "windows" {
		return append([]string{"-f", "dshow", "-i", fmt.Sprintf("video=%s", ws.deviceName)}, output...)
	}
	return append([]string{"-f", "v4l2", "-i", ws.deviceName}, output...)
}

func (ws *FFmpegWebcamStreamer) Start() error {
	if err := probeDevice(ws.deviceName); err != nil {
		return err
	}

	cmd := exec.Command(FFmpegBinary, ws.args()...)
	cmd.Stderr = ws.stderr

	proc, err := startProcess(cmd)
	if err != nil {
		return fmt.Errorf("ffmpeg start error: %w. Details: %s", err, ws.stderr.String())
	}
	ws.proc.Store(proc)

	go ws.readLoop(proc)
	return nil
}

func (ws *FFmpegWebcamStreamer) readLoop(proc *ffmpegProcess) {
	defer close(ws.frameChan)
	defer close(ws.errChan)
	defer proc.wait()
	defer proc.kill()

	frameSize := ws.width * ws.height * 4
	buffer := make([]byte, frameSize)

	for {
		select {
		case <-ws.stopChan:
			return

		default:
			_, err := io.ReadFull(proc.stdout, buffer)
			if err != nil {
				select {
				case <-ws.stopChan:
					return
				default:
					ws.errChan <- fmt.Errorf("read error: %w: %s", err, ws.stderr.LastLine())
					return
				}
			}

			pixelData := make([]byte, len(buffer))
			copy(pixelData, buffer)

			img := &image.RGBA{
				Pix:    pixelData,
				Stride: ws.width * 4,
				Rect:   image.Rect(0, 0, ws.width, ws.height),
			}

			// drop the frame if the consumer is still busy with the last one
			select {
			case ws.frameChan <- img:
			default:
			}
		}
	}
}

// Stop kills ffmpeg and returns once the reader has finished and the
// process has been reaped
func (ws *FFmpegWebcamStreamer) Stop() {
	ws.stopOnce.Do(func() {
		close(ws.stopChan)
	})
	if proc := ws.proc.Load(); proc != nil {
		proc.kill()
		<-proc.stopped()
	}
}

func (ws *FFmpegWebcamStreamer) FrameChan() <-chan image.Image { return ws.frameChan }
func (ws *FFmpegWebcamStreamer) ErrorChan() <-chan error       { return ws.errChan }

// probeDevice opens a v4l2 device node once so that a missing device or a
// denied permission surfaces as an os error before ffmpeg is started.
func probeDevice(device string) error {
	if runtime.GOOS == "windows" || !strings.HasPrefix(device, "/dev/") {
		return nil
	}
	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}
	return f.Close()
}

func ListCameras() ([]string, error) {
	var cameras []string

	if runtime.GOOS == "windows" {
		cmd := exec.Command(FFmpegBinary, "-list_devices", "true", "-f", "dshow", "-i", "dummy")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		cmd.Run()

		re := regexp.MustCompile(`"([^"]+)"\s+\(video\)`)
		seen := make(map[string]bool)
		for _, m := range re.FindAllStringSubmatch(stderr.String(), -1) {
			name := m[1]
			if name != "dummy" && !seen[name] {
				cameras = append(cameras, name)
				seen[name] = true
			}
		}
		return cameras, nil
	}

	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// LastLine returns the last non-empty line written
func (t *tailBuffer) LastLine() string {
	lines := strings.Split(strings.TrimSpace(t.String()), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
