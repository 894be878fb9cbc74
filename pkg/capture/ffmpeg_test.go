package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeFFmpegEnv makes the test binary act as ffmpeg/ffprobe. Its value is
// the number of frames to write, or "endless".
const fakeFFmpegEnv = "FACEOVERLAY_FAKE_FFMPEG"

func TestMain(m *testing.M) {
	if v := os.Getenv(fakeFFmpegEnv); v != "" {
		os.Exit(fakeFFmpeg(v, os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeFFmpeg(frames string, args []string) int {
	for _, a := range args {
		if a == "-show_entries" {
			fmt.Print(`{"streams":[{"width":64,"height":48}]}`)
			return 0
		}
	}

	var w, h int
	for _, a := range args {
		if i := strings.Index(a, "scale="); i >= 0 {
			fmt.Sscanf(a[i+len("scale="):], "%d:%d", &w, &h)
		}
	}
	if w <= 0 || h <= 0 {
		fmt.Fprintln(os.Stderr, "missing scale filter")
		return 1
	}

	limit, _ := strconv.Atoi(frames)
	frame := make([]byte, w*h*bytesPerPixel)
	for i := 0; limit <= 0 || i < limit; i++ {
		if _, err := os.Stdout.Write(frame); err != nil {
			return 0
		}
		time.Sleep(time.Millisecond)
	}
	return 0
}

// useFakeFFmpeg points the streamers at the test binary. frames <= 0 streams
// until killed.
func useFakeFFmpeg(t *testing.T, frames int) {
	t.Helper()
	bin, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test binary: %v", err)
	}
	ffmpeg, ffprobe := FFmpegBinary, FFprobeBinary
	FFmpegBinary, FFprobeBinary = bin, bin
	t.Cleanup(func() { FFmpegBinary, FFprobeBinary = ffmpeg, ffprobe })

	v := "endless"
	if frames > 0 {
		v = strconv.Itoa(frames)
	}
	t.Setenv(fakeFFmpegEnv, v)
}

func stopWithin(t *testing.T, s VideoStreamer, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Stop()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("Stop did not return")
	}
}

func drained(t *testing.T, s VideoStreamer) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.FrameChan():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frame channel was not closed")
		}
	}
}

func TestWebcamStopReapsFFmpeg(t *testing.T) {
	useFakeFFmpeg(t, 0)

	ws := NewFFmpegWebcam("fake0", 30, 8, 6)
	if err := ws.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if b := nextFrame(t, ws).Bounds(); b.Dx() != 8 || b.Dy() != 6 {
		t.Errorf("Unexpected frame size %v", b)
	}

	// concurrent stops must both wait for the reader
	go ws.Stop()
	stopWithin(t, ws, 5*time.Second)

	if state := ws.proc.Load().cmd.ProcessState; state == nil {
		t.Error("Expected ffmpeg to be reaped when Stop returns")
	}
	drained(t, ws)
	if _, ok := <-ws.ErrorChan(); ok {
		t.Error("Stopping must not report a read error")
	}
}

func TestWebcamStreamEndReportsError(t *testing.T) {
	useFakeFFmpeg(t, 2)

	ws := NewFFmpegWebcam("fake0", 30, 8, 6)
	if err := ws.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case err, ok := <-ws.ErrorChan():
		if !ok || err == nil {
			t.Fatal("Expected a read error when ffmpeg exits")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error after ffmpeg exited")
	}
	stopWithin(t, ws, time.Second)
}

func TestLocalStreamerStopReapsFFmpeg(t *testing.T) {
	useFakeFFmpeg(t, 0)

	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("not a real video"), 0o644); err != nil {
		t.Fatal(err)
	}

	ls, err := NewLocalStreamer(path, 100, 8, 6)
	if err != nil {
		t.Fatalf("NewLocalStreamer failed: %v", err)
	}
	if size := ls.SourceSize(); size.Width != 64 || size.Height != 48 {
		t.Errorf("Unexpected probed size %v", size)
	}
	if err := ls.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	nextFrame(t, ls)

	stopWithin(t, ls, 5*time.Second)
	if state := ls.proc.Load().cmd.ProcessState; state == nil {
		t.Error("Expected ffmpeg to be reaped when Stop returns")
	}
	drained(t, ls)
}
