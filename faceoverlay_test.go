package faceoverlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/menta2k/face-overlay/internal/config"
	"github.com/menta2k/face-overlay/pkg/capture"
	"github.com/menta2k/face-overlay/pkg/detection"
	"github.com/menta2k/face-overlay/pkg/media"
	"github.com/menta2k/face-overlay/pkg/models"
	"github.com/menta2k/face-overlay/pkg/poller"
	"github.com/menta2k/face-overlay/pkg/types"
)

const modelDir = "models"

// memFetcher serves model files from memory. Fetches of gated URIs block
// until release is closed.
type memFetcher struct {
	files   map[string][]byte
	gated   map[string]bool
	release chan struct{}
	fetched atomic.Int32
}

func newMemFetcher(t *testing.T) *memFetcher {
	t.Helper()
	f := &memFetcher{files: map[string][]byte{}, gated: map[string]bool{}, release: make(chan struct{})}
	for _, m := range types.AllModels() {
		shard := m.String() + "-shard1"
		manifest := models.Manifest{{
			Weights: []models.WeightSpec{{Name: "conv0/bias", Shape: []int{2}, Dtype: "float32"}},
			Paths:   []string{shard},
		}}
		data, err := json.Marshal(manifest)
		if err != nil {
			t.Fatal(err)
		}
		f.files[filepath.Join(modelDir, m.ManifestName())] = data
		f.files[filepath.Join(modelDir, shard)] = make([]byte, 8)
	}
	return f
}

func (f *memFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if f.gated[uri] {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.fetched.Add(1)
	data, ok := f.files[uri]
	if !ok {
		return nil, fmt.Errorf("%s: not found", uri)
	}
	return data, nil
}

type fakeStreamer struct {
	startErr error
	frames   chan image.Image
	errs     chan error
}

func (s *fakeStreamer) Start() error                  { return s.startErr }
func (s *fakeStreamer) Stop()                         {}
func (s *fakeStreamer) FrameChan() <-chan image.Image { return s.frames }
func (s *fakeStreamer) ErrorChan() <-chan error       { return s.errs }

func camera(w, h int) *fakeStreamer {
	s := &fakeStreamer{frames: make(chan image.Image, 1), errs: make(chan error)}
	s.frames <- image.NewRGBA(image.Rect(0, 0, w, h))
	return s
}

type countingFactory struct {
	streamer capture.VideoStreamer
	calls    atomic.Int32
}

func (f *countingFactory) New(config.CameraConfig) (capture.VideoStreamer, error) {
	f.calls.Add(1)
	return f.streamer, nil
}

type fakeBackend struct {
	mu     sync.Mutex
	calls  int
	result types.DetectionResult
}

func (b *fakeBackend) Detect(ctx context.Context, frame image.Image, req detection.Request) (types.DetectionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.result, nil
}

func (b *fakeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Models.Path = modelDir
	cfg.Poller.Interval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Camera.StartTimeout = config.Duration{Duration: time.Second}
	return cfg
}

func TestModelLoadFailureIsFatal(t *testing.T) {
	fetcher := newMemFetcher(t)
	delete(fetcher.files, filepath.Join(modelDir, types.FaceExpressionNet.ManifestName()))
	factory := &countingFactory{streamer: camera(640, 480)}
	backend := &fakeBackend{}

	app, err := New(testConfig(), WithFetcher(fetcher), WithStreamerFactory(factory.New), WithBackend(backend))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = app.Run(context.Background())
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageLoadModels {
		t.Fatalf("Expected load_models stage error, got %v", err)
	}
	if app.Nets() != nil {
		t.Error("Expected no models after a failed load")
	}
	if factory.calls.Load() != 0 || backend.Calls() != 0 {
		t.Error("Camera and detector must not run after a failed model load")
	}
}

func TestNoDetectionBeforeModelsLoad(t *testing.T) {
	fetcher := newMemFetcher(t)
	fetcher.gated[filepath.Join(modelDir, types.FaceRecognitionNet.ManifestName())] = true
	factory := &countingFactory{streamer: camera(640, 480)}
	backend := &fakeBackend{result: types.DetectionResult{}}

	reports := make(chan poller.Report, 16)
	app, err := New(testConfig(),
		WithFetcher(fetcher),
		WithStreamerFactory(factory.New),
		WithBackend(backend),
		WithListener(func(r poller.Report) {
			select {
			case reports <- r:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	// three manifests and three shards arrive while the fourth model hangs
	deadline := time.Now().Add(2 * time.Second)
	for fetcher.fetched.Load() < 6 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	if factory.calls.Load() != 0 || backend.Calls() != 0 || app.Nets() != nil {
		t.Fatal("Pipeline advanced before every model was loaded")
	}

	close(fetcher.release)
	select {
	case <-reports:
	case <-time.After(3 * time.Second):
		t.Fatal("no detection cycle after models loaded")
	}
	if backend.Calls() == 0 {
		t.Error("Expected detection after models loaded")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestCameraPermissionDenied(t *testing.T) {
	log, hook := test.NewNullLogger()
	streamer := camera(640, 480)
	streamer.startErr = errors.New("open /dev/video0: permission denied")
	factory := &countingFactory{streamer: streamer}
	backend := &fakeBackend{}

	app, err := New(testConfig(),
		WithLogger(log),
		WithFetcher(newMemFetcher(t)),
		WithStreamerFactory(factory.New),
		WithBackend(backend),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = app.Run(context.Background())
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageAcquireMedia {
		t.Fatalf("Expected acquire_media stage error, got %v", err)
	}
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Errorf("Expected permission error, got %v", err)
	}
	if app.Video().SrcObject() != nil {
		t.Error("Expected video element to stay unbound")
	}
	if app.Canvas() != nil || backend.Calls() != 0 {
		t.Error("No overlay or detection expected without a camera")
	}

	errorsLogged := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	if errorsLogged != 1 {
		t.Errorf("Expected exactly one error log entry, got %d", errorsLogged)
	}
}

func TestRunRendersAtDisplaySize(t *testing.T) {
	backend := &fakeBackend{result: types.DetectionResult{{
		Score: 0.9,
		Box:   types.Box{X: 200, Y: 120, Width: 160, Height: 120},
	}}}

	reports := make(chan poller.Report, 16)
	app, err := New(testConfig(),
		WithFetcher(newMemFetcher(t)),
		WithStreamerFactory((&countingFactory{streamer: camera(640, 480)}).New),
		WithBackend(backend),
		WithListener(func(r poller.Report) {
			select {
			case reports <- r:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	var report poller.Report
	select {
	case report = <-reports:
	case <-time.After(3 * time.Second):
		cancel()
		t.Fatal("no detection cycle ran")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}

	if report.Err != nil {
		t.Fatalf("Cycle failed: %v", report.Err)
	}
	display := types.Dimensions{Width: 720, Height: 560}
	if got := app.Canvas().Size(); got != display {
		t.Errorf("Canvas size = %v, want %v", got, display)
	}
	if app.Video().VideoSize() != (types.Dimensions{Width: 640, Height: 480}) {
		t.Errorf("Unexpected native size %v", app.Video().VideoSize())
	}

	want := types.Box{X: 225, Y: 140, Width: 180, Height: 140}
	if len(report.Result) != 1 || !closeBox(report.Result[0].Box, want) {
		t.Errorf("Expected box %+v at display size, got %+v", want, report.Result)
	}
	if app.Stats().Completed == 0 {
		t.Error("Expected completed cycles in stats")
	}
}

// oneFrameCamera delivers a single frame and then ends cleanly
func oneFrameCamera(w, h int) *fakeStreamer {
	s := camera(w, h)
	close(s.frames)
	return s
}

func TestOneFrameStreamStillPlays(t *testing.T) {
	for i := 0; i < 20; i++ {
		log, hook := test.NewNullLogger()
		app, err := New(testConfig(),
			WithLogger(log),
			WithFetcher(newMemFetcher(t)),
			WithStreamerFactory((&countingFactory{streamer: oneFrameCamera(640, 480)}).New),
			WithBackend(&fakeBackend{}),
		)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = app.Run(ctx)
		cancel()
		if err != nil {
			t.Fatalf("run %d: Run returned %v", i, err)
		}
		if app.Canvas() == nil {
			t.Fatalf("run %d: expected a canvas once the frame played", i)
		}

		ended := 0
		for _, entry := range hook.AllEntries() {
			if entry.Message == "video stream ended, detection stopped" {
				ended++
			}
		}
		if ended != 1 {
			t.Fatalf("run %d: expected one stream end warning, got %d", i, ended)
		}
	}
}

func TestStreamFailureStopsPolling(t *testing.T) {
	streamer := camera(640, 480)
	reports := make(chan poller.Report, 16)
	app, err := New(testConfig(),
		WithFetcher(newMemFetcher(t)),
		WithStreamerFactory((&countingFactory{streamer: streamer}).New),
		WithBackend(&fakeBackend{}),
		WithListener(func(r poller.Report) {
			select {
			case reports <- r:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-reports:
	case <-time.After(3 * time.Second):
		t.Fatal("no detection cycle ran")
	}

	select {
	case streamer.errs <- errors.New("read error: EOF"):
	case <-time.After(time.Second):
		t.Fatal("element is not reading stream errors")
	}

	select {
	case err = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("polling kept running after the stream failed")
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StagePoll {
		t.Fatalf("Expected poll stage error, got %v", err)
	}
	if !errors.Is(err, media.ErrStreamEnded) {
		t.Errorf("Expected ErrStreamEnded, got %v", err)
	}
}

func closeBox(a, b types.Box) bool {
	near := func(x, y float64) bool { return math.Abs(x-y) < 1e-6 }
	return near(a.X, b.X) && near(a.Y, b.Y) && near(a.Width, b.Width) && near(a.Height, b.Height)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Detector.InputSize = 100
	if _, err := New(cfg, WithBackend(&fakeBackend{})); err == nil {
		t.Error("Expected invalid input size to be rejected")
	}
}

func TestNewBackend(t *testing.T) {
	tests := []struct {
		backend string
		url     string
		wantErr bool
	}{
		{config.BackendRemote, "ws://localhost:8080/ws", false},
		{config.BackendOllama, "", false},
		{config.BackendLlamaCpp, "", false},
		{config.BackendOllama, "localhost", true},
		{"tflite", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := config.Default().Detector
			cfg.Backend = tt.backend
			cfg.URL = tt.url
			_, err := NewBackend(cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewBackend(%s, %q) error = %v, wantErr %v", tt.backend, tt.url, err, tt.wantErr)
			}
		})
	}
}
