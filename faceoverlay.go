// Package faceoverlay draws live face detection overlays over a camera stream.
//
// The application runs as a fixed sequence of stages. It first loads the four
// detection models (tiny face detector, 68-point landmarks, recognition and
// expressions) and waits for all of them. Next it opens the camera and binds
// the stream to a video element. When playback starts it creates a
// transparent canvas sized to the element's display size. Finally it polls
// the detector on a fixed interval and redraws the canvas after every cycle.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//		"os/signal"
//		"syscall"
//
//		"github.com/menta2k/face-overlay"
//		"github.com/menta2k/face-overlay/internal/config"
//	)
//
//	func main() {
//		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//		defer stop()
//
//		app, err := faceoverlay.New(config.Default())
//		if err != nil {
//			log.Fatal(err)
//		}
//		if err := app.Run(ctx); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// Inference is delegated to a detection backend: a websocket inference
// server (remote) or a vision language model served by Ollama or llama.cpp.
// The overlay can be watched through the optional preview server, and frames
// with faces can be written to disk as snapshots.
package faceoverlay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/face-overlay/internal/config"
	"github.com/menta2k/face-overlay/internal/logger"
	"github.com/menta2k/face-overlay/pkg/capture"
	"github.com/menta2k/face-overlay/pkg/detection"
	"github.com/menta2k/face-overlay/pkg/llamacpp"
	"github.com/menta2k/face-overlay/pkg/media"
	"github.com/menta2k/face-overlay/pkg/models"
	"github.com/menta2k/face-overlay/pkg/ollama"
	"github.com/menta2k/face-overlay/pkg/overlay"
	"github.com/menta2k/face-overlay/pkg/poller"
	"github.com/menta2k/face-overlay/pkg/preview"
	"github.com/menta2k/face-overlay/pkg/remote"
	"github.com/menta2k/face-overlay/pkg/snapshot"
	"github.com/menta2k/face-overlay/pkg/types"
)

// Version of the face overlay application
const Version = "1.0.0"

// Stage names one step of the startup pipeline
type Stage string

const (
	StageLoadModels    Stage = "load_models"
	StageAcquireMedia  Stage = "acquire_media"
	StageAwaitPlayback Stage = "await_playback"
	StagePoll          Stage = "poll"
)

// StageError reports which stage stopped the application
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Default server URLs for the vision language model backends
const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultLlamaCppURL = "http://localhost:8080"
)

// Option configures an App
type Option func(*App)

// WithLogger sets the application logger
func WithLogger(log *logrus.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithBackend replaces the detection backend built from the configuration
func WithBackend(b detection.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithStreamerFactory replaces the camera source factory
func WithStreamerFactory(f capture.Factory) Option {
	return func(a *App) { a.factory = f }
}

// WithFetcher replaces how model files are fetched
func WithFetcher(f models.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithListener registers fn for every detection cycle report
func WithListener(fn poller.Listener) Option {
	return func(a *App) { a.listeners = append(a.listeners, fn) }
}

// App threads the configuration and every stage's output through one run
type App struct {
	cfg       *config.Config
	log       *logrus.Logger
	backend   detection.Backend
	factory   capture.Factory
	fetcher   models.Fetcher
	listeners []poller.Listener

	video   *media.VideoElement
	preview *preview.Server

	mu     sync.Mutex
	nets   *models.Nets
	canvas *overlay.Canvas
	poller *poller.Poller
}

// New validates cfg and builds an App. The detection backend is created from
// cfg unless WithBackend is given.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.Discard()
	}
	if a.factory == nil {
		a.factory = capture.NewStreamer
	}
	if a.fetcher == nil {
		a.fetcher = models.DefaultFetcher{Client: &http.Client{Timeout: cfg.Models.Timeout.Duration}}
	}
	if a.backend == nil {
		backend, err := NewBackend(cfg.Detector, a.log)
		if err != nil {
			return nil, err
		}
		a.backend = backend
	}

	a.video = media.NewVideoElement(cfg.Display.Width, cfg.Display.Height, a.log)
	if cfg.Preview.Enabled {
		a.preview = preview.NewServer(cfg.Preview, a.video, a.log)
	}
	return a, nil
}

// NewBackend builds the detection backend named by cfg.Backend
func NewBackend(cfg config.DetectorConfig, log *logrus.Logger) (detection.Backend, error) {
	switch cfg.Backend {
	case config.BackendRemote:
		return remote.NewBackend(cfg.URL, cfg.SendQuality, cfg.Timeout.Duration, log), nil
	case config.BackendOllama:
		url := cfg.URL
		if url == "" {
			url = DefaultOllamaURL
		}
		c, err := ollama.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return detection.NewVisionBackend(c, cfg.Model, cfg.SendQuality), nil
	case config.BackendLlamaCpp:
		url := cfg.URL
		if url == "" {
			url = DefaultLlamaCppURL
		}
		c, err := llamacpp.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return detection.NewVisionBackend(c, cfg.Model, cfg.SendQuality), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s (use remote, ollama or llamacpp)", cfg.Backend)
	}
}

// Run executes every stage in order and then polls until ctx is cancelled.
// A cancelled context is a clean shutdown and returns nil.
func (a *App) Run(ctx context.Context) error {
	defer a.video.Close()
	if c, ok := a.backend.(interface{ Close() error }); ok {
		defer c.Close()
	}

	if a.preview == nil {
		return a.run(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	g.Go(func() error {
		defer stop()
		return a.run(runCtx)
	})
	g.Go(func() error {
		if err := a.preview.Start(runCtx); err != nil {
			return fmt.Errorf("preview server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (a *App) run(ctx context.Context) error {
	nets, err := a.loadModels(ctx)
	if err != nil {
		return stageError(ctx, StageLoadModels, err)
	}

	ready := a.onPlay()
	stream, err := a.acquireMedia(ctx)
	if err != nil {
		return stageError(ctx, StageAcquireMedia, err)
	}

	canvas, display, err := a.awaitPlayback(ctx, stream, ready)
	if err != nil {
		return stageError(ctx, StageAwaitPlayback, err)
	}

	if err := a.poll(ctx, nets, canvas, display); err != nil {
		return stageError(ctx, StagePoll, err)
	}
	return nil
}

func stageError(ctx context.Context, stage Stage, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

func (a *App) loadModels(ctx context.Context) (*models.Nets, error) {
	uri := a.cfg.Models.URI()
	a.log.WithField("uri", uri).Info("loading detection models")

	nets, err := models.NewLoader(a.fetcher, a.log).LoadAll(ctx, uri)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.nets = nets
	a.mu.Unlock()
	return nets, nil
}

func (a *App) acquireMedia(ctx context.Context) (*media.Stream, error) {
	acquirer := media.NewAcquirer(a.cfg.Camera, a.factory, a.log)
	stream, err := acquirer.GetUserMedia(ctx, media.Constraints{})
	if err != nil {
		return nil, err
	}
	if err := a.video.SetSrcObject(ctx, stream); err != nil {
		stream.Stop()
		return nil, err
	}
	return stream, nil
}

// onPlay registers the listener that creates the overlay canvas once the
// first frame is shown. It must run before a stream is bound.
func (a *App) onPlay() <-chan *overlay.Canvas {
	ready := make(chan *overlay.Canvas, 1)
	a.video.AddPlayListener(func() {
		canvas := overlay.CreateCanvasFromMedia(a.video)
		overlay.MatchDimensions(canvas, a.video.DisplaySize())
		ready <- canvas
	})
	return ready
}

func (a *App) awaitPlayback(ctx context.Context, stream *media.Stream, ready <-chan *overlay.Canvas) (*overlay.Canvas, types.Dimensions, error) {
	select {
	case canvas := <-ready:
		return a.playing(stream, canvas), canvas.Size(), nil
	case <-a.video.Ended():
		// the play listener runs before the element ends, so a short
		// stream that did play has its canvas waiting
		select {
		case canvas := <-ready:
			return a.playing(stream, canvas), canvas.Size(), nil
		default:
		}
		return nil, types.Dimensions{}, errors.New("stream ended before playback started")
	case <-ctx.Done():
		return nil, types.Dimensions{}, ctx.Err()
	}
}

func (a *App) playing(stream *media.Stream, canvas *overlay.Canvas) *overlay.Canvas {
	display := canvas.Size()
	a.mu.Lock()
	a.canvas = canvas
	a.mu.Unlock()
	if a.preview != nil {
		a.preview.SetCanvas(canvas, display)
	}
	a.log.WithFields(logrus.Fields{
		"stream":  stream.ID,
		"native":  a.video.VideoSize().String(),
		"display": display.String(),
	}).Info("playback started")
	return canvas
}

func (a *App) poll(ctx context.Context, nets *models.Nets, canvas *overlay.Canvas, display types.Dimensions) error {
	detector := detection.NewDetector(nets, a.backend, a.log)
	opts := detection.TinyFaceDetectorOptions{
		InputSize:      a.cfg.Detector.InputSize,
		ScoreThreshold: a.cfg.Detector.ScoreThreshold,
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	renderer := overlay.NewRenderer(a.log)
	render := func(raw types.DetectionResult) types.DetectionResult {
		return renderer.Render(canvas, raw, display)
	}

	p := poller.New(a.cfg.Poller, a.video, poller.DetectorPipeline(detector, opts), render, a.log)
	if a.preview != nil {
		p.AddListener(a.preview.Publish)
	}
	if a.cfg.Snapshot.Enabled {
		p.AddListener(snapshot.NewWriter(a.cfg.Snapshot, display, a.log).Handle)
	}
	for _, fn := range a.listeners {
		p.AddListener(fn)
	}

	a.mu.Lock()
	a.poller = p
	a.mu.Unlock()

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.video.Ended():
			cancel()
		case <-pctx.Done():
		}
	}()

	if err := p.Run(pctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	// the stream stopped under a running poller
	err := a.video.Err()
	entry := a.log.WithField("frames", a.video.FrameCount())
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("video stream ended, detection stopped")
	return err
}

// Nets returns the loaded models, or nil before the load stage has finished
func (a *App) Nets() *models.Nets {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nets
}

// Canvas returns the overlay canvas, or nil before playback has started
func (a *App) Canvas() *overlay.Canvas {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canvas
}

// Video returns the video element the camera stream is bound to
func (a *App) Video() *media.VideoElement {
	return a.video
}

// Stats returns the detection loop counters
func (a *App) Stats() poller.Stats {
	a.mu.Lock()
	p := a.poller
	a.mu.Unlock()
	if p == nil {
		return poller.Stats{}
	}
	return p.Stats()
}
