package poller

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/face-overlay/internal/config"
	"github.com/menta2k/face-overlay/internal/logger"
	"github.com/menta2k/face-overlay/pkg/detection"
	"github.com/menta2k/face-overlay/pkg/media"
	"github.com/menta2k/face-overlay/pkg/types"
)

// FrameSource provides the frame currently on display
type FrameSource interface {
	CurrentFrame() (media.Frame, bool)
}

// DetectFunc runs the full detection chain on one frame
type DetectFunc func(ctx context.Context, frame image.Image) (types.DetectionResult, error)

// RenderFunc draws a raw result and returns it rescaled to the display
type RenderFunc func(raw types.DetectionResult) types.DetectionResult

// Listener is notified after every finished cycle. It runs on the cycle's
// goroutine and should return quickly.
type Listener func(Report)

// Report describes one detection cycle
type Report struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Frame     media.Frame
	Result    types.DetectionResult
	Err       error
}

// Faces returns the number of faces found in the cycle
func (r Report) Faces() int {
	return len(r.Result)
}

// Stats counts what the poller has done so far
type Stats struct {
	Ticks       uint64
	Started     uint64
	Completed   uint64
	Failed      uint64
	Skipped     uint64
	Queued      uint64
	AvgDuration time.Duration
}

// DetectorPipeline chains face detection, landmarks and expressions
func DetectorPipeline(d *detection.Detector, opts detection.TinyFaceDetectorOptions) DetectFunc {
	return func(ctx context.Context, frame image.Image) (types.DetectionResult, error) {
		return d.DetectAllFaces(frame, opts).
			WithFaceLandmarks().
			WithFaceExpressions().
			Run(ctx)
	}
}

// Poller runs one detection cycle per interval. At most one cycle is in
// flight; ticks that arrive while one runs are dropped or, with the queue
// overlap policy, coalesced into a single follow-up cycle.
type Poller struct {
	interval      time.Duration
	overlap       string
	statsInterval time.Duration

	source FrameSource
	detect DetectFunc
	render RenderFunc
	log    *logrus.Logger

	listenersMu sync.RWMutex
	listeners   []Listener

	mu       sync.Mutex
	inFlight bool
	pending  bool
	wg       sync.WaitGroup

	ticks      atomic.Uint64
	started    atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	skipped    atomic.Uint64
	queued     atomic.Uint64
	cycleNanos atomic.Uint64
}

// New creates a poller. A nil render func leaves results unscaled.
func New(cfg config.PollerConfig, source FrameSource, detect DetectFunc, render RenderFunc, log *logrus.Logger) *Poller {
	if log == nil {
		log = logger.Discard()
	}
	if render == nil {
		render = func(raw types.DetectionResult) types.DetectionResult { return raw }
	}
	interval := cfg.Interval.Duration
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	overlap := cfg.Overlap
	if overlap == "" {
		overlap = config.OverlapSkip
	}
	return &Poller{
		interval:      interval,
		overlap:       overlap,
		statsInterval: cfg.StatsInterval.Duration,
		source:        source,
		detect:        detect,
		render:        render,
		log:           log,
	}
}

// AddListener registers fn for every subsequent cycle report
func (p *Poller) AddListener(fn Listener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Run ticks every interval until ctx is cancelled, then waits for the
// in-flight cycle to finish
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var statsC <-chan time.Time
	if p.statsInterval > 0 {
		statsTicker := time.NewTicker(p.statsInterval)
		defer statsTicker.Stop()
		statsC = statsTicker.C
	}

	p.log.WithFields(logrus.Fields{
		"interval": p.interval,
		"overlap":  p.overlap,
	}).Info("detection polling started")

	for {
		select {
		case <-ctx.Done():
			p.Wait()
			p.logStats()
			p.log.Info("detection polling stopped")
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		case <-statsC:
			p.logStats()
		}
	}
}

// Tick starts a cycle unless one is already in flight. It reports whether a
// new cycle was started.
func (p *Poller) Tick(ctx context.Context) bool {
	p.ticks.Add(1)

	p.mu.Lock()
	if p.inFlight {
		if p.overlap == config.OverlapQueue && !p.pending {
			p.pending = true
			p.mu.Unlock()
			p.queued.Add(1)
			return false
		}
		p.mu.Unlock()
		p.skipped.Add(1)
		p.log.Trace("tick skipped, cycle in flight")
		return false
	}
	p.inFlight = true
	p.wg.Add(1)
	p.mu.Unlock()

	go p.drain(ctx)
	return true
}

// Wait blocks until no cycle is in flight
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) drain(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.cycle(ctx)

		p.mu.Lock()
		if !p.pending || ctx.Err() != nil {
			p.inFlight = false
			p.pending = false
			p.mu.Unlock()
			return
		}
		p.pending = false
		p.mu.Unlock()
	}
}

func (p *Poller) cycle(ctx context.Context) {
	frame, ok := p.source.CurrentFrame()
	if !ok || frame.Image == nil {
		p.skipped.Add(1)
		p.log.Trace("no frame yet, cycle skipped")
		return
	}

	report := Report{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Frame:     frame,
	}
	p.started.Add(1)

	raw, err := p.detect(ctx, frame.Image)
	report.Duration = time.Since(report.StartedAt)
	p.cycleNanos.Add(uint64(report.Duration.Nanoseconds()))

	entry := p.log.WithFields(logrus.Fields{
		"cycle":    report.ID,
		"frame":    frame.Seq,
		"duration": report.Duration.Round(time.Millisecond),
	})
	if err != nil {
		p.failed.Add(1)
		report.Err = err
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			entry.WithError(err).Debug("detection cycle cancelled")
		} else {
			entry.WithError(err).Warn("detection cycle failed")
		}
	} else {
		report.Result = p.render(raw)
		p.completed.Add(1)
		entry.WithField("faces", len(report.Result)).Trace("detection cycle finished")
	}

	p.listenersMu.RLock()
	listeners := p.listeners
	p.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(report)
	}
}

// Stats returns a snapshot of the counters
func (p *Poller) Stats() Stats {
	s := Stats{
		Ticks:     p.ticks.Load(),
		Started:   p.started.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
		Queued:    p.queued.Load(),
	}
	if finished := s.Completed + s.Failed; finished > 0 {
		s.AvgDuration = time.Duration(p.cycleNanos.Load() / finished)
	}
	return s
}

func (p *Poller) logStats() {
	s := p.Stats()
	p.log.WithFields(logrus.Fields{
		"ticks":     s.Ticks,
		"started":   s.Started,
		"completed": s.Completed,
		"failed":    s.Failed,
		"skipped":   s.Skipped,
		"queued":    s.Queued,
		"avg_cycle": s.AvgDuration.Round(time.Millisecond),
	}).Debug("poller stats")
}
