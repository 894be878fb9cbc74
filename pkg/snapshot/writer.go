package snapshot

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/menta2k/face-overlay/internal/config"
	"github.com/menta2k/face-overlay/internal/logger"
	"github.com/menta2k/face-overlay/internal/utils"
	"github.com/menta2k/face-overlay/pkg/overlay"
	"github.com/menta2k/face-overlay/pkg/poller"
	"github.com/menta2k/face-overlay/pkg/processing"
	"github.com/menta2k/face-overlay/pkg/types"
)

const filePrefix = "faces_"

// Writer saves composited frames of cycles that found at least one face
type Writer struct {
	cfg       config.SnapshotConfig
	display   types.Dimensions
	limiter   *rate.Limiter
	renderer  *overlay.Renderer
	processor *processing.Processor
	log       *logrus.Logger

	seq     atomic.Uint64
	written atomic.Uint64
}

// NewWriter creates a writer that composites at the display size
func NewWriter(cfg config.SnapshotConfig, display types.Dimensions, log *logrus.Logger) *Writer {
	if log == nil {
		log = logger.Discard()
	}
	perSecond := cfg.MaxPerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Writer{
		cfg:       cfg,
		display:   display,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), 1),
		renderer:  overlay.NewRenderer(log),
		processor: processing.NewProcessor(),
		log:       log,
	}
}

// Save writes a snapshot for r and returns its path. Failed cycles, cycles
// without faces and cycles over the rate limit are skipped with an empty path.
func (w *Writer) Save(r poller.Report) (string, error) {
	if r.Err != nil || len(r.Result) == 0 || r.Frame.Image == nil {
		return "", nil
	}
	if !w.limiter.Allow() {
		return "", nil
	}

	if err := utils.EnsureDir(w.cfg.Dir); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	canvas := overlay.NewCanvas(w.display.Width, w.display.Height)
	w.renderer.Render(canvas, r.Result, w.display)
	img := w.processor.Composite(r.Frame.Image, canvas.Snapshot(), w.display)

	path := utils.SnapshotFilename(w.cfg.Dir, filePrefix, r.StartedAt, w.seq.Add(1), w.cfg.Format)
	if err := w.processor.SaveImage(img, path, w.cfg.Format, w.cfg.Quality, w.cfg.Lossless); err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}
	w.written.Add(1)
	return path, nil
}

// Handle is a poller listener that saves snapshots and logs failures
func (w *Writer) Handle(r poller.Report) {
	path, err := w.Save(r)
	if err != nil {
		w.log.WithField("cycle", r.ID).WithError(err).Warn("snapshot failed")
		return
	}
	if path != "" {
		w.log.WithFields(logrus.Fields{
			"cycle": r.ID,
			"faces": len(r.Result),
			"path":  path,
		}).Debug("snapshot saved")
	}
}

// Written returns how many snapshots were saved
func (w *Writer) Written() uint64 {
	return w.written.Load()
}
