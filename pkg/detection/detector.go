package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/face-overlay/internal/logger"
	"github.com/menta2k/face-overlay/pkg/models"
	"github.com/menta2k/face-overlay/pkg/types"
)

// ErrModelNotLoaded is returned when a task needs a model that is not in the registry
var ErrModelNotLoaded = errors.New("detection model not loaded")

// TinyFaceDetectorOptions configures the face detection stage
type TinyFaceDetectorOptions struct {
	InputSize      int
	ScoreThreshold float64
}

// DefaultTinyFaceDetectorOptions returns the stock detector settings
func DefaultTinyFaceDetectorOptions() TinyFaceDetectorOptions {
	return TinyFaceDetectorOptions{InputSize: 416, ScoreThreshold: 0.5}
}

// Validate checks the options
func (o TinyFaceDetectorOptions) Validate() error {
	if o.InputSize <= 0 || o.InputSize%32 != 0 {
		return fmt.Errorf("input size %d must be a positive multiple of 32", o.InputSize)
	}
	if o.ScoreThreshold < 0 || o.ScoreThreshold > 1 {
		return fmt.Errorf("score threshold %v must be in [0,1]", o.ScoreThreshold)
	}
	return nil
}

// Request describes one detection pass for a backend
type Request struct {
	Options         TinyFaceDetectorOptions
	WithLandmarks   bool
	WithExpressions bool
}

// Backend runs inference on a single frame. Returned coordinates are in
// pixels of the frame passed in.
type Backend interface {
	Detect(ctx context.Context, frame image.Image, req Request) (types.DetectionResult, error)
}

// Detector builds detection tasks over a backend and the loaded models
type Detector struct {
	nets    *models.Nets
	backend Backend
	log     *logrus.Logger
}

// NewDetector creates a detector
func NewDetector(nets *models.Nets, backend Backend, log *logrus.Logger) *Detector {
	if log == nil {
		log = logger.Discard()
	}
	return &Detector{nets: nets, backend: backend, log: log}
}

// Task is a pending detection; chain With* calls then Run it
type Task struct {
	detector *Detector
	frame    image.Image
	req      Request
}

// DetectAllFaces starts a task that finds every face in frame
func (d *Detector) DetectAllFaces(frame image.Image, opts TinyFaceDetectorOptions) *Task {
	return &Task{detector: d, frame: frame, req: Request{Options: opts}}
}

// WithFaceLandmarks adds the 68-point landmark stage
func (t *Task) WithFaceLandmarks() *Task {
	next := *t
	next.req.WithLandmarks = true
	return &next
}

// WithFaceExpressions adds the expression stage
func (t *Task) WithFaceExpressions() *Task {
	next := *t
	next.req.WithExpressions = true
	return &next
}

// RequiredModels returns the models the task needs
func (t *Task) RequiredModels() []types.DetectionModel {
	required := []types.DetectionModel{types.TinyFaceDetector}
	if t.req.WithLandmarks {
		required = append(required, types.FaceLandmark68Net)
	}
	if t.req.WithExpressions {
		required = append(required, types.FaceExpressionNet)
	}
	return required
}

// Run executes the whole chain. Faces under the score threshold are dropped
// and every face carries the dimensions of the frame it was found in.
func (t *Task) Run(ctx context.Context) (types.DetectionResult, error) {
	d := t.detector
	if missing := d.nets.Missing(t.RequiredModels()...); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrModelNotLoaded, missing)
	}
	if err := t.req.Options.Validate(); err != nil {
		return nil, err
	}
	if t.frame == nil {
		return nil, fmt.Errorf("no frame to detect on")
	}
	if d.backend == nil {
		return nil, fmt.Errorf("no detection backend configured")
	}

	start := time.Now()
	raw, err := d.backend.Detect(ctx, t.frame, t.req)
	if err != nil {
		return nil, fmt.Errorf("detection failed: %w", err)
	}

	b := t.frame.Bounds()
	dims := types.Dimensions{Width: b.Dx(), Height: b.Dy()}

	result := make(types.DetectionResult, 0, len(raw))
	for _, face := range raw {
		if face.Score < t.req.Options.ScoreThreshold {
			continue
		}
		if face.ImageDims.Empty() {
			face.ImageDims = dims
		}
		if !t.req.WithLandmarks || len(face.Landmarks) != types.LandmarkCount {
			face.Landmarks = nil
		}
		if !t.req.WithExpressions {
			face.Expressions = nil
		}
		result = append(result, face)
	}

	d.log.WithFields(logrus.Fields{
		"faces":    len(result),
		"dropped":  len(raw) - len(result),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Trace("detection finished")

	return result, nil
}
