package detection

import (
	"context"
	"errors"
	"image"
	"strings"
	"testing"

	"github.com/menta2k/face-overlay/pkg/models"
	"github.com/menta2k/face-overlay/pkg/types"
)

type fakeBackend struct {
	result types.DetectionResult
	err    error
	calls  int
	last   Request
}

func (f *fakeBackend) Detect(ctx context.Context, frame image.Image, req Request) (types.DetectionResult, error) {
	f.calls++
	f.last = req
	return f.result, f.err
}

func allNets() *models.Nets {
	var nets []*models.Net
	for _, m := range types.AllModels() {
		nets = append(nets, &models.Net{Model: m})
	}
	return models.NewNets(nets...)
}

func landmarks() []types.Point {
	pts := make([]types.Point, types.LandmarkCount)
	for i := range pts {
		pts[i] = types.Point{X: float64(i), Y: float64(i)}
	}
	return pts
}

func TestRunRequiresModels(t *testing.T) {
	backend := &fakeBackend{}
	nets := models.NewNets(&models.Net{Model: types.TinyFaceDetector})
	d := NewDetector(nets, backend, nil)
	frame := image.NewRGBA(image.Rect(0, 0, 64, 48))

	if _, err := d.DetectAllFaces(frame, DefaultTinyFaceDetectorOptions()).Run(context.Background()); err != nil {
		t.Fatalf("Detection with detector model only failed: %v", err)
	}

	_, err := d.DetectAllFaces(frame, DefaultTinyFaceDetectorOptions()).WithFaceLandmarks().Run(context.Background())
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("Expected ErrModelNotLoaded, got %v", err)
	}

	_, err = NewDetector(nil, backend, nil).DetectAllFaces(frame, DefaultTinyFaceDetectorOptions()).Run(context.Background())
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("Expected ErrModelNotLoaded without registry, got %v", err)
	}

	if backend.calls != 1 {
		t.Errorf("Backend must not run without models, calls = %d", backend.calls)
	}
}

func TestRunFiltersAndStamps(t *testing.T) {
	backend := &fakeBackend{result: types.DetectionResult{
		{Score: 0.9, Box: types.Box{X: 1, Y: 2, Width: 10, Height: 12}, Landmarks: landmarks(), Expressions: types.Expressions{"happy": 1}},
		{Score: 0.3, Box: types.Box{X: 5, Y: 5, Width: 5, Height: 5}},
		{Score: 0.6, Box: types.Box{X: 3, Y: 3, Width: 4, Height: 4}, Landmarks: []types.Point{{X: 1, Y: 1}}},
	}}
	d := NewDetector(allNets(), backend, nil)
	frame := image.NewRGBA(image.Rect(0, 0, 640, 480))

	task := d.DetectAllFaces(frame, DefaultTinyFaceDetectorOptions()).WithFaceLandmarks().WithFaceExpressions()
	result, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !backend.last.WithLandmarks || !backend.last.WithExpressions {
		t.Errorf("Backend request missing stages: %+v", backend.last)
	}
	if len(result) != 2 {
		t.Fatalf("Expected 2 faces over threshold, got %d", len(result))
	}
	for _, face := range result {
		if face.ImageDims != (types.Dimensions{Width: 640, Height: 480}) {
			t.Errorf("Expected frame dimensions, got %v", face.ImageDims)
		}
	}
	if len(result[0].Landmarks) != types.LandmarkCount {
		t.Error("Expected landmarks on first face")
	}
	if result[1].Landmarks != nil {
		t.Error("Expected incomplete landmarks to be dropped")
	}
}

func TestRunWithoutStagesStripsAugmentations(t *testing.T) {
	backend := &fakeBackend{result: types.DetectionResult{
		{Score: 0.9, Landmarks: landmarks(), Expressions: types.Expressions{"sad": 1}},
	}}
	d := NewDetector(allNets(), backend, nil)

	result, err := d.DetectAllFaces(image.NewRGBA(image.Rect(0, 0, 10, 10)), DefaultTinyFaceDetectorOptions()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result[0].Landmarks != nil || result[0].Expressions != nil {
		t.Error("Expected detection-only result")
	}
}

func TestRunZeroFaces(t *testing.T) {
	d := NewDetector(allNets(), &fakeBackend{}, nil)
	result, err := d.DetectAllFaces(image.NewRGBA(image.Rect(0, 0, 10, 10)), DefaultTinyFaceDetectorOptions()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result == nil || len(result) != 0 {
		t.Errorf("Expected empty non-nil result, got %v", result)
	}
}

func TestRunBackendError(t *testing.T) {
	d := NewDetector(allNets(), &fakeBackend{err: errors.New("boom")}, nil)
	_, err := d.DetectAllFaces(image.NewRGBA(image.Rect(0, 0, 10, 10)), DefaultTinyFaceDetectorOptions()).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected backend error, got %v", err)
	}
}

func TestTaskChainIsImmutable(t *testing.T) {
	d := NewDetector(allNets(), &fakeBackend{}, nil)
	base := d.DetectAllFaces(nil, DefaultTinyFaceDetectorOptions())
	withLandmarks := base.WithFaceLandmarks()

	if len(base.RequiredModels()) != 1 {
		t.Errorf("Base task changed: %v", base.RequiredModels())
	}
	if len(withLandmarks.WithFaceExpressions().RequiredModels()) != 3 {
		t.Error("Expected three required models for the full chain")
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		opts    TinyFaceDetectorOptions
		wantErr bool
	}{
		{DefaultTinyFaceDetectorOptions(), false},
		{TinyFaceDetectorOptions{InputSize: 320, ScoreThreshold: 0}, false},
		{TinyFaceDetectorOptions{InputSize: 400, ScoreThreshold: 0.5}, true},
		{TinyFaceDetectorOptions{InputSize: 0, ScoreThreshold: 0.5}, true},
		{TinyFaceDetectorOptions{InputSize: 416, ScoreThreshold: 1.5}, true},
	}
	for _, tt := range tests {
		if err := tt.opts.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) error = %v, wantErr %v", tt.opts, err, tt.wantErr)
		}
	}
}
