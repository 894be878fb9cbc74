package snapshot

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/menta2k/face-overlay/internal/config"
	"github.com/menta2k/face-overlay/pkg/media"
	"github.com/menta2k/face-overlay/pkg/poller"
	"github.com/menta2k/face-overlay/pkg/processing"
	"github.com/menta2k/face-overlay/pkg/types"
)

var display = types.Dimensions{Width: 72, Height: 56}

func snapshotConfig(dir, format string) config.SnapshotConfig {
	cfg := config.Default().Snapshot
	cfg.Enabled = true
	cfg.Dir = dir
	cfg.Format = format
	cfg.MaxPerSecond = 1
	return cfg
}

func faceReport() poller.Report {
	return poller.Report{
		ID:        "cycle",
		StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Frame:     media.Frame{Image: image.NewRGBA(image.Rect(0, 0, 64, 48)), Seq: 1},
		Result: types.DetectionResult{{
			Score:     0.9,
			Box:       types.Box{X: 10, Y: 10, Width: 30, Height: 30},
			ImageDims: display,
		}},
	}
}

func TestSaveWritesDisplaySizedComposite(t *testing.T) {
	for _, format := range []string{"jpg", "png", "webp"} {
		t.Run(format, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "snaps")
			w := NewWriter(snapshotConfig(dir, format), display, nil)

			path, err := w.Save(faceReport())
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if !strings.HasSuffix(path, "."+format) || !strings.HasPrefix(filepath.Base(path), filePrefix) {
				t.Errorf("Unexpected path %s", path)
			}

			img, err := processing.NewProcessor().LoadImage(path)
			if err != nil {
				t.Fatalf("failed to read snapshot: %v", err)
			}
			if img.Bounds().Dx() != display.Width || img.Bounds().Dy() != display.Height {
				t.Errorf("Expected display-sized snapshot, got %v", img.Bounds())
			}
			if w.Written() != 1 {
				t.Errorf("Expected one snapshot, got %d", w.Written())
			}
		})
	}
}

func TestSaveSkipsCyclesWithoutFaces(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(snapshotConfig(dir, "png"), display, nil)

	empty := faceReport()
	empty.Result = types.DetectionResult{}
	failed := faceReport()
	failed.Err = errors.New("timeout")

	for _, r := range []poller.Report{empty, failed} {
		if path, err := w.Save(r); err != nil || path != "" {
			t.Errorf("Expected skip, got %q, %v", path, err)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected no files, got %d", len(entries))
	}
}

func TestSaveIsRateLimited(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(snapshotConfig(dir, "png"), display, nil)

	for i := 0; i < 5; i++ {
		w.Handle(faceReport())
	}
	if w.Written() != 1 {
		t.Errorf("Expected a single snapshot within the rate limit, got %d", w.Written())
	}
}
