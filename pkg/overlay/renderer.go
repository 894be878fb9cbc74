package overlay

import (
	"image"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/face-overlay/internal/logger"
	"github.com/menta2k/face-overlay/pkg/types"
)

// Renderer turns detection results into overlay pixels
type Renderer struct {
	Box         DrawBoxOptions
	Landmarks   DrawLandmarksOptions
	Expressions DrawExpressionsOptions

	log *logrus.Logger
}

// NewRenderer creates a renderer with the default drawing styles
func NewRenderer(log *logrus.Logger) *Renderer {
	if log == nil {
		log = logger.Discard()
	}
	return &Renderer{
		Box:         DefaultDrawBoxOptions(),
		Landmarks:   DefaultDrawLandmarksOptions(),
		Expressions: DefaultDrawExpressionsOptions(),
		log:         log,
	}
}

// Render rescales raw to size, clears the canvas and draws boxes, landmarks
// and expressions in that order. The whole redraw happens under the canvas
// lock, so readers never see a half-drawn frame. It returns the rescaled
// result.
func (r *Renderer) Render(canvas *Canvas, raw types.DetectionResult, size types.Dimensions) types.DetectionResult {
	resized := types.ResizeResults(raw, size)
	if resized == nil {
		resized = types.DetectionResult{}
	}

	canvas.Draw(func(img *image.NRGBA) {
		clear(img.Pix)
		DrawDetections(img, resized, r.Box)
		DrawFaceLandmarks(img, resized, r.Landmarks)
		DrawFaceExpressions(img, resized, r.Expressions)
	})

	r.log.WithFields(logrus.Fields{
		"faces": len(resized),
		"size":  size.String(),
	}).Trace("overlay rendered")
	return resized
}
