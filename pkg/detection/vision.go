package detection

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/face-overlay/pkg/client"
	"github.com/menta2k/face-overlay/pkg/processing"
	"github.com/menta2k/face-overlay/pkg/types"
)

// FacePrompt asks a vision language model for faces as normalized JSON
const FacePrompt = `You are a face locator.

Return JSON only:
{
  "faces": [
    {
      "confidence": 0.0,
      "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}%s%s
    }
  ]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels), origin top-left.
- One entry per visible human face, tightly boxed from forehead to chin.
- confidence is your certainty that the box contains a face.%s%s
- Do not guess identities.
- If there are no faces, return {"faces": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

const (
	landmarkField   = `,
      "landmarks": [[0.0, 0.0]]`
	expressionField = `,
      "expressions": {"neutral": 0.0, "happy": 0.0, "sad": 0.0, "angry": 0.0, "fearful": 0.0, "disgusted": 0.0, "surprised": 0.0}`
	landmarkRule   = "\n- landmarks lists exactly 68 [x,y] points in the iBUG 300-W order: jaw 0-16, brows 17-26, nose 27-35, eyes 36-47, mouth 48-67."
	expressionRule = "\n- expressions gives a probability per label; the values sum to 1."
)

// BuildFacePrompt returns the prompt for the stages requested
func BuildFacePrompt(req Request) string {
	var lf, ef, lr, er string
	if req.WithLandmarks {
		lf, lr = landmarkField, landmarkRule
	}
	if req.WithExpressions {
		ef, er = expressionField, expressionRule
	}
	return fmt.Sprintf(FacePrompt, lf, ef, lr, er)
}

// VisionBackend runs detection through a vision language model
type VisionBackend struct {
	client    client.VisionClient
	model     string
	quality   int
	maxDim    int
	processor *processing.Processor
}

// NewVisionBackend creates a backend that sends frames as JPEG of the given quality
func NewVisionBackend(c client.VisionClient, model string, quality int) *VisionBackend {
	return &VisionBackend{
		client:    c,
		model:     model,
		quality:   quality,
		maxDim:    1024,
		processor: processing.NewProcessor(),
	}
}

// Detect implements Backend
func (v *VisionBackend) Detect(ctx context.Context, frame image.Image, req Request) (types.DetectionResult, error) {
	imgB64, err := v.processor.PrepareImageForModel(frame, "jpg", v.maxDim, v.quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	analysis, err := v.client.AnalyzeFaces(ctx, v.model, BuildFacePrompt(req), imgB64)
	if err != nil {
		return nil, err
	}

	b := frame.Bounds()
	dims := types.Dimensions{Width: b.Dx(), Height: b.Dy()}
	return toDetections(analysis, dims), nil
}

// toDetections maps normalized model output onto frame pixels
func toDetections(analysis *types.FaceAnalysis, dims types.Dimensions) types.DetectionResult {
	result := make(types.DetectionResult, 0, len(analysis.Faces))
	w, h := float64(dims.Width), float64(dims.Height)

	for _, f := range analysis.Faces {
		box := normalizeBox(f.Box)
		if box.W == 0 || box.H == 0 {
			continue
		}

		face := types.FaceDetection{
			Score:       clamp(f.Confidence, 0, 1),
			Box:         types.Box{X: box.X * w, Y: box.Y * h, Width: box.W * w, Height: box.H * h},
			ImageDims:   dims,
			Expressions: normalizeExpressions(f.Expressions),
		}
		if len(f.Landmarks) == types.LandmarkCount {
			face.Landmarks = make([]types.Point, len(f.Landmarks))
			for i, p := range f.Landmarks {
				face.Landmarks[i] = types.Point{X: clamp(p[0], 0, 1) * w, Y: clamp(p[1], 0, 1) * h}
			}
		}
		result = append(result, face)
	}
	return result
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox clamps a box into the unit square
func normalizeBox(b types.NormalizedBox) types.NormalizedBox {
	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	return types.NormalizedBox{
		X: x,
		Y: y,
		W: clamp(b.W, 0, 1-x),
		H: clamp(b.H, 0, 1-y),
	}
}

// normalizeExpressions keeps known labels only, lowercased and clamped
func normalizeExpressions(in types.Expressions) types.Expressions {
	if len(in) == 0 {
		return nil
	}
	known := map[string]struct{}{}
	for _, l := range types.ExpressionLabels() {
		known[l] = struct{}{}
	}

	out := types.Expressions{}
	for label, score := range in {
		label = strings.ToLower(strings.TrimSpace(label))
		if _, ok := known[label]; !ok {
			continue
		}
		out[label] = clamp(score, 0, 1)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
