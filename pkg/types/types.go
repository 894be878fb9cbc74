package types

import (
	"fmt"
	"sort"
)

// DetectionModel identifies one of the pre-trained networks the detector relies on
type DetectionModel int

const (
	TinyFaceDetector DetectionModel = iota
	FaceLandmark68Net
	FaceRecognitionNet
	FaceExpressionNet
)

var modelNames = map[DetectionModel]string{
	TinyFaceDetector:   "tiny_face_detector_model",
	FaceLandmark68Net:  "face_landmark_68_model",
	FaceRecognitionNet: "face_recognition_model",
	FaceExpressionNet:  "face_expression_model",
}

// AllModels returns every model variant in load order
func AllModels() []DetectionModel {
	return []DetectionModel{TinyFaceDetector, FaceLandmark68Net, FaceRecognitionNet, FaceExpressionNet}
}

// String returns the model's canonical name
func (m DetectionModel) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return fmt.Sprintf("model(%d)", int(m))
}

// ManifestName returns the file name of the model's weights manifest
func (m DetectionModel) ManifestName() string {
	return m.String() + "-weights_manifest.json"
}

// Dimensions is a width/height pair in pixels
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether either side is not positive
func (d Dimensions) Empty() bool {
	return d.Width <= 0 || d.Height <= 0
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Box is a bounding region in pixel coordinates of the image it was computed on
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Right returns the x coordinate of the right edge
func (b Box) Right() float64 { return b.X + b.Width }

// Bottom returns the y coordinate of the bottom edge
func (b Box) Bottom() float64 { return b.Y + b.Height }

// Scale returns the box scaled independently along each axis
func (b Box) Scale(sx, sy float64) Box {
	return Box{X: b.X * sx, Y: b.Y * sy, Width: b.Width * sx, Height: b.Height * sy}
}

// Point is a single landmark position in pixel coordinates
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Expression labels reported by the expression classifier
const (
	Neutral   = "neutral"
	Happy     = "happy"
	Sad       = "sad"
	Angry     = "angry"
	Fearful   = "fearful"
	Disgusted = "disgusted"
	Surprised = "surprised"
)

// ExpressionLabels returns the classifier's labels in output order
func ExpressionLabels() []string {
	return []string{Neutral, Happy, Sad, Angry, Fearful, Disgusted, Surprised}
}

// Expressions maps an expression label to its confidence score
type Expressions map[string]float64

// ExpressionScore is one entry of Expressions
type ExpressionScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Sorted returns the scores ordered by descending confidence, ties broken by label
func (e Expressions) Sorted() []ExpressionScore {
	out := make([]ExpressionScore, 0, len(e))
	for label, score := range e {
		out = append(out, ExpressionScore{Label: label, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Label < out[j].Label
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// Top returns the most confident expression, if any
func (e Expressions) Top() (ExpressionScore, bool) {
	sorted := e.Sorted()
	if len(sorted) == 0 {
		return ExpressionScore{}, false
	}
	return sorted[0], true
}

// LandmarkCount is the number of points produced by the 68-point landmark model
const LandmarkCount = 68

// FaceDetection is everything known about one face in a single frame
type FaceDetection struct {
	Score       float64     `json:"score"`
	Box         Box         `json:"box"`
	ImageDims   Dimensions  `json:"image_dims"`
	Landmarks   []Point     `json:"landmarks,omitempty"`
	Expressions Expressions `json:"expressions,omitempty"`
}

// DetectionResult holds one record per detected face, in detector order
type DetectionResult []FaceDetection

// NormalizedBox is a bounding region with every coordinate in [0,1]
type NormalizedBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// FaceReport is one face as described by a vision language model, in
// coordinates normalized to the image size
type FaceReport struct {
	Confidence  float64       `json:"confidence"`
	Box         NormalizedBox `json:"box"`
	Landmarks   [][2]float64  `json:"landmarks,omitempty"`
	Expressions Expressions   `json:"expressions,omitempty"`
}

// FaceAnalysis is the structured answer of a vision language model
type FaceAnalysis struct {
	Faces []FaceReport `json:"faces"`
}
