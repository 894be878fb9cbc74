package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/menta2k/face-overlay/pkg/types"
)

// AnchorPosition selects which corner of a text field sits on its anchor point
type AnchorPosition int

const (
	TopLeft AnchorPosition = iota
	BottomLeft
)

// TextFieldOptions styles a block of text drawn over a filled background
type TextFieldOptions struct {
	Anchor          AnchorPosition
	BackgroundColor color.NRGBA
	FontColor       color.NRGBA
	Padding         int
}

// DrawBoxOptions styles a detection box
type DrawBoxOptions struct {
	BoxColor  color.NRGBA
	LineWidth int
	DrawLabel bool
	Label     TextFieldOptions
}

// DefaultDrawBoxOptions draws a 2px blue box with its score above it
func DefaultDrawBoxOptions() DrawBoxOptions {
	blue := color.NRGBA{R: 0, G: 0, B: 255, A: 255}
	return DrawBoxOptions{
		BoxColor:  blue,
		LineWidth: 2,
		DrawLabel: true,
		Label: TextFieldOptions{
			Anchor:          BottomLeft,
			BackgroundColor: blue,
			FontColor:       color.NRGBA{R: 255, G: 255, B: 255, A: 255},
			Padding:         2,
		},
	}
}

// DrawLandmarksOptions styles the 68-point landmark overlay
type DrawLandmarksOptions struct {
	DrawLines  bool
	DrawPoints bool
	LineWidth  int
	LineColor  color.NRGBA
	PointSize  int
	PointColor color.NRGBA
}

// DefaultDrawLandmarksOptions draws cyan contours and magenta points
func DefaultDrawLandmarksOptions() DrawLandmarksOptions {
	return DrawLandmarksOptions{
		DrawLines:  true,
		DrawPoints: true,
		LineWidth:  1,
		LineColor:  color.NRGBA{R: 0, G: 255, B: 255, A: 255},
		PointSize:  2,
		PointColor: color.NRGBA{R: 255, G: 0, B: 255, A: 255},
	}
}

// DrawExpressionsOptions styles the expression labels under each box
type DrawExpressionsOptions struct {
	MinConfidence float64
	Text          TextFieldOptions
}

// DefaultDrawExpressionsOptions lists expressions scoring above 0.1
func DefaultDrawExpressionsOptions() DrawExpressionsOptions {
	return DrawExpressionsOptions{
		MinConfidence: 0.1,
		Text: TextFieldOptions{
			Anchor:          TopLeft,
			BackgroundColor: color.NRGBA{R: 0, G: 0, B: 0, A: 128},
			FontColor:       color.NRGBA{R: 255, G: 255, B: 255, A: 255},
			Padding:         4,
		},
	}
}

// contour is a run of consecutive landmark indices joined by lines
type contour struct {
	from, to int
	closed   bool
}

var landmarkContours = []contour{
	{0, 16, false},  // jaw
	{17, 21, false}, // left brow
	{22, 26, false}, // right brow
	{27, 35, false}, // nose
	{36, 41, true},  // left eye
	{42, 47, true},  // right eye
	{48, 59, true},  // outer lip
	{60, 67, true},  // inner lip
}

// DrawDetections strokes every face box and labels it with its score
func DrawDetections(img *image.NRGBA, result types.DetectionResult, opts DrawBoxOptions) {
	for _, face := range result {
		x0, y0, x1, y1 := boxToPixels(face.Box)
		drawBox(img, x0, y0, x1, y1, opts.BoxColor, opts.LineWidth)
		if opts.DrawLabel {
			label := fmt.Sprintf("%.2f", face.Score)
			DrawTextField(img, []string{label}, image.Pt(x0, y0), opts.Label)
		}
	}
}

// DrawFaceLandmarks draws the landmark contours and points of every face
// that carries a full set of 68 landmarks
func DrawFaceLandmarks(img *image.NRGBA, result types.DetectionResult, opts DrawLandmarksOptions) {
	for _, face := range result {
		if len(face.Landmarks) != types.LandmarkCount {
			continue
		}
		lm := face.Landmarks

		if opts.DrawLines {
			clip := img.Bounds().Inset(-max(opts.LineWidth, 1))
			line := func(a, b types.Point) {
				if p0, p1, ok := clipSegment(a, b, clip); ok {
					drawLine(img, toPixel(p0), toPixel(p1), opts.LineColor, opts.LineWidth)
				}
			}
			for _, c := range landmarkContours {
				for i := c.from; i < c.to; i++ {
					line(lm[i], lm[i+1])
				}
				if c.closed {
					line(lm[c.to], lm[c.from])
				}
			}
		}
		if opts.DrawPoints {
			for _, p := range lm {
				if finite(p) {
					drawPoint(img, toPixel(p), opts.PointSize, opts.PointColor)
				}
			}
		}
	}
}

// DrawFaceExpressions lists each face's expressions above opts.MinConfidence,
// most confident first, starting at the bottom-left corner of its box
func DrawFaceExpressions(img *image.NRGBA, result types.DetectionResult, opts DrawExpressionsOptions) {
	for _, face := range result {
		var lines []string
		for _, e := range face.Expressions.Sorted() {
			if e.Score > opts.MinConfidence {
				lines = append(lines, fmt.Sprintf("%s (%.2f)", e.Label, e.Score))
			}
		}
		if len(lines) == 0 {
			continue
		}
		x0, _, _, y1 := boxToPixels(face.Box)
		DrawTextField(img, lines, image.Pt(x0, y1), opts.Text)
	}
}

// DrawTextField draws lines of text over a filled background anchored at
// anchor. The field is kept inside the image.
func DrawTextField(img *image.NRGBA, lines []string, anchor image.Point, opts TextFieldOptions) {
	if len(lines) == 0 {
		return
	}
	face := basicfont.Face7x13
	metrics := face.Metrics()
	lineHeight := metrics.Height.Ceil()

	textWidth := 0
	for _, line := range lines {
		if w := font.MeasureString(face, line).Ceil(); w > textWidth {
			textWidth = w
		}
	}
	width := textWidth + 2*opts.Padding
	height := lineHeight*len(lines) + 2*opts.Padding

	x, y := anchor.X, anchor.Y
	if opts.Anchor == BottomLeft {
		y -= height
	}
	bounds := img.Bounds()
	x = max(min(x, bounds.Max.X-width), bounds.Min.X)
	y = max(min(y, bounds.Max.Y-height), bounds.Min.Y)

	rect := image.Rect(x, y, x+width, y+height)
	draw.Draw(img, rect, image.NewUniform(opts.BackgroundColor), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(opts.FontColor),
		Face: face,
	}
	for i, line := range lines {
		baseline := y + opts.Padding + i*lineHeight + metrics.Ascent.Ceil()
		d.Dot = fixed.P(x+opts.Padding, baseline)
		d.DrawString(line)
	}
}

// maxCoord bounds coordinates before they are converted to int
const maxCoord = 1 << 24

func round(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(-maxCoord, math.Min(maxCoord, v))
	return int(math.Floor(v + 0.5))
}

func toPixel(p types.Point) image.Point {
	return image.Pt(round(p.X), round(p.Y))
}

func finite(p types.Point) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// clipSegment clips a-b to r (Liang-Barsky). ok is false when no part of
// the segment lies inside r or an endpoint is not finite.
func clipSegment(a, b types.Point, r image.Rectangle) (types.Point, types.Point, bool) {
	if !finite(a) || !finite(b) {
		return a, b, false
	}
	dx, dy := b.X-a.X, b.Y-a.Y
	if math.IsInf(dx, 0) || math.IsInf(dy, 0) {
		return a, b, false
	}
	t0, t1 := 0.0, 1.0
	edge := func(p, q float64) bool {
		if p == 0 {
			return q >= 0
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return false
			}
			t0 = math.Max(t0, t)
		} else {
			if t < t0 {
				return false
			}
			t1 = math.Min(t1, t)
		}
		return true
	}
	if !edge(-dx, a.X-float64(r.Min.X)) || !edge(dx, float64(r.Max.X)-a.X) ||
		!edge(-dy, a.Y-float64(r.Min.Y)) || !edge(dy, float64(r.Max.Y)-a.Y) {
		return a, b, false
	}
	return types.Point{X: a.X + t0*dx, Y: a.Y + t0*dy},
		types.Point{X: a.X + t1*dx, Y: a.Y + t1*dy}, true
}

func boxToPixels(box types.Box) (int, int, int, int) {
	x0, y0 := round(box.X), round(box.Y)
	x1, y1 := round(box.Right()), round(box.Bottom())
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

func setPixel(img *image.NRGBA, x, y int, c color.NRGBA) {
	if !image.Pt(x, y).In(img.Bounds()) {
		return
	}
	i := img.PixOffset(x, y)
	img.Pix[i+0] = c.R
	img.Pix[i+1] = c.G
	img.Pix[i+2] = c.B
	img.Pix[i+3] = c.A
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	b := img.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0 = max(x0, b.Min.X)
	x1 = min(x1, b.Max.X)
	for x := x0; x < x1; x++ {
		setPixel(img, x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0 = max(y0, b.Min.Y)
	y1 = min(y1, b.Max.Y)
	for y := y0; y < y1; y++ {
		setPixel(img, x, y, c)
	}
}

// drawLine is Bresenham's algorithm with a square pen of the given width
func drawLine(img *image.NRGBA, p0, p1 image.Point, c color.NRGBA, width int) {
	dx := abs(p1.X - p0.X)
	dy := -abs(p1.Y - p0.Y)
	sx, sy := 1, 1
	if p0.X > p1.X {
		sx = -1
	}
	if p0.Y > p1.Y {
		sy = -1
	}

	x, y := p0.X, p0.Y
	e := dx + dy
	for {
		drawPoint(img, image.Pt(x, y), width, c)
		if x == p1.X && y == p1.Y {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

// drawPoint fills a size×size square centred on p
func drawPoint(img *image.NRGBA, p image.Point, size int, c color.NRGBA) {
	if size <= 1 {
		setPixel(img, p.X, p.Y, c)
		return
	}
	off := size / 2
	for y := p.Y - off; y < p.Y-off+size; y++ {
		drawHLine(img, y, p.X-off, p.X-off+size, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
