package overlay

import (
	"image"
	"sync"

	"github.com/menta2k/face-overlay/pkg/types"
)

// Canvas is a transparent drawing surface shared between the renderer and
// its readers
type Canvas struct {
	mu  sync.RWMutex
	img *image.NRGBA
}

// NewCanvas creates a fully transparent canvas
func NewCanvas(width, height int) *Canvas {
	return &Canvas{img: image.NewNRGBA(image.Rect(0, 0, max(width, 0), max(height, 0)))}
}

// Media is anything with a native frame size, such as a video element
type Media interface {
	VideoSize() types.Dimensions
}

// CreateCanvasFromMedia creates a canvas at the native size of media
func CreateCanvasFromMedia(media Media) *Canvas {
	size := media.VideoSize()
	return NewCanvas(size.Width, size.Height)
}

// MatchDimensions resizes canvas to size and returns size. Resizing clears
// the canvas.
func MatchDimensions(canvas *Canvas, size types.Dimensions) types.Dimensions {
	canvas.mu.Lock()
	defer canvas.mu.Unlock()
	b := canvas.img.Bounds()
	if b.Dx() != size.Width || b.Dy() != size.Height {
		canvas.img = image.NewNRGBA(image.Rect(0, 0, max(size.Width, 0), max(size.Height, 0)))
	}
	return size
}

// Size returns the canvas dimensions
func (c *Canvas) Size() types.Dimensions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := c.img.Bounds()
	return types.Dimensions{Width: b.Dx(), Height: b.Dy()}
}

// Clear erases the whole surface to transparent
func (c *Canvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.img.Pix)
}

// Draw runs fn with exclusive access to the surface
func (c *Canvas) Draw(fn func(img *image.NRGBA)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.img)
}

// Snapshot returns a copy of the surface
func (c *Canvas) Snapshot() *image.NRGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := image.NewNRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}
