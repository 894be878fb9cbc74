package capture

import (
	"image"
)

// VideoStreamer is a live source of decoded frames. Frames and at most one
// error are delivered on the channels; both are closed when the source ends.
type VideoStreamer interface {
	Start() error
	Stop()
	FrameChan() <-chan image.Image
	ErrorChan() <-chan error
}
