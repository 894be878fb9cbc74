package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/face-overlay/internal/logger"
	"github.com/menta2k/face-overlay/pkg/types"
)

// ErrAlreadyBound is returned when a stream is bound to an element that already has one
var ErrAlreadyBound = errors.New("video element already has a source")

// Frame is one decoded video frame as shown by the element
type Frame struct {
	Image     image.Image
	Seq       uint64
	Timestamp time.Time
}

// Size returns the native dimensions of the frame
func (f Frame) Size() types.Dimensions {
	b := f.Image.Bounds()
	return types.Dimensions{Width: b.Dx(), Height: b.Dy()}
}

// VideoElement displays a bound stream at a configured size. The configured
// size is what overlays are drawn at; the frames keep their native size.
type VideoElement struct {
	width  int
	height int
	log    *logrus.Logger

	mu        sync.Mutex
	src       *Stream
	listeners []func()

	current  atomic.Pointer[Frame]
	frames   atomic.Uint64
	playOnce sync.Once
	played   chan struct{}
	ended    chan struct{}
	endErr   error
}

// NewVideoElement creates an element with the configured display size
func NewVideoElement(width, height int, log *logrus.Logger) *VideoElement {
	if log == nil {
		log = logger.Discard()
	}
	return &VideoElement{
		width:  width,
		height: height,
		log:    log,
		played: make(chan struct{}),
		ended:  make(chan struct{}),
	}
}

// AddPlayListener registers fn to run once playback starts. Listeners added
// after playback has started are never called.
func (v *VideoElement) AddPlayListener(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, fn)
}

// SetSrcObject binds stream to the element and starts showing its frames.
// The play event fires with the stream's first frame.
func (v *VideoElement) SetSrcObject(ctx context.Context, stream *Stream) error {
	v.mu.Lock()
	if v.src != nil {
		v.mu.Unlock()
		return ErrAlreadyBound
	}
	v.src = stream
	v.mu.Unlock()

	v.show(stream.first)
	go v.pump(ctx, stream)
	return nil
}

func (v *VideoElement) pump(ctx context.Context, stream *Stream) {
	defer close(v.ended)
	defer stream.Stop()

	v.play()

	frames := stream.streamer.FrameChan()
	errs := stream.streamer.ErrorChan()
	for {
		select {
		case <-ctx.Done():
			return
		case img, ok := <-frames:
			if !ok {
				if err := pendingError(errs); err != nil {
					v.fail(stream, err)
					return
				}
				v.log.WithField("stream", stream.ID).Info("video stream ended")
				return
			}
			v.show(img)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			v.fail(stream, err)
			return
		}
	}
}

func (v *VideoElement) fail(stream *Stream, err error) {
	v.endErr = fmt.Errorf("%w: %v", ErrStreamEnded, err)
	v.log.WithField("stream", stream.ID).WithError(err).Warn("video stream failed")
}

// pendingError returns an error already queued on errs, if any
func pendingError(errs <-chan error) error {
	if errs == nil {
		return nil
	}
	select {
	case err, ok := <-errs:
		if ok {
			return err
		}
	default:
	}
	return nil
}

func (v *VideoElement) show(img image.Image) {
	seq := v.frames.Add(1)
	v.current.Store(&Frame{Image: img, Seq: seq, Timestamp: time.Now()})
}

func (v *VideoElement) play() {
	v.playOnce.Do(func() {
		v.mu.Lock()
		listeners := append([]func(){}, v.listeners...)
		close(v.played)
		v.mu.Unlock()

		v.log.WithField("size", v.VideoSize().String()).Debug("video playback started")
		for _, fn := range listeners {
			fn()
		}
	})
}

// SrcObject returns the bound stream, nil when none was bound
func (v *VideoElement) SrcObject() *Stream {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.src
}

// CurrentFrame returns the frame currently shown
func (v *VideoElement) CurrentFrame() (Frame, bool) {
	f := v.current.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// FrameCount returns how many frames have been shown
func (v *VideoElement) FrameCount() uint64 {
	return v.frames.Load()
}

// VideoSize returns the native size of the current frame
func (v *VideoElement) VideoSize() types.Dimensions {
	f, ok := v.CurrentFrame()
	if !ok {
		return types.Dimensions{}
	}
	return f.Size()
}

// DisplaySize returns the configured width and height of the element
func (v *VideoElement) DisplaySize() types.Dimensions {
	return types.Dimensions{Width: v.width, Height: v.height}
}

// Played is closed once playback has started
func (v *VideoElement) Played() <-chan struct{} {
	return v.played
}

// Ended is closed once the bound stream stops delivering frames
func (v *VideoElement) Ended() <-chan struct{} {
	return v.ended
}

// Err returns why the stream ended, wrapping ErrStreamEnded. It is nil while
// the stream plays, after a clean end and after cancellation.
func (v *VideoElement) Err() error {
	select {
	case <-v.ended:
		return v.endErr
	default:
		return nil
	}
}

// Close stops the bound stream, if any
func (v *VideoElement) Close() {
	if src := v.SrcObject(); src != nil {
		src.Stop()
	}
}
