package preview

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/face-overlay/internal/config"
	"github.com/menta2k/face-overlay/internal/logger"
	"github.com/menta2k/face-overlay/pkg/overlay"
	"github.com/menta2k/face-overlay/pkg/poller"
	"github.com/menta2k/face-overlay/pkg/processing"
	"github.com/menta2k/face-overlay/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	frameQuality    = 85
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// ReportMessage is the JSON form of a detection cycle report
type ReportMessage struct {
	ID         string                `json:"id"`
	StartedAt  time.Time             `json:"started_at"`
	DurationMS int64                 `json:"duration_ms"`
	FrameSeq   uint64                `json:"frame_seq"`
	Faces      types.DetectionResult `json:"faces"`
	Error      string                `json:"error,omitempty"`
}

// NewReportMessage converts a poller report
func NewReportMessage(r poller.Report) ReportMessage {
	msg := ReportMessage{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		DurationMS: r.Duration.Milliseconds(),
		FrameSeq:   r.Frame.Seq,
		Faces:      r.Result,
	}
	if msg.Faces == nil {
		msg.Faces = types.DetectionResult{}
	}
	if r.Err != nil {
		msg.Error = r.Err.Error()
	}
	return msg
}

type view struct {
	canvas  *overlay.Canvas
	display types.Dimensions
}

// Server serves the live overlay, composited frames and detection reports
type Server struct {
	addr      string
	app       *fiber.App
	frames    poller.FrameSource
	processor *processing.Processor
	hub       *hub
	log       *logrus.Logger

	closing   chan struct{}
	closeOnce sync.Once

	view atomic.Pointer[view]
	last atomic.Pointer[ReportMessage]
}

// NewServer creates the preview server. frames may be nil until a video
// element exists; the overlay is attached later with SetCanvas.
func NewServer(cfg config.PreviewConfig, frames poller.FrameSource, log *logrus.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		addr:      cfg.Addr,
		frames:    frames,
		processor: processing.NewProcessor(),
		hub:       newHub(),
		log:       log,
		closing:   make(chan struct{}),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "Face Overlay Preview",
		StrictRouting:         true,
		CaseSensitive:         true,
		DisableStartupMessage: true,
		JSONEncoder:           jsoniter.Marshal,
		JSONDecoder:           jsoniter.Unmarshal,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)
	s.app.Get("/overlay.png", s.overlayPNG)
	s.app.Get("/frame.jpg", s.frameJPEG)
	s.app.Get("/detections", s.detections)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.handleWebSocket))
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// SetCanvas attaches the overlay canvas and the display size frames are
// composited at
func (s *Server) SetCanvas(canvas *overlay.Canvas, display types.Dimensions) {
	s.view.Store(&view{canvas: canvas, display: display})
}

// Publish records r as the latest report and pushes it to websocket
// clients. It has the signature of a poller listener.
func (s *Server) Publish(r poller.Report) {
	msg := NewReportMessage(r)
	s.last.Store(&msg)

	data, err := json.Marshal(msg)
	if err != nil {
		s.log.WithError(err).Warn("failed to encode report")
		return
	}
	s.hub.broadcast(data)
}

// Start listens on the configured address until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("preview server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.closeOnce.Do(func() { close(s.closing) })
		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		s.log.Info("preview server stopped")
		return nil
	}
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "clients": s.hub.count()})
}

func (s *Server) overlayPNG(c *fiber.Ctx) error {
	v := s.view.Load()
	if v == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "overlay not ready")
	}
	data, err := s.processor.EncodePNG(v.canvas.Snapshot())
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Type("png")
	return c.Send(data)
}

func (s *Server) frameJPEG(c *fiber.Ctx) error {
	v := s.view.Load()
	if v == nil || s.frames == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "video not ready")
	}
	frame, ok := s.frames.CurrentFrame()
	if !ok {
		return fiber.NewError(fiber.StatusServiceUnavailable, "no frame yet")
	}

	composite := s.processor.Composite(frame.Image, v.canvas.Snapshot(), v.display)
	data, err := s.processor.EncodeJPEG(composite, frameQuality)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Type("jpg")
	return c.Send(data)
}

func (s *Server) detections(c *fiber.Ctx) error {
	last := s.last.Load()
	if last == nil {
		return fiber.NewError(fiber.StatusNotFound, "no detection cycle has run yet")
	}
	return c.JSON(last)
}

func (s *Server) handleWebSocket(c *websocket.Conn) {
	cl := s.hub.add()
	defer s.hub.remove(cl)

	s.log.WithField("remote", c.RemoteAddr().String()).Debug("preview client connected")
	defer s.log.Debug("preview client disconnected")

	if last := s.last.Load(); last != nil {
		if data, err := json.Marshal(last); err == nil {
			cl.send <- data
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.WithError(err).Debug("preview client read error")
				}
				return
			}
		}
	}()

	for {
		select {
		case msg := <-cl.send:
			if err := c.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.WithError(err).Debug("preview client write failed")
				return
			}
		case <-closed:
			return
		case <-s.closing:
			c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		}
	}
}
