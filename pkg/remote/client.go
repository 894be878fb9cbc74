package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/face-overlay/internal/logger"
	"github.com/menta2k/face-overlay/pkg/detection"
	"github.com/menta2k/face-overlay/pkg/processing"
	"github.com/menta2k/face-overlay/pkg/types"
)

// ErrInvalidResponse is returned when the server answers with geometry that
// cannot be placed on the frame
var ErrInvalidResponse = errors.New("invalid detector response")

// FrameHeader is sent as a text message ahead of every binary JPEG frame
type FrameHeader struct {
	ID              string  `json:"id"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	InputSize       int     `json:"input_size"`
	ScoreThreshold  float64 `json:"score_threshold"`
	WithLandmarks   bool    `json:"landmarks"`
	WithExpressions bool    `json:"expressions"`
}

// Response is the server's answer to one frame
type Response struct {
	ID    string                `json:"id"`
	Faces types.DetectionResult `json:"faces"`
	Error string                `json:"error,omitempty"`
}

// Backend is a detection backend served over a websocket connection. The
// connection is dialed on first use and redialed after any failure.
type Backend struct {
	url          string
	quality      int
	writeTimeout time.Duration
	readTimeout  time.Duration

	dialer    *websocket.Dialer
	processor *processing.Processor
	log       *logrus.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ detection.Backend = (*Backend)(nil)

// NewBackend creates a backend for the websocket server at url
func NewBackend(url string, quality int, timeout time.Duration, log *logrus.Logger) *Backend {
	if log == nil {
		log = logger.Discard()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = timeout

	return &Backend{
		url:          url,
		quality:      quality,
		writeTimeout: timeout / 2,
		readTimeout:  timeout,
		dialer:       &dialer,
		processor:    processing.NewProcessor(),
		log:          log,
	}
}

// Detect implements detection.Backend
func (b *Backend) Detect(ctx context.Context, frame image.Image, req detection.Request) (types.DetectionResult, error) {
	jpg, err := b.processor.EncodeJPEG(frame, b.quality)
	if err != nil {
		return nil, err
	}

	bounds := frame.Bounds()
	header := FrameHeader{
		ID:              uuid.NewString(),
		Width:           bounds.Dx(),
		Height:          bounds.Dy(),
		InputSize:       req.Options.InputSize,
		ScoreThreshold:  req.Options.ScoreThreshold,
		WithLandmarks:   req.WithLandmarks,
		WithExpressions: req.WithExpressions,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := b.roundTrip(ctx, conn, header, jpg)
	if err != nil {
		b.dropLocked()
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("detector server: %s", resp.Error)
	}
	if resp.ID != "" && resp.ID != header.ID {
		b.dropLocked()
		return nil, fmt.Errorf("response %s does not match request %s", resp.ID, header.ID)
	}

	dims := types.Dimensions{Width: header.Width, Height: header.Height}
	faces := make(types.DetectionResult, 0, len(resp.Faces))
	for i, face := range resp.Faces {
		clean, err := sanitize(face, dims)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		faces = append(faces, clean)
	}
	return faces, nil
}

// sanitize fills in missing image dimensions and clamps the box and
// landmarks into the image the face was detected on. Non-finite values and
// non-positive dimensions are rejected.
func sanitize(face types.FaceDetection, frame types.Dimensions) (types.FaceDetection, error) {
	switch {
	case face.ImageDims == (types.Dimensions{}):
		face.ImageDims = frame
	case face.ImageDims.Empty():
		return face, fmt.Errorf("%w: image dimensions %s", ErrInvalidResponse, face.ImageDims)
	}

	b := face.Box
	if !finite(face.Score, b.X, b.Y, b.Width, b.Height) {
		return face, fmt.Errorf("%w: non-finite box or score", ErrInvalidResponse)
	}
	w, h := float64(face.ImageDims.Width), float64(face.ImageDims.Height)
	x0, x1 := clamp(min(b.X, b.Right()), 0, w), clamp(max(b.X, b.Right()), 0, w)
	y0, y1 := clamp(min(b.Y, b.Bottom()), 0, h), clamp(max(b.Y, b.Bottom()), 0, h)
	face.Box = types.Box{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
	face.Score = clamp(face.Score, 0, 1)

	for i, p := range face.Landmarks {
		if !finite(p.X, p.Y) {
			return face, fmt.Errorf("%w: non-finite landmark %d", ErrInvalidResponse, i)
		}
		face.Landmarks[i] = types.Point{X: clamp(p.X, 0, w), Y: clamp(p.Y, 0, h)}
	}
	return face, nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func (b *Backend) connect(ctx context.Context) (*websocket.Conn, error) {
	if b.conn != nil {
		return b.conn, nil
	}

	b.log.WithField("url", b.url).Debug("connecting to detector server")
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", b.url, err)
	}
	b.log.WithField("url", b.url).Info("connected to detector server")

	b.conn = conn
	return conn, nil
}

func (b *Backend) roundTrip(ctx context.Context, conn *websocket.Conn, header FrameHeader, jpg []byte) (*Response, error) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}

	conn.SetWriteDeadline(b.deadline(ctx, b.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, headerJSON); err != nil {
		return nil, fmt.Errorf("error sending frame header: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, jpg); err != nil {
		return nil, fmt.Errorf("error sending frame: %w", err)
	}

	conn.SetReadDeadline(b.deadline(ctx, b.readTimeout))
	_, message, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("error reading detections: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(message, &resp); err != nil {
		return nil, fmt.Errorf("error decoding detections: %w", err)
	}
	return &resp, nil
}

// deadline returns the earlier of the context deadline and now+timeout
func (b *Backend) deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func (b *Backend) dropLocked() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// Connected reports whether a connection is currently open
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Close closes the connection, if any
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := b.conn.Close()
	b.conn = nil
	return err
}
