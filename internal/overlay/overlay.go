// Package overlay renders the last processed frame with the driver status
// drawn on top, for debugging camera placement.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

var (
	colorAwake  = color.RGBA{0, 200, 0, 255}
	colorNoFace = color.RGBA{255, 165, 0, 255}
	colorAsleep = color.RGBA{255, 0, 0, 255}
)

// Overlay keeps the latest frame and status and renders annotated snapshots.
// It observes frames from the processing loop and status events from the bus.
type Overlay struct {
	width   int
	height  int
	quality int
	logger  *zap.Logger

	mu       sync.RWMutex
	frame    *pipeline.Frame
	class    pipeline.Classification
	status   pipeline.SleepStatus
	action   string
	rendered []byte
	dirty    bool

	clientsMu sync.Mutex
	clients   map[chan []byte]struct{}
}

// New creates an overlay; width and height size the canvas used when a
// frame cannot be decoded
func New(width, height int, logger *zap.Logger) *Overlay {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Overlay{
		width:   width,
		height:  height,
		quality: 85,
		logger:  logger,
		class:   pipeline.FaceNotFound,
		status:  pipeline.NoFace,
		action:  "awake",
		clients: make(map[chan []byte]struct{}),
	}
}

var (
	_ pipeline.FrameObserver = (*Overlay)(nil)
	_ pipeline.EventHandler  = (*Overlay)(nil)
)

// ObserveFrame stores the frame and its classification
func (o *Overlay) ObserveFrame(frame *pipeline.Frame, class pipeline.Classification) {
	o.mu.Lock()
	o.frame = frame
	o.class = class
	o.dirty = true
	o.mu.Unlock()

	o.broadcast()
}

// OnStatus stores the aggregated status and action
func (o *Overlay) OnStatus(event *pipeline.StatusEvent) {
	o.mu.Lock()
	o.status = event.Status
	o.action = event.Action
	o.dirty = true
	o.mu.Unlock()
}

// OnDiagnostic is a no-op
func (o *Overlay) OnDiagnostic(*pipeline.DiagnosticEvent) {}

// Snapshot returns the annotated JPEG of the latest frame, or nil when no
// frame was observed yet
func (o *Overlay) Snapshot() []byte {
	o.mu.RLock()
	if !o.dirty || o.frame == nil {
		out := o.rendered
		o.mu.RUnlock()
		return out
	}
	frame, class, status, action := o.frame, o.class, o.status, o.action
	o.mu.RUnlock()

	out := o.Render(frame, class, status, action)

	o.mu.Lock()
	if o.frame == frame {
		o.rendered = out
		o.dirty = false
	}
	o.mu.Unlock()
	return out
}

// Render draws the status banner and a colored border over frame.
// Frames that are not JPEG are drawn on a blank canvas.
func (o *Overlay) Render(frame *pipeline.Frame, class pipeline.Classification, status pipeline.SleepStatus, action string) []byte {
	var rgba *image.RGBA
	if img, err := jpeg.Decode(bytes.NewReader(frame.Data)); err == nil {
		bounds := img.Bounds()
		rgba = image.NewRGBA(bounds)
		draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	} else {
		w, h := o.width, o.height
		if frame.Width > 0 && frame.Height > 0 {
			w, h = frame.Width, frame.Height
		}
		rgba = image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(rgba, rgba.Bounds(), image.NewUniform(color.Gray{40}), image.Point{}, draw.Src)
	}

	c := statusColor(status)
	b := rgba.Bounds()
	drawBox(rgba, b.Min.X, b.Min.Y, b.Dx()-1, b.Dy()-1, c, 4)
	drawLabel(rgba, 8, 8, fmt.Sprintf("%s | %s | action %s", status, class, action), c)
	drawLabel(rgba, 8, b.Dy()-22, fmt.Sprintf("#%d %s", frame.Seq, frame.Timestamp.Format("15:04:05.000")), color.RGBA{255, 255, 255, 255})

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: o.quality}); err != nil {
		o.logger.Warn("Failed to encode overlay", zap.Error(err))
		return frame.Data
	}
	return buf.Bytes()
}

func statusColor(status pipeline.SleepStatus) color.RGBA {
	switch status {
	case pipeline.Asleep:
		return colorAsleep
	case pipeline.NoFace:
		return colorNoFace
	default:
		return colorAwake
	}
}

// drawBox draws a rectangle outline on the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(bounds) {
			img.Set(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i <= x+w; i++ {
			set(i, y+t)
			set(i, y+h-t)
		}
		for j := y; j <= y+h; j++ {
			set(x+t, j)
			set(x+w-t, j)
		}
	}
}

// drawLabel draws text on a dark background
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bgColor := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 14; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if image.Pt(px, py).In(img.Bounds()) {
				img.Set(px, py, bgColor)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

// ServeHTTP serves a single annotated JPEG snapshot
func (o *Overlay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame := o.Snapshot()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Write(frame)
}

// StreamHandler serves annotated frames as an MJPEG stream
func (o *Overlay) StreamHandler() http.Handler {
	return http.HandlerFunc(o.serveStream)
}

func (o *Overlay) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientCh := make(chan []byte, 2)
	o.clientsMu.Lock()
	o.clients[clientCh] = struct{}{}
	o.clientsMu.Unlock()

	defer func() {
		o.clientsMu.Lock()
		delete(o.clients, clientCh)
		o.clientsMu.Unlock()
	}()

	o.logger.Debug("Stream client connected", zap.String("remote", r.RemoteAddr))

	for {
		select {
		case <-r.Context().Done():
			o.logger.Debug("Stream client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case frame := <-clientCh:
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			w.Write(frame)
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// StreamClients returns the number of connected stream clients
func (o *Overlay) StreamClients() int {
	o.clientsMu.Lock()
	defer o.clientsMu.Unlock()
	return len(o.clients)
}

// broadcast renders only when someone is watching; slow clients skip frames
func (o *Overlay) broadcast() {
	if o.StreamClients() == 0 {
		return
	}
	frame := o.Snapshot()
	if frame == nil {
		return
	}

	o.clientsMu.Lock()
	defer o.clientsMu.Unlock()
	for ch := range o.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

// LastUpdate returns the capture time of the latest observed frame
func (o *Overlay) LastUpdate() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.frame == nil {
		return time.Time{}
	}
	return o.frame.Timestamp
}
