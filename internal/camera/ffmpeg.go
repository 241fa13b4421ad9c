package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

const stderrTailLines = 20

// FFmpegSource captures MJPEG frames from an ffmpeg process
type FFmpegSource struct {
	settings Settings
	logger   *zap.Logger

	mu      sync.Mutex
	device  string
	cmd     *exec.Cmd
	frames  chan []byte // latest frame only
	ready   chan struct{}
	exited  chan struct{}
	exitErr error
	tail    []string
	closed  bool
	stopCh  chan struct{}

	replaced atomic.Uint64
	restarts atomic.Uint64
}

// NewFFmpegSource creates an ffmpeg-backed source
func NewFFmpegSource(settings Settings, logger *zap.Logger) *FFmpegSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegSource{
		settings: settings.withDefaults(),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

var _ pipeline.FrameSource = (*FFmpegSource)(nil)

// Open starts ffmpeg and waits for the first frame.
// A missing binary, an inaccessible device or a process that exits before
// producing a frame is reported as an error.
func (s *FFmpegSource) Open(ctx context.Context, deviceID string) error {
	if _, err := exec.LookPath(s.settings.FFmpegPath); err != nil {
		return fmt.Errorf("ffmpeg not available: %w", err)
	}

	device := resolveDevice(deviceID)
	if err := deviceAccessible(device); err != nil {
		return fmt.Errorf("camera device %s is not accessible: %w", device, err)
	}

	s.mu.Lock()
	s.device = device
	err := s.startLocked()
	ready, exited := s.ready, s.exited
	s.mu.Unlock()
	if err != nil {
		return err
	}

	timer := time.NewTimer(s.settings.OpenTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		s.logger.Info("Camera opened",
			zap.String("device", device),
			zap.Int("width", s.settings.Width),
			zap.Int("height", s.settings.Height),
			zap.Int("fps", s.settings.FPS),
		)
		return nil
	case <-exited:
		return fmt.Errorf("ffmpeg exited before the first frame: %w", s.exitError())
	case <-timer.C:
		s.kill()
		return fmt.Errorf("no frame from %s within %s", device, s.settings.OpenTimeout)
	case <-ctx.Done():
		s.kill()
		return ctx.Err()
	}
}

// ReadFrame returns the most recent frame, or nil if none arrived within the read timeout.
// A dead ffmpeg process is restarted and reported as an error for this read.
func (s *FFmpegSource) ReadFrame(ctx context.Context) (*pipeline.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, pipeline.ErrSourceClosed
	}
	frames, exited := s.frames, s.exited
	s.mu.Unlock()

	if frames == nil {
		return nil, errors.New("ffmpeg source not opened")
	}

	timer := time.NewTimer(s.settings.ReadTimeout)
	defer timer.Stop()

	select {
	case data := <-frames:
		return &pipeline.Frame{
			Data:      data,
			Timestamp: time.Now(),
			Width:     s.settings.Width,
			Height:    s.settings.Height,
		}, nil
	case <-exited:
		return nil, s.restart()
	case <-s.stopCh:
		return nil, pipeline.ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

// Close stops ffmpeg and unblocks a pending ReadFrame
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()

	s.kill()
	s.logger.Info("Camera closed",
		zap.String("device", s.device),
		zap.Uint64("frames_replaced", s.replaced.Load()),
		zap.Uint64("restarts", s.restarts.Load()),
	)
	return nil
}

// Restarts returns how many times ffmpeg was relaunched after exiting
func (s *FFmpegSource) Restarts() uint64 {
	return s.restarts.Load()
}

func (s *FFmpegSource) restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return pipeline.ErrSourceClosed
	}
	select {
	case <-s.exited:
	default:
		// Another reader already restarted it
		return nil
	}

	exitErr := s.exitErr
	s.logger.Warn("ffmpeg exited, restarting",
		zap.String("device", s.device),
		zap.Error(exitErr),
		zap.Strings("stderr", s.tail),
	)
	s.restarts.Add(1)
	if err := s.startLocked(); err != nil {
		return fmt.Errorf("failed to restart ffmpeg: %w", err)
	}
	return fmt.Errorf("ffmpeg exited: %w", exitErr)
}

// startLocked launches a new ffmpeg process. Must be called with mu held.
func (s *FFmpegSource) startLocked() error {
	cmd := exec.Command(s.settings.FFmpegPath, ffmpegArgs(s.device, s.settings)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.cmd = cmd
	s.frames = make(chan []byte, 1)
	s.ready = make(chan struct{})
	s.exited = make(chan struct{})
	s.exitErr = nil
	s.tail = nil

	stderrDone := make(chan struct{})
	go s.consumeStderr(stderr, stderrDone)
	go s.readFrames(cmd, stdout, stderrDone, s.frames, s.ready, s.exited)
	return nil
}

func (s *FFmpegSource) consumeStderr(r io.Reader, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		s.tail = append(s.tail, line)
		if len(s.tail) > stderrTailLines {
			s.tail = s.tail[len(s.tail)-stderrTailLines:]
		}
		s.mu.Unlock()
	}
}

func (s *FFmpegSource) readFrames(cmd *exec.Cmd, stdout io.Reader, stderrDone <-chan struct{}, frames chan []byte, ready, exited chan struct{}) {
	var readyOnce sync.Once
	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	var readErr error
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			frameBuffer = append(frameBuffer, chunk[:n]...)
			delivered := false
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				s.deliver(frames, frame)
				delivered = true
			}
			if delivered {
				readyOnce.Do(func() { close(ready) })
			}
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}

	// Wait closes the pipes, so stderr must be drained first
	<-stderrDone
	waitErr := cmd.Wait()
	s.mu.Lock()
	switch {
	case waitErr != nil:
		s.exitErr = waitErr
	case readErr != nil:
		s.exitErr = readErr
	default:
		s.exitErr = io.EOF
	}
	s.mu.Unlock()
	close(exited)
}

// deliver keeps only the newest frame in the slot
func (s *FFmpegSource) deliver(frames chan []byte, frame []byte) {
	select {
	case frames <- frame:
		return
	default:
	}
	select {
	case <-frames:
		s.replaced.Add(1)
	default:
	}
	select {
	case frames <- frame:
	default:
	}
}

func (s *FFmpegSource) exitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tail) > 0 {
		return fmt.Errorf("%w (stderr: %s)", s.exitErr, strings.Join(s.tail, "; "))
	}
	return s.exitErr
}

func (s *FFmpegSource) kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// ffmpegArgs builds the ffmpeg command line for a device
func ffmpegArgs(device string, s Settings) []string {
	switch {
	case strings.HasPrefix(device, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", s.FPS),
			"-s", fmt.Sprintf("%dx%d", s.Width, s.Height),
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://"):
		return []string{
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", s.FPS),
			"-s", fmt.Sprintf("%dx%d", s.Width, s.Height),
			"-q:v", "5",
			"-",
		}
	default:
		// V4L2 device (USB camera)
		return []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", s.Width, s.Height),
			"-framerate", fmt.Sprintf("%d", s.FPS),
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}
}
