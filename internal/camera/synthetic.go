package camera

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// SyntheticSource produces a uniform gray frame at a fixed rate.
// It pairs with the scripted detector for demos and tests without a camera.
type SyntheticSource struct {
	settings Settings
	logger   *zap.Logger

	mu       sync.Mutex
	frame    []byte
	interval time.Duration
	last     time.Time
	closed   bool
	stopCh   chan struct{}
}

// NewSyntheticSource creates a synthetic source
func NewSyntheticSource(settings Settings, logger *zap.Logger) *SyntheticSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyntheticSource{
		settings: settings.withDefaults(),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

var _ pipeline.FrameSource = (*SyntheticSource)(nil)

// Open renders the frame. "synthetic:<fps>" overrides the frame rate.
func (s *SyntheticSource) Open(ctx context.Context, deviceID string) error {
	fps := s.settings.FPS
	if rate, ok := strings.CutPrefix(deviceID, SyntheticDevice+":"); ok {
		n, err := strconv.Atoi(rate)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid synthetic frame rate %q", rate)
		}
		fps = n
	}

	frame, err := grayJPEG(s.settings.Width, s.settings.Height, 128)
	if err != nil {
		return fmt.Errorf("failed to render synthetic frame: %w", err)
	}

	s.mu.Lock()
	s.frame = frame
	s.interval = time.Second / time.Duration(fps)
	s.mu.Unlock()

	s.logger.Info("Synthetic source opened", zap.Int("fps", fps))
	return nil
}

// ReadFrame paces reads to the configured frame rate
func (s *SyntheticSource) ReadFrame(ctx context.Context) (*pipeline.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, pipeline.ErrSourceClosed
	}
	wait := time.Until(s.last.Add(s.interval))
	frame := s.frame
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stopCh:
			return nil, pipeline.ErrSourceClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.last = now
	s.mu.Unlock()

	return &pipeline.Frame{
		Data:      frame,
		Timestamp: now,
		Width:     s.settings.Width,
		Height:    s.settings.Height,
	}, nil
}

// Close unblocks a pending read
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stopCh)
	}
	return nil
}
