package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// ReplaySource plays back a directory of JPEG files in name order
type ReplaySource struct {
	settings Settings
	logger   *zap.Logger

	mu     sync.Mutex
	dir    string
	files  []string
	next   int
	loops  int
	closed bool
}

// NewReplaySource creates a replay source
func NewReplaySource(settings Settings, logger *zap.Logger) *ReplaySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplaySource{
		settings: settings.withDefaults(),
		logger:   logger,
	}
}

var _ pipeline.FrameSource = (*ReplaySource)(nil)

// Open lists the JPEG files of the directory named by deviceID
func (s *ReplaySource) Open(ctx context.Context, deviceID string) error {
	dir := strings.TrimPrefix(deviceID, ReplayPrefix)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read replay directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no JPEG files in replay directory %s", dir)
	}
	sort.Strings(files)

	s.mu.Lock()
	s.dir = dir
	s.files = files
	s.next = 0
	s.closed = false
	s.mu.Unlock()

	s.logger.Info("Replay source opened", zap.String("dir", dir), zap.Int("frames", len(files)))
	return nil
}

// ReadFrame returns the next file. After the last file it starts over when
// looping is enabled, otherwise every read is empty.
func (s *ReplaySource) ReadFrame(ctx context.Context) (*pipeline.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, pipeline.ErrSourceClosed
	}
	if s.next >= len(s.files) {
		if !s.settings.Loop || len(s.files) == 0 {
			s.mu.Unlock()
			return nil, nil
		}
		s.next = 0
		s.loops++
	}
	path := s.files[s.next]
	s.next++
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay frame: %w", err)
	}

	return &pipeline.Frame{
		Data:      data,
		Timestamp: time.Now(),
		Width:     s.settings.Width,
		Height:    s.settings.Height,
	}, nil
}

// Loops returns how many times playback wrapped around
func (s *ReplaySource) Loops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops
}

// Close ends playback
func (s *ReplaySource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
