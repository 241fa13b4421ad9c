package camera

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// SnapshotSource polls an HTTP endpoint that serves a still JPEG
type SnapshotSource struct {
	settings Settings
	logger   *zap.Logger
	client   *resty.Client
	url      string
	closed   atomic.Bool
}

// NewSnapshotSource creates a polling source
func NewSnapshotSource(settings Settings, logger *zap.Logger) *SnapshotSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings = settings.withDefaults()
	client := resty.New().
		SetTimeout(settings.ReadTimeout).
		SetHeader("Accept", "image/jpeg")

	return &SnapshotSource{
		settings: settings,
		logger:   logger,
		client:   client,
	}
}

var _ pipeline.FrameSource = (*SnapshotSource)(nil)

// Open validates the URL and fetches one frame to prove the endpoint works
func (s *SnapshotSource) Open(ctx context.Context, deviceID string) error {
	u, err := url.Parse(deviceID)
	if err != nil {
		return fmt.Errorf("invalid snapshot URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid snapshot URL scheme %q", u.Scheme)
	}
	s.url = deviceID

	openCtx, cancel := context.WithTimeout(ctx, s.settings.OpenTimeout)
	defer cancel()

	data, err := s.fetch(openCtx)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("snapshot endpoint %s returned an empty image", u.Redacted())
	}

	s.logger.Info("Snapshot endpoint opened", zap.String("url", u.Redacted()), zap.Int("bytes", len(data)))
	return nil
}

// ReadFrame fetches the current image. An empty body is an empty read.
func (s *SnapshotSource) ReadFrame(ctx context.Context) (*pipeline.Frame, error) {
	if s.closed.Load() {
		return nil, pipeline.ErrSourceClosed
	}

	data, err := s.fetch(ctx)
	if err != nil {
		if s.closed.Load() {
			return nil, pipeline.ErrSourceClosed
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	return &pipeline.Frame{
		Data:      data,
		Timestamp: time.Now(),
		Width:     s.settings.Width,
		Height:    s.settings.Height,
	}, nil
}

// Close stops further polling
func (s *SnapshotSource) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *SnapshotSource) fetch(ctx context.Context) ([]byte, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("snapshot endpoint returned %s", resp.Status())
	}
	return resp.Body(), nil
}
