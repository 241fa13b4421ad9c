// Package camera provides the frame sources the pipeline captures from.
package camera

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

const (
	// SyntheticDevice selects the generated test pattern
	SyntheticDevice = "synthetic"
	// ReplayPrefix selects a directory of JPEG files, e.g. "replay:/data/session1"
	ReplayPrefix = "replay:"
)

// Settings are the capture properties shared by every source
type Settings struct {
	Width       int
	Height      int
	FPS         int
	FFmpegPath  string
	OpenTimeout time.Duration // How long Open waits for the first frame
	ReadTimeout time.Duration // How long ReadFrame waits before reporting an empty read
	Loop        bool          // Replay restarts from the first file at the end
}

// DefaultSettings returns 640x480 at 30 fps
func DefaultSettings() Settings {
	return Settings{
		Width:       640,
		Height:      480,
		FPS:         30,
		FFmpegPath:  "ffmpeg",
		OpenTimeout: 5 * time.Second,
		ReadTimeout: time.Second,
		Loop:        true,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Width <= 0 {
		s.Width = d.Width
	}
	if s.Height <= 0 {
		s.Height = d.Height
	}
	if s.FPS <= 0 {
		s.FPS = d.FPS
	}
	if s.FFmpegPath == "" {
		s.FFmpegPath = d.FFmpegPath
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = d.OpenTimeout
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = d.ReadTimeout
	}
	return s
}

// NewSource picks the frame source for a device string:
//
//	synthetic, synthetic:<fps>     generated frames
//	replay:<dir> or a directory     JPEG files in name order
//	http(s) URL of a still image    snapshot polling
//	anything else                   ffmpeg (V4L2 device, camera index, RTSP or HTTP stream)
func NewSource(device string, settings Settings, logger *zap.Logger) pipeline.FrameSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings = settings.withDefaults()

	switch {
	case isSynthetic(device):
		return NewSyntheticSource(settings, logger.Named("synthetic"))
	case isReplay(device):
		return NewReplaySource(settings, logger.Named("replay"))
	case isHTTPImageEndpoint(device):
		return NewSnapshotSource(settings, logger.Named("snapshot"))
	default:
		return NewFFmpegSource(settings, logger.Named("ffmpeg"))
	}
}

func isSynthetic(device string) bool {
	return device == SyntheticDevice || strings.HasPrefix(device, SyntheticDevice+":")
}

func isReplay(device string) bool {
	if strings.HasPrefix(device, ReplayPrefix) {
		return true
	}
	info, err := os.Stat(device)
	return err == nil && info.IsDir()
}

// isNetworkSource checks if device is an HTTP/RTSP URL
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

func isHTTPImageEndpoint(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "image"))
}

// resolveDevice maps a bare camera index to its V4L2 node
func resolveDevice(device string) string {
	if _, err := strconv.Atoi(device); err == nil {
		return "/dev/video" + device
	}
	return device
}

// deviceAccessible checks that a local device node exists and can be opened
func deviceAccessible(device string) error {
	if isNetworkSource(device) {
		return nil
	}

	if _, err := os.Stat(device); err != nil {
		return err
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	return file.Close()
}
