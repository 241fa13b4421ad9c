package detection

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// DefaultScript alternates open eyes, a long closure and a missing face
const DefaultScript = "open:30,closed:60,none:10"

// ScriptStep is a classification repeated for a number of frames
type ScriptStep struct {
	Class  pipeline.Classification
	Frames int
}

// ParseScript parses "class:frames" steps separated by commas.
// Classes are open, closed and none.
func ParseScript(script string) ([]ScriptStep, error) {
	var steps []ScriptStep
	for _, part := range strings.Split(script, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, count, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid script step %q: expected class:frames", part)
		}

		var class pipeline.Classification
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "open", "eyes_open":
			class = pipeline.EyesOpen
		case "closed", "eyes_closed":
			class = pipeline.EyesClosed
		case "none", "noface", "face_not_found":
			class = pipeline.FaceNotFound
		default:
			return nil, fmt.Errorf("unknown class %q in script step %q", name, part)
		}

		frames, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || frames <= 0 {
			return nil, fmt.Errorf("invalid frame count in script step %q", part)
		}
		steps = append(steps, ScriptStep{Class: class, Frames: frames})
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("empty detector script")
	}
	return steps, nil
}

// ScriptedDetector replays a fixed classification pattern cyclically,
// ignoring frame content
type ScriptedDetector struct {
	steps []ScriptStep
	total int

	mu  sync.Mutex
	pos int
}

// NewScriptedDetector creates a detector from parsed steps
func NewScriptedDetector(steps []ScriptStep) *ScriptedDetector {
	total := 0
	for _, s := range steps {
		total += s.Frames
	}
	return &ScriptedDetector{steps: steps, total: total}
}

// NewScriptedDetectorFromString parses script and creates the detector
func NewScriptedDetectorFromString(script string) (*ScriptedDetector, error) {
	steps, err := ParseScript(script)
	if err != nil {
		return nil, err
	}
	return NewScriptedDetector(steps), nil
}

var _ pipeline.Detector = (*ScriptedDetector)(nil)

// Classify returns the class scheduled for the next frame
func (d *ScriptedDetector) Classify(ctx context.Context, frame *pipeline.Frame) (pipeline.Classification, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.FaceNotFound, err
	}
	if d.total == 0 {
		return pipeline.FaceNotFound, nil
	}

	d.mu.Lock()
	pos := d.pos % d.total
	d.pos++
	d.mu.Unlock()

	for _, s := range d.steps {
		if pos < s.Frames {
			return s.Class, nil
		}
		pos -= s.Frames
	}
	return pipeline.FaceNotFound, nil
}

// CycleLength returns the number of frames before the pattern repeats
func (d *ScriptedDetector) CycleLength() int {
	return d.total
}
