package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andresmejia3/roadpilot/internal/types"
)

const replaySpacing = 50 * time.Millisecond

// ReadReplay loads a JSON Lines fixture (one types.ReplayFrame per line) as
// frame tasks. Each task carries its raw line as frame data for ReplayDetector.
// A line without frame takes the previous index plus one, and a line without
// time_ms comes 50ms after the previous frame (the first one at start).
func ReadReplay(r io.Reader, start time.Time) ([]types.FrameTask, error) {
	var tasks []types.FrameTask
	idx, at := 0, start.Add(-replaySpacing)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f types.ReplayFrame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", lineNo, err)
		}
		idx++
		if f.Frame != nil {
			idx = *f.Frame
		}
		at = at.Add(replaySpacing)
		if f.TimeMS != nil {
			at = start.Add(time.Duration(*f.TimeMS) * time.Millisecond)
		}
		tasks = append(tasks, types.FrameTask{
			Index:      idx,
			Data:       append([]byte(nil), line...),
			CapturedAt: at,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ReplayDetector "detects" the objects already listed in a replay frame,
// filtered the same way live worker output is.
type ReplayDetector struct {
	MinConfidence float64
	TopK          int
}

func (d ReplayDetector) Detect(_ context.Context, frame []byte) ([]types.Detection, error) {
	var f types.ReplayFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("bad replay frame: %w", err)
	}
	return Filter(f.Objects, d.MinConfidence, d.TopK), nil
}

func (ReplayDetector) Close() error { return nil }
