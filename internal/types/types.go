package types

import "time"

// FrameTask represents a single camera frame handed to the detector
type FrameTask struct {
	Index      int
	Data       []byte
	CapturedAt time.Time
}

// Box is an axis-aligned bounding box in pixel coordinates.
// (X0, Y0) is the top-left corner and (X1, Y1) the bottom-right.
type Box struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Height returns the box height in pixels
func (b Box) Height() int { return b.Y1 - b.Y0 }

// Width returns the box width in pixels
func (b Box) Width() int { return b.X1 - b.X0 }

// Detection is one recognized object in a frame, as reported by the detector
type Detection struct {
	LabelID    int     `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// ReplayFrame is one line of a replay fixture (JSON Lines). Frame and TimeMS
// are nil when the line leaves them out.
type ReplayFrame struct {
	Frame   *int        `json:"frame,omitempty"`
	TimeMS  *int64      `json:"time_ms,omitempty"`
	Objects []Detection `json:"objects"`
}
