package traffic

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultSpeedLimit      = 30
	DefaultMaxSpeed        = 30
	DefaultYieldFactor     = 0.5
	DefaultStopDwell       = time.Second
	DefaultStopClearFrames = 1

	// DefaultLightProximity and DefaultProximity are fractions of frame height.
	DefaultLightProximity = 0.10
	DefaultProximity      = 0.05
)

// ErrInvalidPolicy wraps every PolicyTable validation failure.
var ErrInvalidPolicy = errors.New("invalid policy")

// PolicyTable binds label ids to handlers and carries the knobs the handlers
// read. Build it once and treat it as read-only afterwards; Decide never
// writes to it.
type PolicyTable struct {
	Handlers map[int]Handler
	// Labels holds display names for log lines. Optional.
	Labels map[int]string

	// Proximity is the minimum box height, as a fraction of frame height, a
	// detection must exceed to be acted on. Kinds missing from the map use
	// the defaults.
	Proximity map[Kind]float64

	MaxSpeed    int
	YieldFactor float64

	// StopDwell is the hold requested after commanding a full stop.
	StopDwell time.Duration
	// StopWait keeps the car stopped at a stop sign until this long after
	// the first stop.
	StopWait time.Duration
	// StopClearFrames is how many consecutive frames without a stop sign
	// reset the stop-sign state.
	StopClearFrames int
}

// DefaultHandlers is the label id layout of the road sign model.
func DefaultHandlers() map[int]Handler {
	return map[int]Handler{
		0: {Kind: RedLight},
		1: {Kind: YellowLight},
		2: {Kind: GreenLight},
		3: {Kind: Pedestrian},
		4: {Kind: Yield},
		5: {Kind: StopSign},
		6: {Kind: SpeedLimit, Limit: 15},
		7: {Kind: SpeedLimit, Limit: 30},
	}
}

// DefaultProximityThresholds returns a fresh copy of the per-kind thresholds.
func DefaultProximityThresholds() map[Kind]float64 {
	m := make(map[Kind]float64, len(Kinds))
	for _, k := range Kinds {
		if k.IsLight() {
			m[k] = DefaultLightProximity
		} else {
			m[k] = DefaultProximity
		}
	}
	return m
}

// DefaultPolicy returns the stock table for the road sign model.
func DefaultPolicy() *PolicyTable {
	return NewPolicy(DefaultHandlers())
}

// NewPolicy wraps handlers with the default thresholds and timings.
func NewPolicy(handlers map[int]Handler) *PolicyTable {
	return &PolicyTable{
		Handlers:        handlers,
		Proximity:       DefaultProximityThresholds(),
		MaxSpeed:        DefaultMaxSpeed,
		YieldFactor:     DefaultYieldFactor,
		StopDwell:       DefaultStopDwell,
		StopClearFrames: DefaultStopClearFrames,
	}
}

// PolicyFromLabels builds a table by recognising each label name. Labels that
// name no traffic object are left out, so their detections are ignored.
func PolicyFromLabels(labels map[int]string) *PolicyTable {
	handlers := make(map[int]Handler, len(labels))
	for id, name := range labels {
		if h, ok := HandlerForName(name); ok {
			handlers[id] = h
		}
	}
	p := NewPolicy(handlers)
	p.Labels = labels
	return p
}

// Validate checks the table's knobs are usable.
func (p *PolicyTable) Validate() error {
	if p.MaxSpeed <= 0 {
		return fmt.Errorf("%w: max speed must be positive, got %d", ErrInvalidPolicy, p.MaxSpeed)
	}
	if p.YieldFactor <= 0 || p.YieldFactor > 1 {
		return fmt.Errorf("%w: yield factor must be in (0, 1], got %f", ErrInvalidPolicy, p.YieldFactor)
	}
	for k, v := range p.Proximity {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("%w: %s proximity must be in (0, 1), got %f", ErrInvalidPolicy, k, v)
		}
	}
	if p.StopDwell < 0 || p.StopWait < 0 {
		return fmt.Errorf("%w: stop durations must be non-negative", ErrInvalidPolicy)
	}
	if p.StopClearFrames < 1 {
		return fmt.Errorf("%w: stop clear frames must be at least 1, got %d", ErrInvalidPolicy, p.StopClearFrames)
	}
	for id, h := range p.Handlers {
		if h.Kind < RedLight || h.Kind > SpeedLimit {
			return fmt.Errorf("%w: label %d has unknown kind %d", ErrInvalidPolicy, id, int(h.Kind))
		}
		if h.Kind == SpeedLimit && h.Limit < 0 {
			return fmt.Errorf("%w: label %d has negative speed limit %d", ErrInvalidPolicy, id, h.Limit)
		}
	}
	return nil
}

// threshold returns the proximity fraction for k.
func (p *PolicyTable) threshold(k Kind) float64 {
	if v, ok := p.Proximity[k]; ok {
		return v
	}
	if k.IsLight() {
		return DefaultLightProximity
	}
	return DefaultProximity
}

// IsCloseBy reports whether a box of boxHeight pixels is big enough in the
// frame to act on.
func (p *PolicyTable) IsCloseBy(k Kind, boxHeight, frameHeight int) bool {
	if frameHeight <= 0 {
		return false
	}
	return float64(boxHeight)/float64(frameHeight) > p.threshold(k)
}

// LabelName returns the display name for id, falling back to its handler.
func (p *PolicyTable) LabelName(id int) string {
	if name, ok := p.Labels[id]; ok && name != "" {
		return name
	}
	if h, ok := p.Handlers[id]; ok {
		return h.String()
	}
	return fmt.Sprintf("label %d", id)
}

func (p *PolicyTable) clamp(speed int) int {
	if speed < 0 {
		return 0
	}
	if speed > p.MaxSpeed {
		return p.MaxSpeed
	}
	return speed
}

func (p *PolicyTable) clearFrames() int {
	if p.StopClearFrames < 1 {
		return 1
	}
	return p.StopClearFrames
}
