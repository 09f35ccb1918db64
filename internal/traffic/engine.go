// Package traffic turns the traffic objects detected in one camera frame into
// a single speed decision for the car.
package traffic

import (
	"time"

	"github.com/andresmejia3/roadpilot/internal/monitoring"
	"github.com/andresmejia3/roadpilot/internal/types"
)

// CarState is the speed the car is driving at and the limit it obeys.
type CarState struct {
	Speed      int
	SpeedLimit int
}

// StopSignState is the only memory a handler carries between frames.
type StopSignState struct {
	Stopped   bool
	StoppedAt time.Time
	// Missing counts consecutive frames without a stop sign while stopped.
	Missing int
}

// State is everything Decide reads from the previous frame.
type State struct {
	Car  CarState
	Stop StopSignState
}

// InitialState starts the car cruising at limit.
func InitialState(limit int) State {
	return State{Car: CarState{Speed: limit, SpeedLimit: limit}}
}

// Frame describes the frame the detections came from.
type Frame struct {
	Height int
	Time   time.Time
}

// Outcome says what happened to one detection.
type Outcome int

const (
	Applied Outcome = iota
	TooFar
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case TooFar:
		return "too far"
	case Unknown:
		return "unknown label"
	}
	return "?"
}

// Action is the trace of one detection through Decide.
type Action struct {
	LabelID int
	Label   string
	Handler Handler
	Outcome Outcome
}

// Decision is the result for one frame. Speed is what the actuator should be
// set to; a non-zero Hold asks the caller to wait that long before acting on
// further frames.
type Decision struct {
	State   State
	Speed   int
	Hold    time.Duration
	Actions []Action
}

// Decide applies every detection of one frame, in order, to a proposal seeded
// from the current speed limit. Conflicting handlers resolve last-applied-wins.
// It has no side effects besides diagnostic logging.
func Decide(p *PolicyTable, s State, dets []types.Detection, f Frame) Decision {
	limit := p.clamp(s.Car.SpeedLimit)
	car := CarState{Speed: limit, SpeedLimit: limit}
	stop := s.Stop

	if len(dets) == 0 {
		monitoring.Logf("no objects detected, drive at speed limit of %d", limit)
	}

	actions := make([]Action, 0, len(dets))
	stopSeen := false
	for _, d := range dets {
		name := p.LabelName(d.LabelID)
		h, ok := p.Handlers[d.LabelID]
		if !ok {
			monitoring.Logf("[%s] no handler for label id %d, ignoring", name, d.LabelID)
			actions = append(actions, Action{LabelID: d.LabelID, Label: name, Outcome: Unknown})
			continue
		}
		// a stop sign in view keeps the stop state alive even when far away
		if h.Kind == StopSign {
			stopSeen = true
		}
		if !p.IsCloseBy(h.Kind, d.Box.Height(), f.Height) {
			monitoring.Logf("[%s] object detected, but it is too far, ignoring", name)
			actions = append(actions, Action{LabelID: d.LabelID, Label: name, Handler: h, Outcome: TooFar})
			continue
		}
		apply(p, h, &car, &stop, f.Time)
		actions = append(actions, Action{LabelID: d.LabelID, Label: name, Handler: h, Outcome: Applied})
	}

	if !stopSeen {
		stop = clearStop(p, stop)
	}

	dec := Decision{Actions: actions}
	if car.Speed == 0 {
		dec.Speed = 0
		dec.Hold = p.StopDwell
	} else {
		dec.Speed = car.SpeedLimit
	}
	dec.State = State{
		Car:  CarState{Speed: dec.Speed, SpeedLimit: car.SpeedLimit},
		Stop: stop,
	}
	monitoring.Logf("current speed = %d, new speed = %d", s.Car.Speed, dec.Speed)
	return dec
}

func apply(p *PolicyTable, h Handler, car *CarState, stop *StopSignState, now time.Time) {
	switch h.Kind {
	case RedLight:
		monitoring.Logf("red light: stopping car")
		car.Speed = 0
	case YellowLight:
		monitoring.Logf("yellow light: stopping car")
		car.Speed = 0
	case Pedestrian:
		monitoring.Logf("pedestrian: stopping car")
		car.Speed = 0
	case GreenLight:
		monitoring.Logf("green light: make no changes")
		car.Speed = car.SpeedLimit
	case Yield:
		car.SpeedLimit = p.clamp(int(float64(car.SpeedLimit) * p.YieldFactor))
		monitoring.Logf("yield: reduce speed limit to %d", car.SpeedLimit)
	case SpeedLimit:
		car.SpeedLimit = p.clamp(h.Limit)
		monitoring.Logf("speed limit: set limit to %d", car.SpeedLimit)
	case StopSign:
		stop.Missing = 0
		switch {
		case !stop.Stopped:
			monitoring.Logf("stop sign: 1) just detected")
			car.Speed = 0
			stop.Stopped = true
			stop.StoppedAt = now
		case now.Before(stop.StoppedAt.Add(p.StopWait)):
			monitoring.Logf("stop sign: 2) still waiting")
			car.Speed = 0
		default:
			monitoring.Logf("stop sign: 2) done waiting, resuming")
		}
	}
}

func clearStop(p *PolicyTable, stop StopSignState) StopSignState {
	if !stop.Stopped {
		return stop
	}
	stop.Missing++
	if stop.Missing >= p.clearFrames() {
		monitoring.Logf("stop sign: 3) no more stop sign detected")
		return StopSignState{}
	}
	return stop
}
