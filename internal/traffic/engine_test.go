package traffic

import (
	"testing"
	"time"

	"github.com/andresmejia3/roadpilot/internal/monitoring"
	"github.com/andresmejia3/roadpilot/internal/types"
	"github.com/google/go-cmp/cmp"
)

const frameHeight = 480

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// det builds a detection whose box is h pixels tall.
func det(label, h int) types.Detection {
	return types.Detection{LabelID: label, Confidence: 0.9, Box: types.Box{X0: 100, Y0: 100, X1: 150, Y1: 100 + h}}
}

const (
	red     = 0
	yellow  = 1
	green   = 2
	person  = 3
	yield   = 4
	stop    = 5
	limit15 = 6
	limit30 = 7

	near = 120 // 0.25 of the frame
	far  = 10  // 0.02 of the frame
)

func frameAt(d time.Duration) Frame {
	return Frame{Height: frameHeight, Time: t0.Add(d)}
}

func TestDecide_SingleDetections(t *testing.T) {
	tests := []struct {
		name      string
		dets      []types.Detection
		wantSpeed int
		wantLimit int
		wantHold  time.Duration
	}{
		{name: "no detections cruise at limit", dets: nil, wantSpeed: 30, wantLimit: 30},
		{name: "red light stops", dets: []types.Detection{det(red, near)}, wantSpeed: 0, wantLimit: 30, wantHold: time.Second},
		{name: "yellow light stops", dets: []types.Detection{det(yellow, near)}, wantSpeed: 0, wantLimit: 30, wantHold: time.Second},
		{name: "pedestrian stops", dets: []types.Detection{det(person, near)}, wantSpeed: 0, wantLimit: 30, wantHold: time.Second},
		{name: "green light keeps limit", dets: []types.Detection{det(green, near)}, wantSpeed: 30, wantLimit: 30},
		{name: "yield halves limit", dets: []types.Detection{det(yield, near)}, wantSpeed: 15, wantLimit: 15},
		{name: "speed limit 15", dets: []types.Detection{det(limit15, near)}, wantSpeed: 15, wantLimit: 15},
		{name: "far red light ignored", dets: []types.Detection{det(red, far)}, wantSpeed: 30, wantLimit: 30},
		{name: "far speed limit ignored", dets: []types.Detection{det(limit15, far)}, wantSpeed: 30, wantLimit: 30},
		{name: "unknown label ignored", dets: []types.Detection{det(42, near)}, wantSpeed: 30, wantLimit: 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := Decide(DefaultPolicy(), InitialState(30), tt.dets, frameAt(0))
			if dec.Speed != tt.wantSpeed {
				t.Errorf("Speed = %d, want %d", dec.Speed, tt.wantSpeed)
			}
			if dec.State.Car.SpeedLimit != tt.wantLimit {
				t.Errorf("SpeedLimit = %d, want %d", dec.State.Car.SpeedLimit, tt.wantLimit)
			}
			if dec.Hold != tt.wantHold {
				t.Errorf("Hold = %v, want %v", dec.Hold, tt.wantHold)
			}
			if dec.State.Car.Speed != dec.Speed {
				t.Errorf("State.Car.Speed = %d, want committed speed %d", dec.State.Car.Speed, dec.Speed)
			}
		})
	}
}

func TestDecide_UnknownLabelsLeaveStateUnchanged(t *testing.T) {
	p := DefaultPolicy()
	for _, start := range []State{InitialState(30), InitialState(15)} {
		for _, label := range []int{-1, 8, 9, 100} {
			dec := Decide(p, start, []types.Detection{det(label, near)}, frameAt(0))
			if diff := cmp.Diff(start, dec.State); diff != "" {
				t.Errorf("label %d changed state (-want +got):\n%s", label, diff)
			}
			if len(dec.Actions) != 1 || dec.Actions[0].Outcome != Unknown {
				t.Errorf("label %d: actions = %+v, want one Unknown", label, dec.Actions)
			}
		}
	}
}

func TestDecide_LastAppliedWins(t *testing.T) {
	dets := []types.Detection{det(limit15, near), det(limit30, near)}
	dec := Decide(DefaultPolicy(), InitialState(30), dets, frameAt(0))
	if dec.State.Car.SpeedLimit != 30 || dec.Speed != 30 {
		t.Errorf("got limit %d speed %d, want 30/30 (last applied wins)", dec.State.Car.SpeedLimit, dec.Speed)
	}

	dets = []types.Detection{det(limit30, near), det(limit15, near)}
	dec = Decide(DefaultPolicy(), InitialState(30), dets, frameAt(0))
	if dec.State.Car.SpeedLimit != 15 || dec.Speed != 15 {
		t.Errorf("got limit %d speed %d, want 15/15 (last applied wins)", dec.State.Car.SpeedLimit, dec.Speed)
	}
}

func TestDecide_GreenAfterRedRestoresLimit(t *testing.T) {
	dets := []types.Detection{det(red, near), det(green, near)}
	dec := Decide(DefaultPolicy(), InitialState(30), dets, frameAt(0))
	if dec.Speed != 30 || dec.Hold != 0 {
		t.Errorf("got speed %d hold %v, want 30 and no hold", dec.Speed, dec.Hold)
	}

	// re-applying the same variant changes nothing
	dets = []types.Detection{det(red, near), det(green, near), det(green, near)}
	again := Decide(DefaultPolicy(), InitialState(30), dets, frameAt(0))
	if diff := cmp.Diff(dec.State, again.State); diff != "" {
		t.Errorf("second green changed state (-want +got):\n%s", diff)
	}
}

func TestDecide_LimitPersistsAcrossFrames(t *testing.T) {
	p := DefaultPolicy()
	s := Decide(p, InitialState(30), []types.Detection{det(limit15, near)}, frameAt(0)).State

	dec := Decide(p, s, nil, frameAt(time.Second))
	if dec.Speed != 15 {
		t.Errorf("speed on frame after limit sign = %d, want 15", dec.Speed)
	}

	// a red light on the previous frame does not carry over
	s = Decide(p, dec.State, []types.Detection{det(red, near)}, frameAt(2*time.Second)).State
	dec = Decide(p, s, nil, frameAt(3*time.Second))
	if dec.Speed != 15 {
		t.Errorf("speed after red light cleared = %d, want 15", dec.Speed)
	}
}

func TestDecide_SpeedsClampedToMax(t *testing.T) {
	p := DefaultPolicy()
	p.Handlers[9] = Handler{Kind: SpeedLimit, Limit: 55}

	dec := Decide(p, InitialState(30), []types.Detection{det(9, near)}, frameAt(0))
	if dec.Speed != 30 || dec.State.Car.SpeedLimit != 30 {
		t.Errorf("got speed %d limit %d, want both clamped to 30", dec.Speed, dec.State.Car.SpeedLimit)
	}

	dec = Decide(p, InitialState(99), nil, frameAt(0))
	if dec.Speed != 30 {
		t.Errorf("over-limit starting state gave speed %d, want 30", dec.Speed)
	}
}

func TestDecide_Proximity(t *testing.T) {
	p := DefaultPolicy()

	// lights need more than 10% of the frame, signs more than 5%
	tests := []struct {
		name   string
		label  int
		height int
		want   Outcome
	}{
		{"light at threshold", red, 48, TooFar},
		{"light above threshold", red, 49, Applied},
		{"sign at threshold", limit15, 24, TooFar},
		{"sign above threshold", limit15, 25, Applied},
		{"light between sign and light thresholds", red, 30, TooFar},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := Decide(p, InitialState(30), []types.Detection{det(tt.label, tt.height)}, frameAt(0))
			if got := dec.Actions[0].Outcome; got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
		})
	}

	dec := Decide(p, InitialState(30), []types.Detection{det(red, near)}, Frame{Height: 0})
	if dec.Speed != 30 {
		t.Errorf("zero frame height should treat detections as far, got speed %d", dec.Speed)
	}
}

func TestDecide_StopSignStopThenResume(t *testing.T) {
	p := DefaultPolicy()
	s := InitialState(30)

	dec := Decide(p, s, []types.Detection{det(stop, near)}, frameAt(0))
	if dec.Speed != 0 || !dec.State.Stop.Stopped || dec.Hold != time.Second {
		t.Fatalf("frame 1: speed %d stopped %v hold %v, want 0/true/1s", dec.Speed, dec.State.Stop.Stopped, dec.Hold)
	}

	dec = Decide(p, dec.State, nil, frameAt(time.Second))
	if dec.Speed != 30 {
		t.Errorf("frame 2: speed %d, want 30", dec.Speed)
	}
	if diff := cmp.Diff(StopSignState{}, dec.State.Stop); diff != "" {
		t.Errorf("frame 2: stop state not cleared (-want +got):\n%s", diff)
	}
}

func TestDecide_StopSignStillInView(t *testing.T) {
	p := DefaultPolicy()
	s := InitialState(30)
	wants := []int{0, 30, 30}
	for i, want := range wants {
		dec := Decide(p, s, []types.Detection{det(stop, near)}, frameAt(time.Duration(i)*time.Second))
		if dec.Speed != want {
			t.Errorf("frame %d: speed %d, want %d", i+1, dec.Speed, want)
		}
		if !dec.State.Stop.Stopped {
			t.Errorf("frame %d: stop state cleared while sign still in view", i+1)
		}
		s = dec.State
	}

	// only after the sign is gone can the car stop for the next one
	s = Decide(p, s, nil, frameAt(3*time.Second)).State
	dec := Decide(p, s, []types.Detection{det(stop, near)}, frameAt(4*time.Second))
	if dec.Speed != 0 {
		t.Errorf("new stop sign: speed %d, want 0", dec.Speed)
	}
}

func TestDecide_FarStopSignKeepsState(t *testing.T) {
	p := DefaultPolicy()
	s := Decide(p, InitialState(30), []types.Detection{det(stop, near)}, frameAt(0)).State

	dec := Decide(p, s, []types.Detection{det(stop, far)}, frameAt(time.Second))
	if !dec.State.Stop.Stopped {
		t.Error("far stop sign should still count as present")
	}
	if dec.Speed != 30 {
		t.Errorf("far stop sign speed %d, want 30", dec.Speed)
	}

	dec = Decide(p, dec.State, nil, frameAt(2*time.Second))
	if dec.State.Stop.Stopped {
		t.Error("stop state should clear once the sign is gone")
	}
}

func TestDecide_StopSignWait(t *testing.T) {
	p := DefaultPolicy()
	p.StopWait = 2 * time.Second
	s := InitialState(30)

	steps := []struct {
		at   time.Duration
		want int
	}{
		{0, 0},
		{time.Second, 0},
		{1900 * time.Millisecond, 0},
		{2 * time.Second, 30},
		{3 * time.Second, 30},
	}
	for _, st := range steps {
		dec := Decide(p, s, []types.Detection{det(stop, near)}, frameAt(st.at))
		if dec.Speed != st.want {
			t.Errorf("at %v: speed %d, want %d", st.at, dec.Speed, st.want)
		}
		s = dec.State
	}
	if !s.Stop.StoppedAt.Equal(t0) {
		t.Errorf("StoppedAt = %v, want first stop time %v", s.Stop.StoppedAt, t0)
	}
}

func TestDecide_StopSignDebounce(t *testing.T) {
	p := DefaultPolicy()
	p.StopClearFrames = 3
	s := Decide(p, InitialState(30), []types.Detection{det(stop, near)}, frameAt(0)).State

	for i := 1; i <= 2; i++ {
		s = Decide(p, s, nil, frameAt(time.Duration(i)*time.Second)).State
		if !s.Stop.Stopped || s.Stop.Missing != i {
			t.Fatalf("after %d missing frames: %+v, want still stopped", i, s.Stop)
		}
	}

	// a glitch frame with the sign back resets the count
	s = Decide(p, s, []types.Detection{det(stop, near)}, frameAt(3*time.Second)).State
	if s.Stop.Missing != 0 {
		t.Errorf("missing = %d after sign reappeared, want 0", s.Stop.Missing)
	}

	for i := 0; i < 3; i++ {
		s = Decide(p, s, nil, frameAt(time.Duration(4+i)*time.Second)).State
	}
	if s.Stop.Stopped {
		t.Errorf("stop state should clear after 3 frames without a sign, got %+v", s.Stop)
	}
}

func TestDecide_ActionsTrace(t *testing.T) {
	dets := []types.Detection{det(red, near), det(limit15, far), det(77, near)}
	dec := Decide(DefaultPolicy(), InitialState(30), dets, frameAt(0))

	want := []Action{
		{LabelID: red, Label: "red_light", Handler: Handler{Kind: RedLight}, Outcome: Applied},
		{LabelID: limit15, Label: "speed_limit(15)", Handler: Handler{Kind: SpeedLimit, Limit: 15}, Outcome: TooFar},
		{LabelID: 77, Label: "label 77", Outcome: Unknown},
	}
	if diff := cmp.Diff(want, dec.Actions); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
}
