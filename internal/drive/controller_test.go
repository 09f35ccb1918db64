package drive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andresmejia3/roadpilot/internal/actuator"
	"github.com/andresmejia3/roadpilot/internal/monitoring"
	"github.com/andresmejia3/roadpilot/internal/store"
	"github.com/andresmejia3/roadpilot/internal/timeutil"
	"github.com/andresmejia3/roadpilot/internal/traffic"
	"github.com/andresmejia3/roadpilot/internal/types"
	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// scriptedDetector answers by frame payload.
type scriptedDetector struct {
	byFrame map[string][]types.Detection
	err     error
	calls   int
}

func (d *scriptedDetector) Detect(_ context.Context, frame []byte) ([]types.Detection, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.byFrame[string(frame)], nil
}

func (d *scriptedDetector) Close() error { return nil }

func stopSignAhead() *scriptedDetector {
	return &scriptedDetector{byFrame: map[string][]types.Detection{
		"stop": {{LabelID: 5, Confidence: 0.9, Box: types.Box{X0: 10, Y0: 10, X1: 60, Y1: 130}}},
	}}
}

type memLog struct {
	cmds []store.Command
	err  error
}

func (l *memLog) RecordCommand(_ context.Context, c store.Command) error {
	if l.err != nil {
		return l.err
	}
	l.cmds = append(l.cmds, c)
	return nil
}

func frame(i int, at time.Duration, data string) types.FrameTask {
	return types.FrameTask{Index: i, Data: []byte(data), CapturedAt: t0.Add(at)}
}

func feed(tasks ...types.FrameTask) <-chan types.FrameTask {
	ch := make(chan types.FrameTask, len(tasks))
	for _, t := range tasks {
		ch <- t
	}
	close(ch)
	return ch
}

func TestRun_StopHoldAndResume(t *testing.T) {
	det := stopSignAhead()
	car := &actuator.Recorder{}
	clock := timeutil.NewMockClock(t0)
	log := &memLog{}
	released := 0

	c := NewController(traffic.DefaultPolicy(), det, Options{
		Actuator:  car,
		Log:       log,
		Clock:     clock,
		SessionID: "s1",
		Release:   func(types.FrameTask) { released++ },
	})

	stats, err := c.Run(context.Background(), feed(
		frame(1, 0, "stop"),
		frame(2, 500*time.Millisecond, "stop"), // inside the hold
		frame(3, time.Second, "stop"),
		frame(4, 1100*time.Millisecond, ""),
	))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := Stats{Frames: 3, Dropped: 1, Stops: 1, LastSpeed: 30}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 30, 30}, car.Speeds()); diff != "" {
		t.Errorf("Speeds mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{time.Second}, clock.Sleeps()); diff != "" {
		t.Errorf("Sleeps mismatch (-want +got):\n%s", diff)
	}
	if det.calls != 3 {
		t.Errorf("Expected the dropped frame to skip detection, got %d calls", det.calls)
	}
	if released != 4 {
		t.Errorf("Expected every frame to be released, got %d", released)
	}

	wantCmds := []store.Command{
		{SessionID: "s1", FrameIndex: 1, Speed: 0, SpeedLimit: 30, Hold: time.Second, Stopped: true, Objects: "stop_sign(applied)", RecordedAt: t0},
		{SessionID: "s1", FrameIndex: 3, Speed: 30, SpeedLimit: 30, Stopped: true, Objects: "stop_sign(applied)", RecordedAt: t0.Add(time.Second)},
		{SessionID: "s1", FrameIndex: 4, Speed: 30, SpeedLimit: 30, Objects: "", RecordedAt: t0.Add(1100 * time.Millisecond)},
	}
	if diff := cmp.Diff(wantCmds, log.cmds); diff != "" {
		t.Errorf("Recorded commands mismatch (-want +got):\n%s", diff)
	}
	if c.State().Stop.Stopped {
		t.Error("Expected the stop state to clear once the sign is gone")
	}
}

func TestStep_NilActuator(t *testing.T) {
	c := NewController(traffic.DefaultPolicy(), stopSignAhead(), Options{Clock: timeutil.NewMockClock(t0)})

	dec, err := c.Step(context.Background(), frame(1, 0, ""))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if dec.Speed != traffic.DefaultSpeedLimit {
		t.Errorf("Expected speed %d, got %d", traffic.DefaultSpeedLimit, dec.Speed)
	}
}

func TestStep_ZeroSpeedLimitKeepsCarParked(t *testing.T) {
	car := &actuator.Recorder{}
	zero := 0
	green := &scriptedDetector{byFrame: map[string][]types.Detection{
		"green": {{LabelID: 2, Confidence: 0.9, Box: types.Box{X0: 0, Y0: 0, X1: 100, Y1: 100}}},
	}}
	c := NewController(traffic.DefaultPolicy(), green, Options{
		Actuator:   car,
		Clock:      timeutil.NewMockClock(t0),
		SpeedLimit: &zero,
	})

	for i, data := range []string{"", "green"} {
		if _, err := c.Step(context.Background(), frame(i+1, time.Duration(i)*time.Second, data)); err != nil {
			t.Fatalf("Step %d failed: %v", i+1, err)
		}
	}
	if diff := cmp.Diff([]int{0, 0}, car.Speeds()); diff != "" {
		t.Errorf("Speeds mismatch (-want +got):\n%s", diff)
	}
	if got := c.State().Car.SpeedLimit; got != 0 {
		t.Errorf("Expected speed limit 0, got %d", got)
	}
}

func TestStep_UsesClockWhenFrameHasNoTimestamp(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	c := NewController(traffic.DefaultPolicy(), stopSignAhead(), Options{Clock: clock})

	if _, err := c.Step(context.Background(), types.FrameTask{Index: 1, Data: []byte("stop")}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got := c.State().Stop.StoppedAt; !got.Equal(t0) {
		t.Errorf("StoppedAt = %v, want %v", got, t0)
	}
	if got := clock.Now(); !got.Equal(t0.Add(time.Second)) {
		t.Errorf("Expected the hold to advance the clock to %v, got %v", t0.Add(time.Second), got)
	}
}

func TestStep_DetectorErrorStopsCar(t *testing.T) {
	boom := errors.New("worker crashed")
	car := &actuator.Recorder{}
	c := NewController(traffic.DefaultPolicy(), &scriptedDetector{err: boom}, Options{Actuator: car})

	_, err := c.Run(context.Background(), feed(frame(1, 0, "")))
	if !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped detector error, got %v", err)
	}
	if diff := cmp.Diff([]int{0}, car.Speeds()); diff != "" {
		t.Errorf("Expected a single stop command (-want +got):\n%s", diff)
	}
}

func TestStep_LogErrorKeepsDriving(t *testing.T) {
	car := &actuator.Recorder{}
	c := NewController(traffic.DefaultPolicy(), stopSignAhead(), Options{
		Actuator: car,
		Log:      &memLog{err: errors.New("database is gone")},
		Clock:    timeutil.NewMockClock(t0),
	})

	if _, err := c.Step(context.Background(), frame(1, 0, "")); err != nil {
		t.Fatalf("Expected recorder errors to be swallowed, got %v", err)
	}
	if diff := cmp.Diff([]int{30}, car.Speeds()); diff != "" {
		t.Errorf("Speeds mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewController(traffic.DefaultPolicy(), stopSignAhead(), Options{})
	_, err := c.Run(ctx, make(chan types.FrameTask))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	actions := []traffic.Action{
		{LabelID: 5, Label: "stop", Handler: traffic.Handler{Kind: traffic.StopSign}, Outcome: traffic.Applied},
		{LabelID: 7, Label: "speed 30", Handler: traffic.Handler{Kind: traffic.SpeedLimit, Limit: 30}, Outcome: traffic.TooFar},
		{LabelID: 9, Label: "label 9", Outcome: traffic.Unknown},
	}
	want := "stop_sign(applied), speed_limit(30)(too far), label 9(unknown label)"
	if got := Describe(actions); got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
}
