// Package drive runs the driver loop: it feeds camera frames through the
// detector and the traffic engine and sends the resulting speed to the car.
package drive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/roadpilot/internal/actuator"
	"github.com/andresmejia3/roadpilot/internal/monitoring"
	"github.com/andresmejia3/roadpilot/internal/store"
	"github.com/andresmejia3/roadpilot/internal/timeutil"
	"github.com/andresmejia3/roadpilot/internal/traffic"
	"github.com/andresmejia3/roadpilot/internal/types"
	"github.com/andresmejia3/roadpilot/internal/worker"
)

// CommandLog receives every speed command. store.DriveLog satisfies it.
type CommandLog interface {
	RecordCommand(ctx context.Context, c store.Command) error
}

// Options configure a Controller. Every field is optional.
type Options struct {
	Actuator actuator.Actuator
	Log      CommandLog
	Clock    timeutil.Clock
	// SessionID tags recorded commands.
	SessionID string
	// FrameHeight is the camera frame height in pixels used for proximity.
	FrameHeight int
	// SpeedLimit is the starting limit; nil uses traffic.DefaultSpeedLimit.
	// A limit of 0 keeps the car parked.
	SpeedLimit *int
	// OnDecision is called after every processed frame.
	OnDecision func(task types.FrameTask, dec traffic.Decision)
	// Release is called once per frame when the controller is done with its
	// buffer, whether the frame was processed or dropped.
	Release func(task types.FrameTask)
}

// Stats summarise a run.
type Stats struct {
	Frames    int
	Dropped   int
	Stops     int
	LastSpeed int
}

// Controller owns the cross-frame state of one drive. It is not safe for
// concurrent use.
type Controller struct {
	policy   *traffic.PolicyTable
	detector worker.Detector
	opts     Options

	state    traffic.State
	resumeAt time.Time
	stats    Stats
}

// NewController builds a controller around a validated policy.
func NewController(policy *traffic.PolicyTable, det worker.Detector, opts Options) *Controller {
	if opts.Actuator == nil {
		opts.Actuator = actuator.None()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.FrameHeight <= 0 {
		opts.FrameHeight = 480
	}
	limit := traffic.DefaultSpeedLimit
	if opts.SpeedLimit != nil {
		limit = *opts.SpeedLimit
	}
	return &Controller{
		policy:   policy,
		detector: det,
		opts:     opts,
		state:    traffic.InitialState(limit),
	}
}

// State returns the current cross-frame state.
func (c *Controller) State() traffic.State { return c.state }

// Stats returns the counters so far.
func (c *Controller) Stats() Stats { return c.stats }

// Step processes one frame: detect, decide, command the car, record, and
// wait out any hold the decision asks for.
func (c *Controller) Step(ctx context.Context, task types.FrameTask) (traffic.Decision, error) {
	dets, err := c.detector.Detect(ctx, task.Data)
	if err != nil {
		c.Halt()
		return traffic.Decision{}, fmt.Errorf("frame %d: detection failed: %w", task.Index, err)
	}

	now := c.frameTime(task)
	prev := c.state
	dec := traffic.Decide(c.policy, prev, dets, traffic.Frame{Height: c.opts.FrameHeight, Time: now})
	c.state = dec.State

	c.stats.Frames++
	c.stats.LastSpeed = dec.Speed
	if dec.Speed == 0 && prev.Car.Speed != 0 {
		c.stats.Stops++
	}

	if err := c.opts.Actuator.SetSpeed(dec.Speed); err != nil {
		return dec, fmt.Errorf("frame %d: failed to set speed %d: %w", task.Index, dec.Speed, err)
	}
	c.record(ctx, task, now, dec)

	if c.opts.OnDecision != nil {
		c.opts.OnDecision(task, dec)
	}
	if dec.Hold > 0 {
		c.opts.Clock.Sleep(dec.Hold)
		c.resumeAt = now.Add(dec.Hold)
	}
	return dec, nil
}

// Run consumes frames until the channel is closed, the context is cancelled
// or a frame fails. Frames captured while the car is holding are dropped.
func (c *Controller) Run(ctx context.Context, frames <-chan types.FrameTask) (Stats, error) {
	for {
		select {
		case <-ctx.Done():
			return c.stats, ctx.Err()
		case task, ok := <-frames:
			if !ok {
				return c.stats, nil
			}
			if c.holding(task) {
				c.stats.Dropped++
				c.release(task)
				continue
			}
			_, err := c.Step(ctx, task)
			c.release(task)
			if err != nil {
				return c.stats, err
			}
		}
	}
}

// Halt commands speed 0. Failures are logged, there is nothing else to do.
func (c *Controller) Halt() {
	if err := c.opts.Actuator.SetSpeed(0); err != nil {
		monitoring.Logf("failed to stop the car: %v", err)
	}
	c.stats.LastSpeed = 0
}

func (c *Controller) frameTime(task types.FrameTask) time.Time {
	if task.CapturedAt.IsZero() {
		return c.opts.Clock.Now()
	}
	return task.CapturedAt
}

func (c *Controller) holding(task types.FrameTask) bool {
	return !c.resumeAt.IsZero() && c.frameTime(task).Before(c.resumeAt)
}

func (c *Controller) release(task types.FrameTask) {
	if c.opts.Release != nil {
		c.opts.Release(task)
	}
}

func (c *Controller) record(ctx context.Context, task types.FrameTask, now time.Time, dec traffic.Decision) {
	if c.opts.Log == nil {
		return
	}
	err := c.opts.Log.RecordCommand(ctx, store.Command{
		SessionID:  c.opts.SessionID,
		FrameIndex: task.Index,
		Speed:      dec.Speed,
		SpeedLimit: dec.State.Car.SpeedLimit,
		Hold:       dec.Hold,
		Stopped:    dec.State.Stop.Stopped,
		Objects:    Describe(dec.Actions),
		RecordedAt: now,
	})
	if err != nil {
		monitoring.Logf("failed to record frame %d: %v", task.Index, err)
	}
}

// Describe renders an action trace as "stop_sign(applied), label 9(unknown label)".
func Describe(actions []traffic.Action) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		name := a.Label
		if a.Outcome != traffic.Unknown {
			name = a.Handler.String()
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", name, a.Outcome))
	}
	return strings.Join(parts, ", ")
}
