// Package actuator commands the car's drive wheels.
package actuator

import (
	"fmt"
	"io"
	"sync"
)

// Actuator sets the speed of the car's back wheels.
type Actuator interface {
	SetSpeed(speed int) error
	Close() error
}

type none struct{}

func (none) SetSpeed(int) error { return nil }
func (none) Close() error       { return nil }

// None returns an actuator that accepts every command and does nothing, for
// running without a car attached.
func None() Actuator { return none{} }

// Port is the part of a serial port the actuator needs.
type Port interface {
	io.Writer
	io.Closer
}

// Serial drives a motor controller that reads "SPEED <n>\n" lines.
type Serial struct {
	mu   sync.Mutex
	port Port
}

// NewSerial wraps an already open port.
func NewSerial(port Port) *Serial {
	return &Serial{port: port}
}

// SetSpeed writes one speed command.
func (s *Serial) SetSpeed(speed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.port, "SPEED %d\n", speed); err != nil {
		return fmt.Errorf("failed to write speed %d: %w", speed, err)
	}
	return nil
}

// Close closes the underlying port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

// Recorder keeps every commanded speed in memory.
type Recorder struct {
	mu     sync.Mutex
	speeds []int
}

func (r *Recorder) SetSpeed(speed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speeds = append(r.speeds, speed)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Speeds returns the commanded speeds in order.
func (r *Recorder) Speeds() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.speeds))
	copy(out, r.speeds)
	return out
}
