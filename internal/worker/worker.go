package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/roadpilot/internal/types"
	"github.com/andresmejia3/roadpilot/internal/utils"
)

var (
	// ErrWorkerTimeout is returned when the detector takes longer than ReadTimeout on a frame.
	ErrWorkerTimeout = errors.New("detector worker timed out")
	// ErrWorkerExited is returned when the detector closes its data pipe mid-frame.
	ErrWorkerExited = errors.New("detector worker exited")
)

const (
	statusOK    = 0
	statusError = 1

	// detectionSize is label, score and four box coordinates, 4 bytes each
	detectionSize = 24
)

// Detector turns one JPEG frame into the objects found in it.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]types.Detection, error)
	Close() error
}

// Config holds the options passed to the detector worker process.
type Config struct {
	Python        string
	Script        string
	Model         string
	Labels        string
	MinConfidence float64
	TopK          int
	ReadTimeout   time.Duration
}

func (c Config) args() []string {
	script := c.Script
	if script == "" {
		script = "python/detector.py"
	}
	args := []string{"-u", script,
		"--threshold", strconv.FormatFloat(c.MinConfidence, 'f', -1, 64),
		"--top-k", strconv.Itoa(c.TopK),
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if c.Labels != "" {
		args = append(args, "--labels", c.Labels)
	}
	return args
}

// PythonDetector runs the accelerator-backed detector as a child process.
type PythonDetector struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	cfg      Config
	broken   bool
}

// NewPythonDetector starts the worker. Frames are written to its stdin and
// results read back from a side-channel pipe at FD 3, so anything the model
// prints can never corrupt the data stream.
func NewPythonDetector(ctx context.Context, id int, cfg Config) (*PythonDetector, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	py := utils.NewSafeCommand(ctx, python, cfg.args()...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonDetector{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

// Communicate sends one length-prefixed frame and reads one length-prefixed reply.
func (w *PythonDetector) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("worker %d: %w", w.ID, ErrWorkerExited)
		}
		return nil, err
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, fmt.Errorf("worker %d: %w: short reply: %v", w.ID, ErrWorkerExited, err)
	}
	return respBody, nil
}

// ProcessFrame sends a frame and decodes the detections in the reply.
func (w *PythonDetector) ProcessFrame(data []byte) ([]types.Detection, error) {
	resp, err := w.Communicate(data)
	if err != nil {
		return nil, err
	}
	dets, err := decodeDetections(resp)
	if err != nil {
		return nil, err
	}
	return Filter(dets, w.cfg.MinConfidence, w.cfg.TopK), nil
}

// Detect runs ProcessFrame bounded by the configured read timeout. A timed
// out or cancelled worker is killed and cannot be used again.
func (w *PythonDetector) Detect(ctx context.Context, frame []byte) ([]types.Detection, error) {
	if w.broken {
		return nil, fmt.Errorf("worker %d: %w", w.ID, ErrWorkerExited)
	}

	type result struct {
		dets []types.Detection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		dets, err := w.ProcessFrame(frame)
		done <- result{dets: dets, err: err}
	}()

	var timeout <-chan time.Time
	if w.cfg.ReadTimeout > 0 {
		timer := time.NewTimer(w.cfg.ReadTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		return r.dets, r.err
	case <-timeout:
		w.kill()
		return nil, fmt.Errorf("worker %d: %w after %s", w.ID, ErrWorkerTimeout, w.cfg.ReadTimeout)
	case <-ctx.Done():
		w.kill()
		return nil, ctx.Err()
	}
}

func (w *PythonDetector) kill() {
	w.broken = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	// unblocks the reader goroutine
	w.DataPipe.Close()
}

// Close shuts the worker down and waits for it to exit.
func (w *PythonDetector) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil || w.Cmd.Process == nil {
		return nil
	}
	if err := w.Cmd.Wait(); err != nil && !w.broken {
		return err
	}
	return nil
}

// decodeDetections parses a reply payload.
//
//	OK:    [0][uint32 count] then count x [int32 label][float32 score][int32 x0 y0 x1 y1]
//	Error: [1][uint32 len][message]
func decodeDetections(payload []byte) ([]types.Detection, error) {
	if len(payload) < 5 {
		return nil, fmt.Errorf("detector reply too short: %d bytes", len(payload))
	}
	status := payload[0]
	n := binary.BigEndian.Uint32(payload[1:5])
	body := payload[5:]

	switch status {
	case statusOK:
	case statusError:
		if uint32(len(body)) < n {
			return nil, fmt.Errorf("detector error message truncated")
		}
		return nil, fmt.Errorf("detector worker error: %s", body[:n])
	default:
		return nil, fmt.Errorf("unknown detector status %d", status)
	}

	if uint64(len(body)) != uint64(n)*detectionSize {
		return nil, fmt.Errorf("detector reply has %d bytes for %d detections", len(body), n)
	}

	var raw struct {
		Label          int32
		Score          float32
		X0, Y0, X1, Y1 int32
	}
	r := bytes.NewReader(body)
	dets := make([]types.Detection, 0, n)
	for i := uint32(0); i < n; i++ {
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, err
		}
		if math.IsNaN(float64(raw.Score)) {
			continue
		}
		dets = append(dets, types.Detection{
			LabelID:    int(raw.Label),
			Confidence: float64(raw.Score),
			Box:        types.Box{X0: int(raw.X0), Y0: int(raw.Y0), X1: int(raw.X1), Y1: int(raw.Y1)},
		})
	}
	return dets, nil
}

// Filter drops detections under minConfidence and keeps at most topK, in the
// order the detector reported them. A topK below 1 keeps everything.
func Filter(dets []types.Detection, minConfidence float64, topK int) []types.Detection {
	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence < minConfidence {
			continue
		}
		out = append(out, d)
		if topK > 0 && len(out) == topK {
			break
		}
	}
	return out
}
