package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/roadpilot/internal/actuator"
	"github.com/andresmejia3/roadpilot/internal/config"
	"github.com/andresmejia3/roadpilot/internal/drive"
	"github.com/andresmejia3/roadpilot/internal/store"
	"github.com/andresmejia3/roadpilot/internal/timeutil"
	"github.com/andresmejia3/roadpilot/internal/traffic"
	"github.com/andresmejia3/roadpilot/internal/types"
	"github.com/andresmejia3/roadpilot/internal/utils"
	"github.com/andresmejia3/roadpilot/internal/worker"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const megabyte = 1024 * 1024

// DriveOptions holds the drive command flags.
type DriveOptions struct {
	InputPath     string
	ConfigPath    string
	LabelsPath    string
	ModelPath     string
	Detector      string
	Python        string
	SerialPath    string
	Baud          int
	SpeedLimit    int
	MinConfidence float64
	NumObjects    int
	WorkerTimeout string
	Record        bool
	NthFrame      int
}

var driveOpts DriveOptions

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Drive the car from a camera or video file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDrive(cmd.Context(), cmd.Flags(), driveOpts)
	},
}

func init() {
	f := driveCmd.Flags()
	f.StringVarP(&driveOpts.InputPath, "input", "i", "", "Video file or camera device (e.g. /dev/video0)")
	f.StringVarP(&driveOpts.ConfigPath, "config", "c", "", "JSON drive configuration")
	f.StringVarP(&driveOpts.LabelsPath, "labels", "l", "", "Label file (\"<id> <name>\" per line); default is the stock 0..7 layout")
	f.StringVarP(&driveOpts.ModelPath, "model", "m", "", "Detection model passed to the worker")
	f.StringVar(&driveOpts.Detector, "detector", "python/detector.py", "Detector worker script")
	f.StringVar(&driveOpts.Python, "python", "python3", "Python interpreter for the worker")
	f.StringVar(&driveOpts.SerialPath, "serial", "", "Motor controller serial port; empty runs headless")
	f.IntVar(&driveOpts.Baud, "baud", actuator.DefaultBaudRate, "Serial baud rate")
	f.IntVarP(&driveOpts.SpeedLimit, "speed-limit", "s", traffic.DefaultSpeedLimit, "Initial speed limit")
	f.Float64VarP(&driveOpts.MinConfidence, "min-confidence", "t", 0.30, "Drop detections below this confidence")
	f.IntVarP(&driveOpts.NumObjects, "num-objects", "k", 3, "Keep at most this many detections per frame")
	f.StringVar(&driveOpts.WorkerTimeout, "worker-timeout", "10s", "Longest wait for the worker to answer one frame")
	f.BoolVar(&driveOpts.Record, "record", false, "Record every speed command in the drive log (--db)")
	f.IntVarP(&driveOpts.NthFrame, "nth-frame", "n", 1, "Only run detection on every nth frame")

	driveCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(driveCmd)
}

// Buffer pool to reduce GC pressure while driving
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// runDrive wires the pipeline: FFmpeg frames -> detector -> engine -> car.
func runDrive(ctx context.Context, flags *pflag.FlagSet, opts DriveOptions) error {
	if err := validateDriveFlags(&opts); err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}

	cfg, err := loadDriveConfig(flags, opts)
	if err != nil {
		utils.ShowError("Invalid configuration", err, nil)
		return err
	}
	resolveFrameSize(ctx, cfg, opts.InputPath)
	policy, err := buildPolicy(cfg, opts.LabelsPath)
	if err != nil {
		utils.ShowError("Invalid traffic policy", err, nil)
		return err
	}

	// 1. Car
	car, err := openActuator(flags, opts, cfg)
	if err != nil {
		utils.ShowError("Failed to open the motor controller", err, nil)
		return err
	}
	defer func() {
		// leave the car stopped whatever happened
		if err := car.SetSpeed(0); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to stop the car: %v\n", err)
		}
		car.Close()
	}()

	// 2. Detector worker
	fmt.Fprintf(os.Stderr, "⚙️  Starting detector worker (%s)...\n", opts.Detector)
	det, err := worker.NewPythonDetector(ctx, 0, worker.Config{
		Python:        opts.Python,
		Script:        opts.Detector,
		Model:         opts.ModelPath,
		Labels:        opts.LabelsPath,
		MinConfidence: cfg.GetMinConfidence(),
		TopK:          cfg.GetNumOfObjects(),
		ReadTimeout:   cfg.GetWorkerTimeout(),
	})
	if err != nil {
		utils.ShowError("Detector startup failed", err, nil)
		return err
	}
	defer det.Close()

	// 3. Drive log
	sessionID := uuid.New().String()
	var log drive.CommandLog
	if opts.Record {
		if err := openDB(ctx); err != nil {
			utils.ShowError("Failed to open the drive log", err, nil)
			return err
		}
		if err := DB.StartSession(ctx, store.Session{
			ID:         sessionID,
			Source:     opts.InputPath,
			SpeedLimit: cfg.GetSpeedLimit(),
			StartedAt:  time.Now(),
		}); err != nil {
			utils.ShowError("Failed to register drive session", err, nil)
			return err
		}
		log = DB
		fmt.Fprintf(os.Stderr, "📼 Recording session %s\n", sessionID)
	}

	// 4. Progress
	total := -1
	if !utils.IsDevice(opts.InputPath) {
		if n := utils.GetTotalFrames(ctx, opts.InputPath); n > 0 {
			total = n
		}
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🚗 RoadPilot Driving"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	status := newStatusLine(bar, cfg.GetTimeToShowPrediction(), timeutil.RealClock{})

	// 5. Controller
	speedLimit := cfg.GetSpeedLimit()
	ctrl := drive.NewController(policy, det, drive.Options{
		Actuator:    car,
		Log:         log,
		SessionID:   sessionID,
		FrameHeight: cfg.GetFrameHeight(),
		SpeedLimit:  &speedLimit,
		OnDecision:  status.Update,
		Release: func(task types.FrameTask) {
			// Return buffer to pool once the frame is done
			frameBufferPool.Put(task.Data[:0])
		},
	})

	// 6. Start FFmpeg. Reader and controller share a group context, so
	// whichever side fails first stops the other one and the decoder.
	g, gctx := errgroup.WithContext(ctx)
	ffmpeg := utils.NewFFmpegCmd(gctx, opts.InputPath, cfg.GetFrameWidth(), cfg.GetFrameHeight())
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return err
	}
	defer ffmpegOut.Close() // Ensure pipe is closed to prevent leaks/zombies

	if err := ffmpeg.Start(); err != nil {
		utils.ShowError("Failed to start FFmpeg", err, nil)
		return err
	}

	// 7. Frame reader (producer)
	frames := make(chan types.FrameTask, 1)
	reader := &frameReader{
		NthFrame: opts.NthFrame,
		Live:     utils.IsDevice(opts.InputPath),
		Clock:    timeutil.RealClock{},
		Pool:     &frameBufferPool,
		OnFrame:  func() { bar.Add(1) },
	}
	g.Go(func() error {
		scanErr := reader.Run(gctx, ffmpegOut, frames)
		waitErr := ffmpeg.Wait()
		if scanErr != nil {
			return fmt.Errorf("frame scanner failed: %w", scanErr)
		}
		if waitErr != nil && gctx.Err() == nil {
			if stderrBuf.Len() > 0 {
				fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
			}
			return fmt.Errorf("ffmpeg execution failed: %w", waitErr)
		}
		return nil
	})

	// 8. Drive (consumer)
	var stats drive.Stats
	g.Go(func() error {
		var err error
		stats, err = ctrl.Run(gctx, frames)
		return err
	})

	err = g.Wait()
	bar.Finish()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		fmt.Fprintf(os.Stderr, "\n🛑 Interrupted, stopping the car.\n")
	default:
		utils.ShowError("Driving stopped", err, det.Cmd)
		return err
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Drive Complete. Decided %d frames (%d read, %d dropped while holding, %d stops).\n",
		stats.Frames, reader.Read(), stats.Dropped+reader.Skipped(), stats.Stops)
	return nil
}

// validateDriveFlags ensures all CLI arguments are valid before starting heavy processes.
func validateDriveFlags(opts *DriveOptions) error {
	if opts.InputPath == "" {
		return errors.New("an input video or device is required")
	}
	if !utils.IsDevice(opts.InputPath) {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input file does not exist: %w", err)
			}
			return fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
		}
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("nth-frame must be >= 1, got %d", opts.NthFrame)
	}
	return nil
}

// loadDriveConfig loads the config file, then applies the flags the user set
// explicitly on top of it.
func loadDriveConfig(flags *pflag.FlagSet, opts DriveOptions) (*config.DriveConfig, error) {
	cfg := &config.DriveConfig{}
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return nil, err
		}
	}
	if flags.Changed("speed-limit") {
		cfg.SpeedLimit = &opts.SpeedLimit
	}
	if flags.Changed("min-confidence") {
		cfg.MinConfidence = &opts.MinConfidence
	}
	if flags.Changed("num-objects") {
		cfg.NumOfObjects = &opts.NumObjects
	}
	if flags.Changed("worker-timeout") {
		cfg.WorkerTimeout = &opts.WorkerTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// probeDimensions is swapped out in tests.
var probeDimensions = utils.GetVideoDimensions

// resolveFrameSize fills frame_width and frame_height from the video file when
// the config sets neither. Cameras and failed probes keep the defaults.
func resolveFrameSize(ctx context.Context, cfg *config.DriveConfig, input string) {
	if cfg.FrameWidth != nil || cfg.FrameHeight != nil || utils.IsDevice(input) {
		return
	}
	width, height, err := probeDimensions(ctx, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Could not read video dimensions, using %dx%d: %v\n",
			cfg.GetFrameWidth(), cfg.GetFrameHeight(), err)
		return
	}
	cfg.FrameWidth, cfg.FrameHeight = &width, &height
}

// buildPolicy turns the config and optional label file into a traffic policy.
func buildPolicy(cfg *config.DriveConfig, labelsPath string) (*traffic.PolicyTable, error) {
	var labels map[int]string
	if labelsPath != "" {
		var err error
		if labels, err = traffic.LoadLabels(labelsPath); err != nil {
			return nil, err
		}
	}
	return cfg.Policy(labels)
}

func openActuator(flags *pflag.FlagSet, opts DriveOptions, cfg *config.DriveConfig) (actuator.Actuator, error) {
	if opts.SerialPath == "" {
		fmt.Fprintf(os.Stderr, "🔌 No serial port given, running headless\n")
		return actuator.None(), nil
	}
	portOpts := cfg.GetSerial()
	if flags.Changed("baud") {
		portOpts.BaudRate = opts.Baud
	}
	return actuator.OpenSerial(opts.SerialPath, portOpts)
}

// frameReader splits the FFmpeg MJPEG stream into frame tasks.
type frameReader struct {
	NthFrame int
	// Live sources never wait for the controller: a frame that cannot be
	// handed over right away is dropped so the car always sees a fresh one.
	Live    bool
	Clock   timeutil.Clock
	Pool    *sync.Pool
	OnFrame func()

	mu      sync.Mutex
	read    int
	skipped int
}

// Run reads until EOF or cancellation and closes out when done.
func (r *frameReader) Run(ctx context.Context, src io.Reader, out chan<- types.FrameTask) error {
	defer close(out)

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	nth := r.NthFrame
	if nth < 1 {
		nth = 1
	}
	index := 0
	for scanner.Scan() {
		index++
		r.mu.Lock()
		r.read = index
		r.mu.Unlock()
		if r.OnFrame != nil {
			r.OnFrame()
		}
		if index%nth != 0 {
			continue
		}

		buf := r.buffer(len(scanner.Bytes()))
		copy(buf, scanner.Bytes())
		task := types.FrameTask{Index: index, Data: buf, CapturedAt: r.Clock.Now()}

		if r.Live {
			select {
			case out <- task:
			case <-ctx.Done():
				return ctx.Err()
			default:
				r.mu.Lock()
				r.skipped++
				r.mu.Unlock()
				r.release(buf)
			}
			continue
		}
		select {
		case out <- task:
		case <-ctx.Done():
			r.release(buf)
			return ctx.Err()
		}
	}

	// Check for scanner errors (e.g. token too long, unexpected EOF)
	return scanner.Err()
}

func (r *frameReader) buffer(n int) []byte {
	var buf []byte
	if r.Pool != nil {
		buf = r.Pool.Get().([]byte)
	}
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	return buf[:n]
}

func (r *frameReader) release(buf []byte) {
	if r.Pool != nil {
		r.Pool.Put(buf[:0])
	}
}

// Read is the number of frames decoded so far.
func (r *frameReader) Read() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read
}

// Skipped is the number of live frames dropped because the car was busy.
func (r *frameReader) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// statusLine keeps the last interesting decision in the progress bar
// description for a while, so a stop is readable before the next frame
// overwrites it.
type statusLine struct {
	bar   *progressbar.ProgressBar
	ttl   time.Duration
	clock timeutil.Clock

	shownAt time.Time
}

func newStatusLine(bar *progressbar.ProgressBar, ttl time.Duration, clock timeutil.Clock) *statusLine {
	return &statusLine{bar: bar, ttl: ttl, clock: clock}
}

// Update is a drive.Options.OnDecision callback.
func (s *statusLine) Update(task types.FrameTask, dec traffic.Decision) {
	text, sticky := describeDecision(dec)
	now := s.clock.Now()
	if !sticky && !s.shownAt.IsZero() && now.Sub(s.shownAt) < s.ttl {
		return
	}
	if sticky {
		s.shownAt = now
	}
	if s.bar != nil {
		s.bar.Describe(text)
	}
}

// describeDecision renders a decision for the status line. Decisions that
// applied at least one sign are sticky.
func describeDecision(dec traffic.Decision) (string, bool) {
	sticky := false
	for _, a := range dec.Actions {
		if a.Outcome == traffic.Applied {
			sticky = true
			break
		}
	}
	text := fmt.Sprintf("🚗 speed %d/%d", dec.Speed, dec.State.Car.SpeedLimit)
	if dec.Hold > 0 {
		text = fmt.Sprintf("🛑 stopped for %s", dec.Hold)
	}
	if objs := drive.Describe(dec.Actions); objs != "" {
		text += " | " + objs
	}
	return text, sticky
}
