package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/roadpilot/internal/actuator"
	"github.com/andresmejia3/roadpilot/internal/drive"
	"github.com/andresmejia3/roadpilot/internal/store"
	"github.com/andresmejia3/roadpilot/internal/timeutil"
	"github.com/andresmejia3/roadpilot/internal/traffic"
	"github.com/andresmejia3/roadpilot/internal/types"
	"github.com/andresmejia3/roadpilot/internal/utils"
	"github.com/andresmejia3/roadpilot/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ReplayOptions holds the replay command flags.
type ReplayOptions struct {
	FixturePath string
	ConfigPath  string
	LabelsPath  string
	SpeedLimit  int
	Record      bool
}

var replayOpts ReplayOptions

var replayCmd = &cobra.Command{
	Use:   "replay <fixture.jsonl>",
	Short: "Run recorded detections through the engine without a camera or car",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		replayOpts.FixturePath = args[0]
		return runReplay(cmd.Context(), cmd.OutOrStdout(), cmd.Flags(), replayOpts)
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayOpts.ConfigPath, "config", "c", "", "JSON drive configuration")
	replayCmd.Flags().StringVarP(&replayOpts.LabelsPath, "labels", "l", "", "Label file; default is the stock 0..7 layout")
	replayCmd.Flags().IntVarP(&replayOpts.SpeedLimit, "speed-limit", "s", traffic.DefaultSpeedLimit, "Initial speed limit")
	replayCmd.Flags().BoolVar(&replayOpts.Record, "record", false, "Record the replay as a session in the drive log (--db)")
	rootCmd.AddCommand(replayCmd)
}

// replayEpoch anchors fixture time_ms offsets so replays are reproducible.
var replayEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

type replayRow struct {
	task types.FrameTask
	dec  traffic.Decision
}

func runReplay(ctx context.Context, out io.Writer, flags *pflag.FlagSet, opts ReplayOptions) error {
	f, err := os.Open(opts.FixturePath)
	if err != nil {
		utils.ShowError("Failed to open replay fixture", err, nil)
		return err
	}
	tasks, err := worker.ReadReplay(f, replayEpoch)
	f.Close()
	if err != nil {
		utils.ShowError("Failed to read replay fixture", err, nil)
		return err
	}

	cfg, err := loadDriveConfig(flags, DriveOptions{ConfigPath: opts.ConfigPath, SpeedLimit: opts.SpeedLimit})
	if err != nil {
		utils.ShowError("Invalid configuration", err, nil)
		return err
	}
	policy, err := buildPolicy(cfg, opts.LabelsPath)
	if err != nil {
		utils.ShowError("Invalid traffic policy", err, nil)
		return err
	}

	sessionID := uuid.New().String()
	var log drive.CommandLog
	if opts.Record {
		if err := openDB(ctx); err != nil {
			utils.ShowError("Failed to open the drive log", err, nil)
			return err
		}
		if err := DB.StartSession(ctx, store.Session{
			ID:         sessionID,
			Source:     opts.FixturePath,
			SpeedLimit: cfg.GetSpeedLimit(),
			StartedAt:  time.Now(),
		}); err != nil {
			utils.ShowError("Failed to register replay session", err, nil)
			return err
		}
		log = DB
	}

	car := &actuator.Recorder{}
	var rows []replayRow
	speedLimit := cfg.GetSpeedLimit()
	ctrl := drive.NewController(policy,
		worker.ReplayDetector{MinConfidence: cfg.GetMinConfidence(), TopK: cfg.GetNumOfObjects()},
		drive.Options{
			Actuator:    car,
			Log:         log,
			Clock:       timeutil.NewMockClock(replayEpoch),
			SessionID:   sessionID,
			FrameHeight: cfg.GetFrameHeight(),
			SpeedLimit:  &speedLimit,
			OnDecision: func(task types.FrameTask, dec traffic.Decision) {
				rows = append(rows, replayRow{task: task, dec: dec})
			},
		})

	frames := make(chan types.FrameTask, len(tasks))
	for _, t := range tasks {
		frames <- t
	}
	close(frames)

	stats, err := ctrl.Run(ctx, frames)
	if err != nil {
		utils.ShowError("Replay failed", err, nil)
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tSPEED\tLIMIT\tHOLD\tSTOPPED\tOBJECTS")
	fmt.Fprintln(w, "-----\t-----\t-----\t----\t-------\t-------")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%t\t%s\n",
			r.task.Index, r.dec.Speed, r.dec.State.Car.SpeedLimit, r.dec.Hold, r.dec.State.Stop.Stopped, drive.Describe(r.dec.Actions))
	}
	w.Flush()

	fmt.Fprintf(out, "\n🏁 Replay Complete. %d frames decided, %d dropped while holding, %d stops, final speed %d.\n",
		stats.Frames, stats.Dropped, stats.Stops, stats.LastSpeed)
	if opts.Record {
		fmt.Fprintf(out, "📼 Recorded as session %s\n", sessionID)
	}
	return nil
}
