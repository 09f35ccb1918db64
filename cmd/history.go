package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/roadpilot/internal/report"
	"github.com/andresmejia3/roadpilot/internal/store"
	"github.com/andresmejia3/roadpilot/internal/utils"
	"github.com/spf13/cobra"
)

var historyChart string

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List recorded drive sessions, or the speed commands of one session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := openDB(cmd.Context()); err != nil {
			utils.ShowError("Failed to open the drive log", err, nil)
			return err
		}
		if len(args) == 0 {
			return runListSessions(cmd.Context(), cmd.OutOrStdout(), DB)
		}
		return runSessionHistory(cmd.Context(), cmd.OutOrStdout(), DB, args[0], historyChart)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyChart, "chart", "", "Write an HTML speed chart of the session to this file")
	rootCmd.AddCommand(historyCmd)
}

func runListSessions(ctx context.Context, out io.Writer, db store.DriveLog) error {
	sessions, err := db.ListSessions(ctx)
	if err != nil {
		utils.ShowError("Failed to list sessions", err, nil)
		return err
	}

	if len(sessions) == 0 {
		fmt.Fprintln(out, "No drive sessions found in database.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tLIMIT\tCOMMANDS\tSTARTED")
	fmt.Fprintln(w, "--\t------\t-----\t--------\t-------")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.ID, s.Source, s.SpeedLimit, s.Commands, s.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runSessionHistory(ctx context.Context, out io.Writer, db store.DriveLog, id, chartPath string) error {
	sessions, err := db.ListSessions(ctx)
	if err != nil {
		utils.ShowError("Failed to list sessions", err, nil)
		return err
	}
	var session *store.Session
	for i := range sessions {
		if sessions[i].ID == id {
			session = &sessions[i]
			break
		}
	}
	if session == nil {
		err := fmt.Errorf("no session with id %q", id)
		utils.ShowError("Unknown session", err, nil)
		return err
	}

	cmds, err := db.SessionCommands(ctx, id)
	if err != nil {
		utils.ShowError("Failed to load session commands", err, nil)
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tSPEED\tLIMIT\tHOLD\tSTOPPED\tOBJECTS")
	fmt.Fprintln(w, "-----\t-----\t-----\t----\t-------\t-------")
	for _, c := range cmds {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%t\t%s\n", c.FrameIndex, c.Speed, c.SpeedLimit, c.Hold, c.Stopped, c.Objects)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if chartPath == "" {
		return nil
	}
	f, err := os.Create(chartPath)
	if err != nil {
		utils.ShowError("Failed to create chart file", err, nil)
		return err
	}
	defer f.Close()
	if err := report.SpeedChart(f, *session, cmds); err != nil {
		utils.ShowError("Failed to render chart", err, nil)
		return err
	}
	fmt.Fprintf(out, "📈 Chart written to %s\n", chartPath)
	return nil
}
