package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/roadpilot/internal/utils"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop the drive log tables",
	Long:  "Clears every recorded session and speed command from the drive log selected by --db.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		reader := bufio.NewReader(os.Stdin)
		if !confirm(reader, cmd.OutOrStdout(), "⚠️  Are you sure you want to DROP all drive log tables?") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}

		if err := openDB(cmd.Context()); err != nil {
			utils.ShowError("Failed to open the drive log", err, nil)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "🗑️  Clearing Drive Log...")
		if err := DB.Reset(cmd.Context()); err != nil {
			utils.ShowError("Failed to reset database", err, nil)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✨ Drive Log Reset Complete.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
