package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/andresmejia3/roadpilot/internal/traffic"
	"github.com/andresmejia3/roadpilot/internal/utils"
	"github.com/spf13/cobra"
)

var labelsCmd = &cobra.Command{
	Use:   "labels [file]",
	Short: "Show the label table and the traffic handler bound to each id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		return runLabels(cmd.OutOrStdout(), path)
	},
}

func init() {
	rootCmd.AddCommand(labelsCmd)
}

func runLabels(out io.Writer, path string) error {
	policy := traffic.DefaultPolicy()
	if path != "" {
		labels, err := traffic.LoadLabels(path)
		if err != nil {
			utils.ShowError("Failed to load labels", err, nil)
			return err
		}
		policy = traffic.PolicyFromLabels(labels)
	}

	ids := make(map[int]struct{})
	for id := range policy.Labels {
		ids[id] = struct{}{}
	}
	for id := range policy.Handlers {
		ids[id] = struct{}{}
	}
	sorted := make([]int, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHANDLER")
	fmt.Fprintln(w, "--\t----\t-------")
	for _, id := range sorted {
		handler := "-"
		if h, ok := policy.Handlers[id]; ok {
			handler = h.String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", id, policy.LabelName(id), handler)
	}
	return w.Flush()
}
