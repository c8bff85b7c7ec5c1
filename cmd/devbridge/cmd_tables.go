package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"devbridge/internal/reload"
	"devbridge/internal/session"
)

var resolveRunning bool

// stagesCmd prints the startup pipeline
var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Print the startup stages and their progress weights",
	Args:  cobra.NoArgs,
	RunE:  runStages,
}

// resolveCmd prints the op plan for a reload action
var resolveCmd = &cobra.Command{
	Use:   "resolve <action>",
	Short: "Print the steps a reload action runs",
	Long: fmt.Sprintf(`Print the ordered steps a reload action runs.

Actions: %s`, joinActions()),
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func joinActions() string {
	names := make([]string, 0, len(reload.Actions()))
	for _, a := range reload.Actions() {
		names = append(names, string(a))
	}
	return strings.Join(names, ", ")
}

func runStages(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSTAGE\tWEIGHT\tSTARTS AT\tENDS AT")
	total := float64(session.TotalWeight())
	done := 0
	for i, s := range session.Pipeline() {
		weight := session.Weight(s)
		fmt.Fprintf(w, "%d\t%s\t%d\t%.1f%%\t%.1f%%\n",
			i+1, s, weight, 100*float64(done)/total, 100*float64(done+weight)/total)
		done += weight
	}
	fmt.Fprintf(w, "\tTotal\t%d\t\t\n", session.TotalWeight())
	return w.Flush()
}

func runResolve(cmd *cobra.Command, args []string) error {
	action, err := reload.ParseAction(args[0])
	if err != nil {
		return err
	}

	var status session.Status = session.Starting{Stage: session.StageInitializing}
	if resolveRunning {
		status = session.Running{}
	}
	plan, err := reload.Resolve(action, reload.Context{Status: status})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s):\n", action, status.Kind())
	for i, op := range plan {
		fmt.Fprintf(out, "  %d. %-16s %-20s %s\n", i+1, op, op.Stage(), op.Message())
	}
	return nil
}
