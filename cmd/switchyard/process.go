package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/transport/uds"
)

// --- Status ---

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of the processes feeding the project logs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var procs []core.Process
		if err := call(uds.MethodListProcesses, nil, &procs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(procs)
		}

		if len(procs) == 0 {
			fmt.Fprintln(out, "no processes")
			return nil
		}

		fmt.Fprintf(out, "%-10s %-8s %-10s %-8s %s\n", "SOURCE", "KIND", "STATUS", "PID", "ID")
		for _, p := range procs {
			pid := "-"
			if p.PID > 0 {
				pid = fmt.Sprint(p.PID)
			}
			fmt.Fprintf(out, "%-10s %-8s %-10s %-8s %s\n", p.Source, p.Kind, p.Status, pid, p.ID)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

// --- Start / Stop / Restart ---

var startCmd = actionCommand("start", "Start")
var stopCmd = actionCommand("stop", "Stop")
var restartCmd = actionCommand("restart", "Restart")

func actionCommand(action, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <process>",
		Short: verb + " a process by source (agent, devserver) or id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var procs []core.Process
			if err := call(uds.MethodListProcesses, nil, &procs); err != nil {
				return err
			}
			id, err := resolveProcess(procs, args[0])
			if err != nil {
				return err
			}
			if err := call(uds.MethodAction, uds.ActionRequest{ProcessID: id, Action: action}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s → %s ✓\n", action, id)
			return nil
		},
	}
}

// resolveProcess maps a source name or process id to a controllable
// process id. Tailed files only feed logs and are skipped for sources.
func resolveProcess(procs []core.Process, ref string) (string, error) {
	for _, p := range procs {
		if p.ID == ref {
			return p.ID, nil
		}
	}
	for _, p := range procs {
		if p.Source == ref && p.Kind != core.KindTail {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("process not found: %s", ref)
}
