package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/modoterra/switchyard/pkg/frame"
	"github.com/modoterra/switchyard/pkg/scaffold"
)

var scaffoldCmd = &cobra.Command{
	Use:   "scaffold",
	Short: "Create projects from templates",
}

var (
	scaffoldTemplate string
	scaffoldPath     string
)

var scaffoldRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a project template through the daemon and stream its output",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		req := scaffold.Request{Template: scaffoldTemplate, TargetPath: scaffoldPath}
		res, err := scaffold.Post(cmd.Context(), http.DefaultClient, apiBase, req, func(ev frame.Event) {
			switch ev := ev.(type) {
			case frame.Output:
				fmt.Fprintln(out, ev.Line)
			case frame.Error:
				fmt.Fprintln(cmd.ErrOrStderr(), "error:", ev.Message)
			}
		})
		if err != nil {
			return err
		}
		return scaffoldOutcome(res)
	},
}

func init() {
	scaffoldRunCmd.Flags().StringVar(&scaffoldTemplate, "template", "agentic-starter", "template name")
	scaffoldRunCmd.Flags().StringVar(&scaffoldPath, "path", ".", "target directory")
	scaffoldCmd.AddCommand(scaffoldRunCmd)
}

func scaffoldOutcome(res scaffold.Result) error {
	switch {
	case len(res.Errors) > 0:
		return fmt.Errorf("scaffold failed: %s", strings.Join(res.Errors, "; "))
	case !res.Completed:
		return fmt.Errorf("scaffold stream ended before completion")
	case !res.Success:
		return fmt.Errorf("scaffold exited with code %d", res.ExitCode)
	}
	return nil
}
