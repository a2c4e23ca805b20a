package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modoterra/switchyard/pkg/manifest"
	"github.com/modoterra/switchyard/pkg/manifest/presets"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Manage switchyard.yaml manifest",
}

var (
	manifestInitRoot     string
	manifestInitOutput   string
	manifestInitAgentCmd string
	manifestInitAgentLog string
)

var manifestInitCmd = &cobra.Command{
	Use:   "init [preset]",
	Short: "Generate a switchyard.yaml manifest",
	Long:  "Available presets: nextjs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		preset := args[0]
		switch preset {
		case "nextjs":
			m, err := presets.GenerateNextJS(manifestInitRoot, presets.Options{
				AgentCommand: manifestInitAgentCmd,
				AgentLog:     manifestInitAgentLog,
			})
			if err != nil {
				return err
			}
			if err := manifest.Save(m, manifestInitOutput); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Generated %s for project %s\n", manifestInitOutput, m.Project)
			for _, src := range m.Sources() {
				fmt.Fprintf(out, "  %s (%s)\n", src.Name, src.Process.Kind)
			}
			return nil
		default:
			return fmt.Errorf("unknown preset: %s (available: nextjs)", preset)
		}
	},
}

func init() {
	manifestInitCmd.Flags().StringVar(&manifestInitRoot, "root", ".", "project root directory")
	manifestInitCmd.Flags().StringVar(&manifestInitOutput, "output", "switchyard.yaml", "output file path")
	manifestInitCmd.Flags().StringVar(&manifestInitAgentCmd, "agent-command", "", "command that runs the coding agent")
	manifestInitCmd.Flags().StringVar(&manifestInitAgentLog, "agent-log", "", "file the agent writes its output to")
	manifestCmd.AddCommand(manifestInitCmd)
	manifestCmd.AddCommand(manifestValidateCmd)
}

var manifestValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a switchyard.yaml manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "switchyard.yaml"
		if len(args) > 0 {
			path = args[0]
		}

		m, err := manifest.Load(path)
		if err != nil {
			return err
		}

		errs := manifest.Validate(m)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d processes)\n", path, len(m.Sources()))
			return nil
		}

		stderr := cmd.ErrOrStderr()
		fmt.Fprintf(stderr, "%s: %d error(s)\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintf(stderr, "  • %s\n", e)
		}
		return fmt.Errorf("%s is invalid", path)
	},
}
