package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/terminal"
	"github.com/modoterra/switchyard/pkg/transport/uds"
)

var termCmd = &cobra.Command{
	Use:   "term",
	Short: "Manage terminal sessions",
}

var termListCmd = &cobra.Command{
	Use:   "list",
	Short: "List terminal sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st uds.TermListResponse
		if err := call(uds.MethodTermList, nil, &st); err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), st)
		return nil
	},
}

var termNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a terminal session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var s terminal.Session
		if err := call(uds.MethodTermCreate, nil, &s); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", s.Name, s.ID)
		return nil
	},
}

var termRenameCmd = &cobra.Command{
	Use:   "rename <session> <name>",
	Short: "Rename a terminal session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := lookupSession(args[0])
		if err != nil {
			return err
		}
		var s terminal.Session
		req := uds.TermRequest{ID: id, Name: strings.Join(args[1:], " ")}
		if err := call(uds.MethodTermRename, req, &s); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %s\n", s.ID, s.Name)
		return nil
	},
}

var termCloseCmd = &cobra.Command{
	Use:   "close <session>",
	Short: "Close a terminal session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := lookupSession(args[0])
		if err != nil {
			return err
		}
		var st uds.TermListResponse
		if err := call(uds.MethodTermClose, uds.TermRequest{ID: id}, &st); err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), st)
		return nil
	},
}

var termUseCmd = &cobra.Command{
	Use:   "use <session>",
	Short: "Make a terminal session the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := lookupSession(args[0])
		if err != nil {
			return err
		}
		var st uds.TermListResponse
		if err := call(uds.MethodTermActivate, uds.TermRequest{ID: id}, &st); err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), st)
		return nil
	},
}

func init() {
	termCmd.AddCommand(termListCmd)
	termCmd.AddCommand(termNewCmd)
	termCmd.AddCommand(termRenameCmd)
	termCmd.AddCommand(termCloseCmd)
	termCmd.AddCommand(termUseCmd)
}

func printSessions(w io.Writer, st uds.TermListResponse) {
	fmt.Fprintf(w, "  %-38s %-20s %s\n", "ID", "NAME", "LOG")
	for _, s := range st.Sessions {
		marker := " "
		if s.ID == st.Active {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-38s %-20s %s\n", marker, s.ID, s.Name, core.TerminalLog(s.ID))
	}
}

func lookupSession(ref string) (string, error) {
	var st uds.TermListResponse
	if err := call(uds.MethodTermList, nil, &st); err != nil {
		return "", err
	}
	return resolveSession(st.Sessions, ref)
}

// resolveSession finds a session by exact id, exact name or unique id
// prefix.
func resolveSession(sessions []terminal.Session, ref string) (string, error) {
	for _, s := range sessions {
		if s.ID == ref || s.Name == ref {
			return s.ID, nil
		}
	}
	var match string
	for _, s := range sessions {
		if strings.HasPrefix(s.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("session %q is ambiguous", ref)
			}
			match = s.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("session %q: %w", ref, terminal.ErrNotFound)
	}
	return match, nil
}
