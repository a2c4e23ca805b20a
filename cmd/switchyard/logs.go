package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/mux"
	"github.com/modoterra/switchyard/pkg/transport/uds"
)

// --- Logs ---

var (
	logsSource string
	logsFollow bool
	logsSince  int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print a log, optionally following new lines",
	Long:  "Logs are agent, devserver and terminal:<session id>. Use `term list` for session ids.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return streamLog(ctx, client, cmd.OutOrStdout(), logsSource, logsSince, logsFollow)
	},
}

func init() {
	logsCmd.Flags().StringVar(&logsSource, "source", core.SourceAgent, "log to print")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new lines")
	logsCmd.Flags().IntVar(&logsSince, "since", 0, "first absolute line offset to print")
}

// streamLog prints log from offset since. With follow it keeps printing
// pushed lines until ctx ends; lines missed between the read and the
// subscription are fetched again by offset.
func streamLog(ctx context.Context, client *uds.Client, w io.Writer, log string, since int, follow bool) error {
	events := make(chan uds.LogLineEvent, 256)
	if follow {
		client.OnEvent(func(m uds.Message) {
			if m.Method != uds.EventLogsLine {
				return
			}
			var ev uds.LogLineEvent
			if err := m.UnmarshalData(&ev); err != nil || ev.Log != log {
				return
			}
			select {
			case events <- ev:
			default:
			}
		})
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Subscribe(sctx, log)
		cancel()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", log, err)
		}
	}

	next, err := printSince(ctx, client, w, log, since)
	if err != nil {
		return err
	}
	if !follow {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return uds.ErrClosed
		case ev := <-events:
			switch {
			case ev.Cleared:
				fmt.Fprintln(w, "--- cleared ---")
				next = ev.Offset
			case ev.Offset == next:
				fmt.Fprintln(w, ev.Line.Text)
				next++
			case ev.Offset > next:
				if next, err = printSince(ctx, client, w, log, next); err != nil {
					return err
				}
			}
		}
	}
}

func printSince(ctx context.Context, client *uds.Client, w io.Writer, log string, since int) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var page mux.Page
	if err := client.Call(rctx, uds.MethodLogsRead, uds.LogsReadRequest{Log: log, Since: since}, &page); err != nil {
		return since, err
	}
	if page.Base > since && since > 0 {
		fmt.Fprintf(w, "--- %d lines trimmed ---\n", page.Base-since)
	}
	for _, l := range page.Lines {
		fmt.Fprintln(w, l.Text)
	}
	return page.Next, nil
}

// --- API calls ---

var apiCallsJSON bool

var apiCallsCmd = &cobra.Command{
	Use:   "apicalls",
	Short: "List tool calls, rate limits, API errors and usage lines from the agent log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp uds.APICallsResponse
		if err := call(uds.MethodAPICalls, nil, &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if apiCallsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(resp.Events)
		}
		if len(resp.Events) == 0 {
			fmt.Fprintln(out, "no api calls")
			return nil
		}
		fmt.Fprintf(out, "%-6s %-8s %-10s %-12s %s\n", "ID", "TIME", "KIND", "LABEL", "DETAIL")
		for _, ev := range resp.Events {
			fmt.Fprintf(out, "%-6d %-8s %-10s %-12s %s\n",
				ev.ID, ev.Timestamp.Format("15:04:05"), ev.Kind, ev.Label, ev.Detail)
		}
		return nil
	},
}

func init() {
	apiCallsCmd.Flags().BoolVar(&apiCallsJSON, "json", false, "output as JSON")
}

// --- Clear ---

var clearCmd = &cobra.Command{
	Use:   "clear <log>",
	Short: "Empty a log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(uds.MethodLogsClear, uds.LogsClearRequest{Log: args[0]}, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
		return nil
	},
}

// --- Pipe ---

var pipeCmd = &cobra.Command{
	Use:   "pipe <log>",
	Short: "Append stdin to a log, one line per line read",
	Long: "Feeds any log from a shell pipeline, e.g. `claude -p ... | switchyard pipe agent` " +
		"or a pty bridge writing into terminal:<session id>.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()
		return pipeLines(cmd.Context(), client, cmd.InOrStdin(), args[0])
	},
}

func pipeLines(ctx context.Context, client *uds.Client, r io.Reader, log string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := client.Call(rctx, uds.MethodLogsAppend, uds.LogsAppendRequest{
			Log:   log,
			Lines: []string{scanner.Text()},
		}, nil)
		cancel()
		if err != nil {
			return fmt.Errorf("append to %s: %w", log, err)
		}
	}
	return scanner.Err()
}
