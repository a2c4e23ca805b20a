package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/modoterra/switchyard/internal/buildinfo"
	"github.com/modoterra/switchyard/pkg/config"
	"github.com/modoterra/switchyard/pkg/daemon/service"
	"github.com/modoterra/switchyard/pkg/manifest"
	"github.com/modoterra/switchyard/pkg/transport/uds"
	tuimodel "github.com/modoterra/switchyard/pkg/tui/model"
)

var (
	socketPath string
	apiBase    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "switchyard",
	Short: "Follow the agent, dev server and terminal logs of a project",
	Long: "switchyard is a TUI + daemon that collects the output of a coding agent, " +
		"its dev server and terminal sessions into separate logs you can follow.",
	SilenceUsage: true,
	RunE:         runTUI,
}

func init() {
	defaults, err := config.Load()
	if err != nil {
		defaults = config.Settings{SocketPath: "/tmp/switchyard.sock", HTTPAddr: "127.0.0.1:8765"}
	}
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaults.SocketPath, "daemon socket path")
	rootCmd.PersistentFlags().StringVar(&apiBase, "api", "http://"+defaults.HTTPAddr, "daemon HTTP API base URL")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(apiCallsCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(pipeCmd)
	rootCmd.AddCommand(termCmd)
	rootCmd.AddCommand(scaffoldCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
}

// --- Root: TUI ---

func runTUI(_ *cobra.Command, _ []string) error {
	ensureDaemon()
	app := tuimodel.New(socketPath)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := p.Run()
	return err
}

func ensureDaemon() {
	if _, err := os.Stat(socketPath); err == nil {
		return
	}
	cmd := exec.Command("switchyardd")
	cmd.Env = append(os.Environ(), "SWITCHYARD_SOCKET="+socketPath)
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not start daemon:", err)
		return
	}
	for i := 0; i < 30; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "warning: daemon did not come up, continuing anyway")
}

func dialDaemon() (*uds.Client, error) {
	client, err := uds.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", socketPath, err)
	}
	return client, nil
}

// call runs one request against the daemon on a fresh connection.
func call(method string, in, out any) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.Call(ctx, method, in, out)
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var pong uds.PingResponse
		if err := call(uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ %s (%s)\n", pong.Project, pong.Version)
		}
		return nil
	},
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String("switchyard"))
	},
}

// --- Daemon ---

var daemonManifest string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start daemon in foreground (for debugging)",
	Long:  "Normally the TUI auto-spawns the daemon. Use this to run it manually.",
	RunE: func(_ *cobra.Command, _ []string) error {
		cmd := exec.Command("switchyardd", "--manifest", daemonManifest)
		cmd.Env = append(os.Environ(), "SWITCHYARD_SOCKET="+socketPath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	},
}

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install switchyardd as a systemd user service for the project",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := manifest.Load(daemonManifest)
		if err != nil {
			return err
		}
		err = service.Install(service.Options{
			Project:  m.Project,
			Manifest: m.FilePath,
			Socket:   socketPath,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", service.UnitName(m.Project))
		return nil
	},
}

var daemonUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the project's systemd user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := manifest.Load(daemonManifest)
		if err != nil {
			return err
		}
		if err := service.Uninstall(m.Project); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", service.UnitName(m.Project))
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the project's daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := manifest.Load(daemonManifest)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(m.Project, socketPath))
		return nil
	},
}

func init() {
	daemonCmd.PersistentFlags().StringVar(&daemonManifest, "manifest", "switchyard.yaml", "path to switchyard.yaml")
	daemonCmd.AddCommand(daemonInstallCmd)
	daemonCmd.AddCommand(daemonUninstallCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}
