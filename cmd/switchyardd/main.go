package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modoterra/switchyard/internal/buildinfo"
	"github.com/modoterra/switchyard/pkg/config"
	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/daemon"
	"github.com/modoterra/switchyard/pkg/manifest"
	execprov "github.com/modoterra/switchyard/pkg/providers/exec"
	"github.com/modoterra/switchyard/pkg/providers/logs/filetail"
	"github.com/modoterra/switchyard/pkg/providers/logs/journald"
	"github.com/modoterra/switchyard/pkg/providers/systemd"
	"github.com/modoterra/switchyard/pkg/scaffold"
	"github.com/modoterra/switchyard/pkg/transport/httpapi"
)

// logPump ties a log provider stream to the log it feeds.
type logPump struct {
	provider  core.LogProvider
	processID string
	source    string
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(buildinfo.String("switchyardd"))
		return
	}

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(os.Args) > 2 && os.Args[1] == "--manifest" {
		settings.Manifest = os.Args[2]
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: settings.Level()}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	m, err := manifest.Load(settings.Manifest)
	if err != nil {
		logger.Error("no manifest loaded", "path", settings.Manifest, "err", err)
		os.Exit(1)
	}
	if errs := manifest.Validate(m); len(errs) > 0 {
		for _, e := range errs {
			logger.Error("manifest validation", "err", e)
		}
		os.Exit(1)
	}

	maxLines := settings.MaxLines
	if m.Limits.MaxLines != nil {
		maxLines = *m.Limits.MaxLines
	}
	logger.Info("manifest loaded", "path", m.FilePath, "project", m.Project, "max_lines", maxLines)

	project := daemon.NewProject(m.Project, maxLines, m.Terminals, logger)
	d := daemon.New(settings.SocketPath, project, logger)
	defer d.Shutdown()
	d.SetManifest(m)
	d.SetVersion(buildinfo.Version)

	// Exec processes write straight into the project logs.
	supervisor := daemon.NewSupervisor(ctx, project.Sink, logger)
	d.SetSupervisor(supervisor)
	execProvider := execprov.New(supervisor, m.Project, logger)
	journal := journald.New(logger)
	tails := filetail.New(logger)

	units := make(map[string]string)
	var pumps []logPump
	for _, src := range m.Sources() {
		switch core.Kind(src.Process.Kind) {
		case core.KindExec:
			execProvider.AddProcess(src.Name, daemon.SpecFor(src.Process))
		case core.KindSystemd:
			units[src.Name] = src.Process.Unit
			id := core.ProcessID(core.KindSystemd, m.Project, src.Name)
			journal.Add(id, src.Process.Unit)
			pumps = append(pumps, logPump{journal, id, src.Name})
		}
		if len(src.Process.Tail) > 0 {
			id := core.ProcessID(core.KindTail, m.Project, src.Name)
			tails.Add(id, src.Process.Tail...)
			pumps = append(pumps, logPump{tails, id, src.Name})
		}
	}

	d.AddProvider(execProvider)
	if len(units) > 0 {
		d.AddProvider(systemd.New(m.Project, units, logger))
	}
	d.AddProvider(tails)

	for _, p := range pumps {
		if err := d.Pump(ctx, p.provider, p.processID, p.source); err != nil {
			logger.Warn("log stream unavailable", "process", p.processID, "err", err)
		}
	}

	supervisor.StartAll()
	defer supervisor.StopAll()

	pollLoop := daemon.NewPollLoop(d, settings.PollInterval, logger)
	go pollLoop.Run(ctx)

	if settings.HTTPAddr != "" {
		api := httpapi.New(settings.HTTPAddr, project, d, scaffold.NewRunner(logger), logger)
		go func() {
			if err := api.Start(ctx); err != nil {
				logger.Error("http api stopped", "err", err)
			}
		}()
	}

	logger.Info("starting switchyardd", "version", buildinfo.Version, "socket", settings.SocketPath)
	if err := d.Run(ctx); err != nil {
		logger.Error("daemon error", "err", err)
		os.Exit(1)
	}
}
