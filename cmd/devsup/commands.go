package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/devsup/internal/config"
	"github.com/loykin/devsup/internal/history"
	"github.com/loykin/devsup/internal/history/factory"
	"github.com/loykin/devsup/internal/logger"
	"github.com/loykin/devsup/internal/metrics"
	"github.com/loykin/devsup/internal/server"
	"github.com/loykin/devsup/internal/statestore"
	"github.com/loykin/devsup/internal/supervisor"
)

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "devsup",
		Short: "Supervisor for local development servers",
		Long: `devsup supervises the long-running processes of a project (web
servers, workers) and exposes their lifecycle and output to the CLI,
dashboards, and automation clients.

Examples:
  devsup up                 # supervise servers from devsup.yaml
  devsup status
  devsup logs web --limit 50
  devsup stop web`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", "config file (default devsup.yaml, searched upward)")

	root.AddCommand(
		createUpCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createStatusCommand(flags),
		createLogsCommand(flags),
		createCleanupCommand(),
	)
	return root
}

func loadConfig(flags *GlobalFlags) (*config.FileConfig, error) {
	path := config.ResolvePath(flags.ConfigPath)
	return config.Load(path)
}

func createUpCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Run the supervisor and HTTP API for this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			lg := logger.New(cfg.Log.Level, cfg.Log.Color)
			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}

			var sinks []history.Sink
			if cfg.History != "" {
				sink, err := factory.NewSinkFromDSN(cfg.History)
				if err != nil {
					return fmt.Errorf("history sink: %w", err)
				}
				sinks = append(sinks, sink)
			}

			sup, err := supervisor.New(supervisor.Config{
				ProjectDir:  cfg.ProjectDir,
				Definitions: cfg.Servers,
				Mirror:      cfg.Mirror,
				Logger:      lg,
				Sinks:       sinks,
			})
			if err != nil {
				return err
			}
			if err := sup.Open(cmd.Context()); err != nil {
				return err
			}

			srv := server.NewServer(cfg.Listen, "/api", sup)
			url := "http://" + cfg.Listen + "/api"
			if err := statestore.WriteDiscovery("", cfg.ProjectDir, statestore.Discovery{
				Running:   true,
				PID:       os.Getpid(),
				URL:       url,
				StartedAt: time.Now().UTC(),
			}); err != nil {
				lg.Warn("discovery file write failed", "error", err)
			}
			lg.Info("devsup up", "api", url, "servers", len(cfg.Servers), "state", sup.StorePath())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			lg.Info("shutting down")

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			sup.Shutdown(ctx)
			_ = srv.Shutdown(ctx)
			statestore.RemoveDiscovery("", cfg.ProjectDir)
			return nil
		},
	}
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <server>",
		Short: "Start a configured server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := dialSupervisor(flags)
			if err != nil {
				return err
			}
			res, err := cl.Start(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s", res.Name, res.Status)
			if res.PID > 0 {
				fmt.Printf(" (pid %d)", res.PID)
			}
			fmt.Println()
			return nil
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <server>",
		Short: "Stop a running server (managed or external)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := dialSupervisor(flags)
			if err != nil {
				return err
			}
			res, err := cl.Stop(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", res.Name, res.Status)
			return nil
		},
	}
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of every configured server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := dialSupervisor(flags)
			if err != nil {
				return err
			}
			snaps, err := cl.StatusAll()
			if err != nil {
				return err
			}
			for _, s := range snaps {
				line := fmt.Sprintf("%-16s %-9s", s.Name, s.Status)
				if s.Port > 0 {
					line += fmt.Sprintf(" port=%d", s.Port)
				}
				if s.PID > 0 {
					line += fmt.Sprintf(" pid=%d", s.PID)
				}
				if s.UptimeSec > 0 {
					line += fmt.Sprintf(" up=%s", (time.Duration(s.UptimeSec) * time.Second).String())
				}
				if s.Error != "" {
					line += " error=" + s.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func createLogsCommand(flags *GlobalFlags) *cobra.Command {
	var (
		offset  uint64
		limit   int
		reverse bool
		follow  bool
	)
	cmd := &cobra.Command{
		Use:   "logs <server>",
		Short: "Read a server's recent output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := dialSupervisor(flags)
			if err != nil {
				return err
			}
			res, err := cl.Logs(args[0], offset, limit, reverse)
			if err != nil {
				return err
			}
			if res.Truncated {
				fmt.Fprintln(os.Stderr, "(older lines evicted)")
			}
			for _, ln := range res.Lines {
				fmt.Printf("%s [%s] %s\n", ln.Time.Format("15:04:05"), ln.Source, ln.Text)
			}
			if follow {
				return cl.Follow(cmd.Context(), args[0], os.Stdout)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&offset, "offset", 0, "sequence number to read from")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum lines")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "newest first")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new lines")
	return cmd
}

func createCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Terminate orphaned servers left by crashed supervisors",
		RunE: func(cmd *cobra.Command, args []string) error {
			n := statestore.CleanupOrphans("", nil)
			fmt.Printf("terminated %d orphaned process(es)\n", n)
			return nil
		},
	}
}

// dialSupervisor locates a running supervisor through the project's
// discovery file.
func dialSupervisor(flags *GlobalFlags) (*APIClient, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	d, ok := statestore.ReadDiscovery("", cfg.ProjectDir)
	if !ok || !d.Running {
		return nil, fmt.Errorf("no running supervisor for this project (run `devsup up` first)")
	}
	cl := NewAPIClient(d.URL, 10*time.Second)
	if !cl.IsReachable() {
		return nil, fmt.Errorf("supervisor at %s is not responding; try `devsup cleanup`", d.URL)
	}
	return cl, nil
}
