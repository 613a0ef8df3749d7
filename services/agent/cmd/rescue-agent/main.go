package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"rescued/pkg/render"
	"rescued/pkg/telemetry"
	"rescued/services/agent"
	"rescued/services/probe"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "rescue-agent",
		Short:         "Rescue station agent: sync scripts, run instructions, report to the hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configPath)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", agent.ConfigPath, "Path to the agent YAML configuration")

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the agent loop (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configPath)
		},
	})
	cmd.AddCommand(newVNCDiagCommand(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), agent.Version)
		},
	})
	return cmd
}

func runAgent(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger("rescue-agent", cfg.LogLevel, os.Stdout)

	renderer, err := render.New()
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}
	if cfg.TemplateDir != "" {
		if err := renderer.Override(cfg.TemplateDir); err != nil {
			logger.Printf("WARN template override from %s: %v", cfg.TemplateDir, err)
		}
	}

	svc, err := agent.NewService(cfg, renderer, logger)
	if err != nil {
		return fmt.Errorf("init agent: %w", err)
	}

	listener := agent.NewListener(svc.Signals(), logger)
	listener.State = svc.State
	go func() {
		if err := listener.ListenAndServe(ctx, cfg.ListenAddr, cfg.ListenPort); err != nil {
			logger.Printf("WARN wake listener stopped: %v", err)
		}
	}()

	logger.Printf("INFO rescue-agent v%s starting", agent.Version)
	err = svc.Run(ctx)
	switch {
	case errors.Is(err, agent.ErrRestart):
		return reexec(cfg.Executable)
	case errors.Is(err, context.Canceled):
		logger.Printf("INFO rescue-agent stopping")
		return nil
	default:
		return err
	}
}

// reexec replaces the current process with the freshly installed binary.
func reexec(executable string) error {
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		executable = exe
	}
	if err := unix.Exec(executable, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("re-exec %s: %w", executable, err)
	}
	return nil
}

func newVNCDiagCommand(configPath *string) *cobra.Command {
	var (
		report  bool
		asJSON  bool
		hubHost string
	)

	cmd := &cobra.Command{
		Use:   "vnc-diag HOST [PORT]",
		Short: "Probe a VNC server, or sweep ports 5900-5905 when no port is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var (
				line    string
				payload any
			)
			if len(args) == 2 {
				port, err := strconv.Atoi(args[1])
				if err != nil || port <= 0 || port > 65535 {
					return fmt.Errorf("invalid port %q", args[1])
				}
				res := probe.Handshake(ctx, args[0], port, probe.Options{})
				line, payload = res.String(), res
			} else {
				res := probe.Sweep(ctx, args[0], probe.Options{})
				line, payload = res.String(), res
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(payload); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, line)
			}

			if report {
				if err := reportLine(ctx, *configPath, hubHost, "VNC "+line); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "report skipped: %v\n", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&report, "report", true, "Send the result line to the hub as an agent status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	cmd.Flags().StringVar(&hubHost, "hub", "", "Hub address (default: first reachable configured candidate)")
	return cmd
}

func reportLine(ctx context.Context, configPath, hubHost, line string) error {
	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		cfg = agent.DefaultConfig()
	}
	if hubHost == "" {
		hubHost, err = agent.Discover(ctx, cfg.Hubs, cfg.HubPort, cfg.DialTimeout, nil)
		if err != nil {
			return err
		}
	}
	client := agent.NewHubClient(hubHost, cfg.HubPort, cfg.RequestTimeout, cfg.FetchTimeout)
	return client.Report(ctx, "[AGENT] "+line)
}
