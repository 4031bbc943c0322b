// Command ptyd is the persistent PTY-broker daemon. Its command tree
// uses a cobra layout (root command + verb subcommands) rather than a
// flat os.Args switch, since ptyd is a long-running daemon rather than
// a one-shot relay CLI.
package main

import (
	"fmt"
	"os"

	"github.com/greenlightlabs/ptyd/internal/daemon"
	"github.com/greenlightlabs/ptyd/internal/daemonlog"
	"github.com/greenlightlabs/ptyd/internal/dispatch"
	"github.com/greenlightlabs/ptyd/internal/ptylaunch"
	"github.com/greenlightlabs/ptyd/internal/reaper"
	"github.com/greenlightlabs/ptyd/internal/registry"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ptyd",
		Short: "Persistent PTY-broker daemon",
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ptyd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var logPath, logLevel, execHelper string

	cmd := &cobra.Command{
		Use:   "serve <socket-path>",
		Short: "Listen on a Unix socket and broker PTY children for one client at a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(args[0], logPath, logLevel, execHelper)
		},
	}

	cmd.Flags().StringVar(&logPath, "log-file", "", "log file path (default: a per-pid file under the OS temp dir)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&execHelper, "exec-helper", "ptyexec", "path to the ptyexec helper binary")

	return cmd
}

func runServe(socketPath, logPath, logLevel, execHelper string) error {
	log, err := daemonlog.New(logPath, logLevel)
	if err != nil {
		return fmt.Errorf("ptyd: %w", err)
	}

	reg := registry.New(log)
	rpr, err := reaper.New(log)
	if err != nil {
		return fmt.Errorf("ptyd: reaper: %w", err)
	}
	defer rpr.Stop()

	launcher := ptylaunch.New(execHelper, log)
	disp := dispatch.New(reg, launcher, int32(os.Getpid()), dispatch.ProtocolVersion, log)

	d, err := daemon.Bootstrap(socketPath, disp, rpr, log)
	if err != nil {
		return fmt.Errorf("ptyd: bootstrap: %w", err)
	}

	log.WithField("socket", socketPath).Info("ptyd: serving")
	runErr := d.Run()
	d.Shutdown()

	// The daemon never exits zero, clean or otherwise.
	if runErr != nil {
		log.WithError(runErr).Error("ptyd: exiting on error")
		os.Exit(1)
	}
	log.Info("ptyd: detached with zero reportable children, exiting")
	os.Exit(1)
	return nil
}
