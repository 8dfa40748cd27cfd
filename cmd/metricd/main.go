// metricd is the pluggable metrics service daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/app"
	"github.com/xtxerr/metricd/internal/errors"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the root command and returns the process exit status.
func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var (
		path        string
		quiet       bool
		watch       bool
		stopTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "metricd",
		Short: "metricd - pluggable metrics service",
		Long: `metricd receives metric points, consolidates them into retention
rollups and serves them over HTTP.

The configuration path is taken from --path, then the METRICD_CONFIG
environment variable, then ` + config.DefaultConfigPath + `.
SIGHUP stops the running system and rebuilds it from the configuration.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return fmt.Errorf("%v: %w", err, errors.ErrArgumentParse)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !quiet {
				fmt.Fprintf(stdout, "metricd %s starting\n", Version)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return app.Run(ctx, app.Options{
				Path:        path,
				Watch:       watch,
				StopTimeout: stopTimeout,
			})
		},
	}

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%v: %w", err, errors.ErrArgumentParse)
	})

	cmd.Flags().StringVarP(&path, "path", "f", "", "configuration file path")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the startup banner")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload when the configuration file changes")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", config.DefaultStopTimeout, "bound each component stop (0 waits indefinitely)")

	cmd.SetContext(context.Background())
	return cmd
}
