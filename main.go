package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"analytics/internal/app"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	os.Exit(exitCode(err))
}

// exitError carries a non-zero exit status for a command that ran to
// completion but did not fully succeed.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "analytics",
		Short:         "Refresh analytics tables and export the results",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("ANALYTICS_CONFIG"), "path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newExportCmd(opts),
		newScheduleCmd(opts),
		newMCPCmd(opts),
	)
	return root
}

func (o *rootOptions) open(cmd *cobra.Command, longRunning bool) (*app.App, error) {
	return app.New(app.Options{
		ConfigPath:  o.configPath,
		LogLevel:    o.logLevel,
		Stderr:      cmd.ErrOrStderr(),
		LongRunning: longRunning,
	})
}

// selected returns the names whose boolean flag is set, in the given
// order. all or no selection yields nil, which means everything.
func selected(cmd *cobra.Command, names []string) []string {
	if all, _ := cmd.Flags().GetBool("all"); all {
		return nil
	}
	var out []string
	for _, n := range names {
		if on, _ := cmd.Flags().GetBool(n); on {
			out = append(out, n)
		}
	}
	return out
}
