// Command copilotpool runs and manages a pool of GitHub Copilot accounts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"copilotpool/config"
	"copilotpool/internal/app"
	"copilotpool/internal/logging"
	"copilotpool/internal/session"
	"copilotpool/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	cfg    *config.Config
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "copilotpool",
		Short:         "Rotate GitHub Copilot sessions across a pool of accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := logging.Setup(c.stderr, cfg.Logging.Format, cfg.Logging.Level); err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().String("tokens-dir", "", "credential pool directory (env TOKENS_DIR)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	_ = viper.BindPFlag("TOKENS_DIR", root.PersistentFlags().Lookup("tokens-dir"))
	_ = viper.BindPFlag("LOG_LEVEL", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(
		c.newServeCommand(),
		c.newStatusCommand(),
		c.newRefreshCommand(),
		c.newAddCommand(),
		c.newChatCommand(),
		c.newModelsCommand(),
		c.newVersionCommand(),
	)
	return root
}

func (c *cli) newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load a session and serve health, metrics and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			slog.Info("starting copilotpool",
				"version", version.Version,
				"commit", version.Commit,
				"build_date", version.Date,
			)

			application, err := app.New(c.cfg)
			if err != nil {
				return err
			}

			if err := application.Sessions().Acquire(cmd.Context()); err != nil {
				_ = application.Shutdown(context.Background())
				return withHint(err)
			}
			application.LogPoolStatus()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- application.Start(net.JoinHostPort(c.cfg.Server.Host, c.cfg.Server.Port))
			}()

			select {
			case err := <-errCh:
				_ = application.Shutdown(context.Background())
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := application.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return <-errCh
		},
	}
}

// withHint adds operator guidance to rotation failures.
func withHint(err error) error {
	switch {
	case errors.Is(err, session.ErrNoCredentials):
		return fmt.Errorf("%w\nhint: add an account token with `copilotpool add`", err)
	case errors.Is(err, session.ErrAllExhausted):
		return fmt.Errorf("%w\nhint: every account is out of chat quota; see `copilotpool status` for recovery times", err)
	case errors.Is(err, session.ErrRotationLimit):
		return fmt.Errorf("%w\nhint: the token endpoint keeps failing; check connectivity and the stored tokens", err)
	}
	return err
}

func (c *cli) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}
