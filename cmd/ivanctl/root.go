package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/ivan/internal/app"
	"github.com/example/ivan/internal/config"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/session"
)

type cli struct {
	client *app.Client
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "ivanctl",
		Short:         "Command-line client for the iVan ride-booking backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.out = cmd.OutOrStdout()
			return c.open(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.client == nil {
				return nil
			}
			return c.client.Close()
		},
	}
	root.AddCommand(
		c.loginCmd(),
		c.registerCmd(),
		c.logoutCmd(),
		c.profileCmd(),
		c.pushTokenCmd(),
		c.statusCmd(),
		c.ordersCmd(),
		c.checkoutCmd(),
		c.stationsCmd(),
		c.routeCmd(),
		c.ticketsCmd(),
		c.ticketCmd(),
		c.trackCmd(),
		c.notifyCmd(),
	)
	return root
}

func (c *cli) open(ctx context.Context) error {
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.NewLoggerTo(os.Stderr, cfg.LogLevel, "text")
	nav := session.NavigatorFunc(func() {
		fmt.Fprintln(os.Stderr, "session expired, log in again with `ivanctl login`")
	})
	c.client, err = app.NewClient(ctx, cfg, nav, logger)
	return err
}

func (c *cli) requireLogin() error {
	if !c.client.Session.LoggedIn() {
		return session.ErrNotLoggedIn
	}
	return nil
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
