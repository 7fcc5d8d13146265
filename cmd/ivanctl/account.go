package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/ivan/internal/models"
)

func (c *cli) loginCmd() *cobra.Command {
	var mobile, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := c.client.Session.Login(cmd.Context(), mobile, password)
			if err != nil {
				return err
			}
			return c.print(p)
		},
	}
	cmd.Flags().StringVar(&mobile, "mobile", "", "mobile number")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("mobile")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (c *cli) registerCmd() *cobra.Command {
	var name, mobile, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and log in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := c.client.Session.Register(cmd.Context(), name, mobile, password)
			if err != nil {
				return err
			}
			return c.print(p)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&mobile, "mobile", "", "mobile number")
	cmd.Flags().StringVar(&password, "password", "", "password")
	for _, f := range []string{"name", "mobile", "password"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and clear the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.client.Session.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "logged out")
			return nil
		},
	}
}

func (c *cli) profileCmd() *cobra.Command {
	var name, password string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show the profile, or update it when flags are given",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			if name == "" && password == "" {
				return c.print(c.client.Session.Profile())
			}
			p, err := c.client.Session.UpdateProfile(cmd.Context(), name, password)
			if err != nil {
				return err
			}
			return c.print(p)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new display name")
	cmd.Flags().StringVar(&password, "password", "", "new password")
	return cmd
}

func (c *cli) pushTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push-token TOKEN",
		Short: "Register this device's push token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Session.SetPushToken(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "push token registered")
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	run := func(fn func(cmd *cobra.Command) (models.DriverStatus, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			st, err := fn(cmd)
			if err != nil {
				return err
			}
			return c.print(st)
		}
	}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the driver availability status",
		RunE: run(func(cmd *cobra.Command) (models.DriverStatus, error) {
			return c.client.API.Status(cmd.Context())
		}),
	}
	cmd.AddCommand(
		&cobra.Command{Use: "activate", Short: "Go available", RunE: run(func(cmd *cobra.Command) (models.DriverStatus, error) {
			return c.client.API.Activate(cmd.Context())
		})},
		&cobra.Command{Use: "deactivate", Short: "Go unavailable", RunE: run(func(cmd *cobra.Command) (models.DriverStatus, error) {
			return c.client.API.Deactivate(cmd.Context())
		})},
		&cobra.Command{Use: "reset", Short: "Reset the driver state", RunE: run(func(cmd *cobra.Command) (models.DriverStatus, error) {
			return c.client.API.ResetState(cmd.Context())
		})},
	)
	return cmd
}
