package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/mangadex-client/pkg/client"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var showRefresh bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Acquire a session token with the configured credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(mdClient *client.Client) error {
				token, err := mdClient.GetSessionToken(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				if showRefresh {
					fmt.Fprintln(cmd.OutOrStdout(), mdClient.Authenticator().RefreshToken())
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showRefresh, "refresh", false, "Also print the refresh token")
	return cmd
}

func newLogoutCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the configured session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(mdClient *client.Client) error {
				if !mdClient.Authenticator().HasRefreshToken() {
					if _, err := mdClient.GetSessionToken(cmd.Context()); err != nil {
						return err
					}
				}
				if err := mdClient.Logout(cmd.Context(), true, false); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}

func newPingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the API is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(mdClient *client.Client) error {
				if err := mdClient.Ping(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "pong")
				return nil
			})
		},
	}
}
