package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lk2023060901/chat-relay-go/internal/relay/auth"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

func newTokenCmd(load loader) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token signed with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return merr.WrapErrParameterMissing("--user")
			}
			app, err := load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = app.Config().Auth.TokenTTL
			}
			token, err := auth.Mint(app.Config().Auth.JWTSecret, userID, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the id claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, 0 means auth.token_ttl")
	return cmd
}
