package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bookbuddy/pkg/domain"
)

func newSignInCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "signin",
		Short: "Sign in anonymously, or restore the saved identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.ensure(cmd)
			if err != nil {
				return err
			}
			id, err := env.session.Ensure(cmd.Context())
			if err != nil {
				return err
			}
			env.out.ok("Signed in as %s", id.ID)
			return nil
		},
	}
}

func newSignOutCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Revoke the saved identity and forget it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.ensure(cmd)
			if err != nil {
				return err
			}
			if err := env.session.SignOut(cmd.Context()); err != nil {
				return err
			}
			env.out.ok("Signed out")
			return nil
		},
	}
}

func newWhoAmICommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity and active profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.ensure(cmd)
			if err != nil {
				return err
			}
			if _, err := env.session.Ensure(cmd.Context()); err != nil {
				return err
			}
			id, err := env.api.Me(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(env.out.out, "identity: %s\nprofile:  %s\nserver:   %s\n",
				id.ID, env.profiles.Active().DisplayName(), env.api.BaseURL())
			return nil
		},
	}
}

func newProfilesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List profiles and ratings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.ensure(cmd)
			if err != nil {
				return err
			}
			cat, err := env.api.Profiles(cmd.Context())
			if err != nil {
				return err
			}
			active := env.profiles.Active()
			env.out.header("Profiles")
			for _, p := range cat.Profiles {
				marker := " "
				if p.ID == active {
					marker = "*"
				}
				fmt.Fprintf(env.out.out, " %s %-9s %s\n", marker, p.ID, p.Name)
			}
			env.out.header("Ratings")
			for _, r := range cat.Ratings {
				fmt.Fprintf(env.out.out, "   %s %s\n", r.Symbol, r.Label)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "use <profile>",
		Short: "Make a profile the default for later commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.ensure(cmd)
			if err != nil {
				return err
			}
			profile, err := domain.ParseProfile(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("profile %q: %w", args[0], err)
			}
			if err := env.profiles.Select(string(profile)); err != nil {
				return err
			}
			env.cfg.DefaultProfile = string(profile)
			if err := env.cfg.save(env.cfgPath); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			env.out.ok("Now reading as %s", profile.DisplayName())
			return nil
		},
	})
	return cmd
}
