// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/cogniflight/cmdsock/pkg/sockclient"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	pilotsVerbose   bool
	inviteTags      []string
	inviteReadTags  []string
	inviteWriteTags []string
	inviteExtra     []string
	tagsAdd         []string
	tagsRemove      []string
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "show the identity of the session cookie",
	Args:  cobra.NoArgs,
	RunE:  runBatch(runWhoami),
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "list users with their tags",
	Args:  cobra.NoArgs,
	RunE:  runBatch(runUsers),
}

var pilotsCmd = &cobra.Command{
	Use:   "pilots [-v]",
	Short: "list users tagged " + sockclient.PilotTag,
	Args:  cobra.NoArgs,
	RunE:  runBatch(runPilots),
}

var inviteCmd = &cobra.Command{
	Use:   "invite --tag tag [--tag tag...]",
	Short: "create a signup token",
	Args:  cobra.NoArgs,
	RunE:  runBatch(runInvite),
}

var tagsCmd = &cobra.Command{
	Use:   "tags user [--add tag] [--remove tag]",
	Short: "change the tags of a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch(runTags),
}

func init() {
	pilotsCmd.Flags().BoolVarP(&pilotsVerbose, "verbose", "v", false, "also print each pilot's profile")
	inviteCmd.Flags().StringSliceVarP(&inviteTags, "tag", "t", nil, "tag granted on signup (repeatable)")
	inviteCmd.Flags().StringSliceVar(&inviteReadTags, "home-read", nil, "read tags for the new home directory")
	inviteCmd.Flags().StringSliceVar(&inviteWriteTags, "home-write", nil, "write tags for the new home directory")
	inviteCmd.Flags().StringArrayVar(&inviteExtra, "set", nil, "extra signup field key=value (repeatable)")
	tagsCmd.Flags().StringSliceVarP(&tagsAdd, "add", "a", nil, "tags to add")
	tagsCmd.Flags().StringSliceVarP(&tagsRemove, "remove", "r", nil, "tags to remove")
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(pilotsCmd)
	rootCmd.AddCommand(inviteCmd)
	rootCmd.AddCommand(tagsCmd)
}

func runWhoami(ctx context.Context, sess *sockclient.BatchSession, args []string) error {
	ident, err := sess.Whoami(ctx)
	if err != nil {
		return err
	}
	WriteStdout("%s (%s)\n", ident.Name, ident.Role)
	if ident.Email != "" {
		WriteStdout("email: %s\n", ident.Email)
	}
	if ident.EdgeId != "" {
		WriteStdout("edge:  %s\n", ident.EdgeId)
	}
	return nil
}

func printUsers(users []sockclient.UserRecord, withProfile bool) error {
	tw := tabwriter.NewWriter(WrappedStdout, 0, 8, 2, ' ', 0)
	for _, user := range users {
		fmt.Fprintf(tw, "%s\t%s\n", user.Username, strings.Join(user.Tags, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !withProfile {
		return nil
	}
	for _, user := range users {
		if user.Profile == nil {
			continue
		}
		barr, err := yaml.Marshal(user.Profile)
		if err != nil {
			return err
		}
		WriteStdout("--- %s\n%s", user.Username, barr)
	}
	return nil
}

func runUsers(ctx context.Context, sess *sockclient.BatchSession, args []string) error {
	users, err := sess.ListUsers(ctx)
	if err != nil {
		return err
	}
	return printUsers(users, false)
}

func runPilots(ctx context.Context, sess *sockclient.BatchSession, args []string) error {
	pilots, err := sess.ListPilots(ctx, pilotsVerbose)
	if err != nil {
		return err
	}
	return printUsers(pilots, pilotsVerbose)
}

func runInvite(ctx context.Context, sess *sockclient.BatchSession, args []string) error {
	invite := sockclient.Invite{Tags: inviteTags}
	if len(inviteReadTags) > 0 || len(inviteWriteTags) > 0 {
		invite.HomePermissions = &sockclient.FsPermissions{
			ReadTags:  inviteReadTags,
			WriteTags: inviteWriteTags,
		}
	}
	if len(inviteExtra) > 0 {
		invite.Extra = make(map[string]any)
		for _, kv := range inviteExtra {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return fmt.Errorf("invalid --set %q (expected key=value)", kv)
			}
			invite.Extra[key] = value
		}
	}
	token, err := sess.CreateInviteToken(ctx, invite)
	if err != nil {
		return err
	}
	WriteStdout("%s\n", token)
	return nil
}

func runTags(ctx context.Context, sess *sockclient.BatchSession, args []string) error {
	if len(tagsAdd) == 0 && len(tagsRemove) == 0 {
		login, err := sess.ReadLogin(ctx, args[0])
		if err != nil {
			return err
		}
		WriteStdout("%s\n", strings.Join(login.Tags, ","))
		return nil
	}
	tags, err := sess.UpdateTags(ctx, args[0], tagsAdd, tagsRemove)
	if err != nil {
		return err
	}
	WriteStdout("%s\n", strings.Join(tags, ","))
	return nil
}
