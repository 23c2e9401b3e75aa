// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cogniflight/cmdsock/pkg/sockclient"
	"github.com/spf13/cobra"
)

var feedRaw bool

var feedCmd = &cobra.Command{
	Use:   "feed -- command [args...]",
	Short: "follow a command that prints \"---\" separated YAML documents, one JSON line per document",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFeed,
}

func init() {
	feedCmd.Flags().BoolVar(&feedRaw, "raw", false, "print the raw YAML of each document instead of JSON")
	rootCmd.AddCommand(feedCmd)
}

func runFeed(cmd *cobra.Command, args []string) error {
	ctx, cancelFn := commandContext()
	defer cancelFn()
	sess := sockclient.MakeStreamSession(Manager, sockclient.SessionOpts{InitialEnv: Config.Env})
	defer sess.Close(context.Background())
	handle, err := sess.RunCommand(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	// stdin is not used by feeds
	handle.InputEOF()
	for doc, err := range handle.Documents(ctx) {
		if err != nil {
			WriteStderr("[error] %v\n", err)
			continue
		}
		if feedRaw {
			WriteStdout("---\n%s\n", strings.TrimRight(doc.Raw, "\r\n"))
			continue
		}
		barr, err := json.Marshal(doc.Value)
		if err != nil {
			WriteStderr("[error] document %d: %v\n", doc.Index, err)
			continue
		}
		WriteStdout("%s\n", barr)
	}
	if ctx.Err() != nil {
		handle.Interrupt()
		return ctx.Err()
	}
	res, err := handle.Result(ctx)
	if err != nil {
		return err
	}
	if res.Error != "" {
		WriteStderr("%s", res.Error)
	}
	setExitCode(res.ExitCode)
	return nil
}
