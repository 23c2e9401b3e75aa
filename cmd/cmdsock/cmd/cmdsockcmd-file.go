// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cogniflight/cmdsock/pkg/sockclient"
	"github.com/spf13/cobra"
)

var lsLong bool

var lsCmd = &cobra.Command{
	Use:   "ls [-l] [dir]",
	Short: "list a remote directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBatch(runLs),
}

var catCmd = &cobra.Command{
	Use:   "cat file",
	Short: "print a remote file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch(runCat),
}

var writeCmd = &cobra.Command{
	Use:   "write file",
	Short: "replace a remote file with local stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch(runWrite),
}

func init() {
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "show permissions, sizes and modification times")
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(writeCmd)
}

func runLs(ctx context.Context, sess *sockclient.BatchSession, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	if !lsLong {
		entries, err := sess.Ls(ctx, dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			suffix := ""
			if entry.IsDir() {
				suffix = "/"
			}
			WriteStdout("%s%s\n", entry.Name, suffix)
		}
		return nil
	}
	entries, err := sess.LsLong(ctx, dir)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(WrappedStdout, 0, 8, 2, ' ', 0)
	for _, entry := range entries {
		size := fmt.Sprintf("%d", entry.FileSize)
		if entry.IsDir() {
			size = fmt.Sprintf("%d files", entry.FileCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", entry.Type, size, entry.ModifiedTime, entry.Name)
	}
	return tw.Flush()
}

func runCat(ctx context.Context, sess *sockclient.BatchSession, args []string) error {
	content, err := sess.ReadFile(ctx, args[0])
	if err != nil {
		return err
	}
	WriteStdout("%s", content)
	return nil
}

func runWrite(ctx context.Context, sess *sockclient.BatchSession, args []string) error {
	barr, err := io.ReadAll(WrappedStdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	return sess.WriteFile(ctx, args[0], string(barr))
}
