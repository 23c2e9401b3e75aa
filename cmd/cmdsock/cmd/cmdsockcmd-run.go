// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/cogniflight/cmdsock/pkg/sockclient"
	"github.com/spf13/cobra"
)

var runStdin bool

var runCmd = &cobra.Command{
	Use:   "run [--stdin] -- command [args...]",
	Short: "run a command to completion and print its output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBatch(runRun),
}

func init() {
	runCmd.Flags().BoolVarP(&runStdin, "stdin", "i", false, "send local stdin as the command's stdin")
	rootCmd.AddCommand(runCmd)
}

func runRun(ctx context.Context, sess *sockclient.BatchSession, args []string) error {
	command := strings.Join(args, " ")
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("empty command")
	}
	input := sockclient.NoInput()
	if runStdin {
		input = sockclient.ReaderInput(WrappedStdin, 0)
	}
	res, err := sess.RunCommand(ctx, command, input)
	if err != nil {
		return err
	}
	WriteStdout("%s", res.Output)
	if res.Error != "" {
		WriteStderr("%s", res.Error)
	}
	if res.Disconnected {
		return fmt.Errorf("%s", res.Error)
	}
	setExitCode(res.ExitCode)
	return nil
}
