// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/cogniflight/cmdsock/pkg/panichandler"
	"github.com/cogniflight/cmdsock/pkg/sockclient"
	"github.com/cogniflight/cmdsock/pkg/sockproto"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const (
	keyCtrlC = 0x03
	keyCtrlD = 0x04
)

var shellCmd = &cobra.Command{
	Use:   "shell -- command [args...]",
	Short: "run a command interactively (ctrl-c interrupts, ctrl-d ends stdin)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

func getIsTty() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func runShell(cmd *cobra.Command, args []string) error {
	ctx, cancelFn := commandContext()
	defer cancelFn()
	sess := sockclient.MakeStreamSession(Manager, sockclient.SessionOpts{InitialEnv: Config.Env})
	defer sess.Close(context.Background())
	handle, err := sess.RunCommand(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	rawMode := getIsTty()
	if rawMode {
		origState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("setting raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), origState)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return copyPayloads(WrappedStdout, handle.Output(groupCtx))
	})
	group.Go(func() error {
		return copyPayloads(WrappedStderr, handle.Errors(groupCtx))
	})
	// stdin blocks in Read, so it is not part of the group
	panichandler.GoSafe("cmdsock:pumpStdin", func() { pumpStdin(handle, rawMode) })

	res, err := handle.Result(ctx)
	if err != nil {
		handle.Interrupt()
		return err
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if rawMode {
		WriteStderr("\r\n")
	}
	if res.Disconnected {
		return fmt.Errorf("%s", res.Error)
	}
	setExitCode(res.ExitCode)
	return nil
}

func copyPayloads(w io.Writer, payloads iter.Seq[sockproto.Payload]) error {
	for p := range payloads {
		if _, err := w.Write(p.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// splitRawChunk returns the bytes typed before the first ctrl-c or ctrl-d, that key (0 if none) and what follows it
func splitRawChunk(chunk []byte) ([]byte, byte, []byte) {
	idx := bytes.IndexAny(chunk, string([]byte{keyCtrlC, keyCtrlD}))
	if idx < 0 {
		return chunk, 0, nil
	}
	return chunk[:idx], chunk[idx], chunk[idx+1:]
}

func pumpStdin(handle *sockclient.CommandHandle, rawMode bool) {
	buf := make([]byte, 4096)
	for {
		n, err := WrappedStdin.Read(buf)
		chunk := buf[:n]
		for len(chunk) > 0 {
			data, key, rest := chunk, byte(0), []byte(nil)
			if rawMode {
				data, key, rest = splitRawChunk(chunk)
			}
			if len(data) > 0 && handle.Input(sockclient.PayloadOf(data)) != nil {
				return
			}
			switch key {
			case keyCtrlC:
				handle.Interrupt()
			case keyCtrlD:
				handle.InputEOF()
				return
			}
			chunk = rest
		}
		if err != nil {
			handle.InputEOF()
			return
		}
	}
}
