// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/cogniflight/cmdsock/pkg/panichandler"
	"github.com/cogniflight/cmdsock/pkg/sockclient"
	"github.com/cogniflight/cmdsock/pkg/sockcodec"
	"github.com/cogniflight/cmdsock/pkg/sockconfig"
	"github.com/cogniflight/cmdsock/pkg/sockconn"
	"github.com/cogniflight/cmdsock/pkg/sockmetrics"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:               "cmdsock",
		Short:             "run commands on a remote shell over one websocket",
		Long:              `cmdsock connects to a command socket and runs commands there, either to completion or interactively`,
		SilenceUsage:      true,
		PersistentPreRunE: preRunSetupClient,
	}
)

var WrappedStdin io.Reader = os.Stdin
var WrappedStdout io.Writer = os.Stdout
var WrappedStderr io.Writer = os.Stderr
var Manager *sockconn.Manager
var Config sockconfig.Config
var ExitCode int

var configWatcher *sockconfig.Watcher
var metricsServer *http.Server

var (
	urlArg         string
	sessIdArg      string
	codecArg       string
	debugArg       bool
	metricsAddrArg string
	settingsArg    string
	headerArgs     []string
	timeoutArg     time.Duration
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&urlArg, "url", "u", sockconfig.DefaultUrl, "command socket url (ws://, wss://, http(s):// or host:port)")
	flags.StringVar(&sessIdArg, "sessid", "", "session cookie sent with the handshake")
	flags.StringArrayVarP(&headerArgs, "header", "H", nil, "extra handshake header \"Name: value\" (repeatable)")
	flags.StringVar(&codecArg, "codec", sockconfig.DefaultCodec, fmt.Sprintf("wire codec (%s)", strings.Join(sockcodec.Names(), ", ")))
	flags.BoolVarP(&debugArg, "debug", "d", false, "log every frame")
	flags.StringVar(&metricsAddrArg, "metrics-addr", "", "serve prometheus metrics on this address while running")
	flags.StringVar(&settingsArg, "config", "", "settings file (default $CMDSOCK_CONFIG_HOME/settings.yaml)")
	flags.DurationVar(&timeoutArg, "timeout", 0, "give up after this long (0 means no limit)")
}

func WriteStderr(fmtStr string, args ...interface{}) {
	WrappedStderr.Write([]byte(fmt.Sprintf(fmtStr, args...)))
}

func WriteStdout(fmtStr string, args ...interface{}) {
	WrappedStdout.Write([]byte(fmt.Sprintf(fmtStr, args...)))
}

func OutputHelpMessage(cmd *cobra.Command) {
	cmd.SetOutput(WrappedStderr)
	cmd.Help()
	WriteStderr("\n")
}

func parseHeaderArgs(args []string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, ":")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid header %q (expected \"Name: value\")", arg)
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers, nil
}

// applyFlags layers explicitly set flags over the loaded config
func applyFlags(cmd *cobra.Command, cfg *sockconfig.Config) error {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Url = urlArg
	}
	if flags.Changed("sessid") {
		cfg.SessId = sessIdArg
	}
	if flags.Changed("codec") {
		cfg.Codec = codecArg
	}
	if flags.Changed("debug") {
		cfg.Debug = debugArg
	}
	if len(headerArgs) > 0 {
		headers, err := parseHeaderArgs(headerArgs)
		if err != nil {
			return err
		}
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string)
		}
		for k, v := range headers {
			cfg.Headers[k] = v
		}
	}
	return nil
}

func preRunSetupClient(cmd *cobra.Command, args []string) error {
	watcher, err := sockconfig.MakeWatcher(sockconfig.LoadOpts{SettingsPath: settingsArg})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	configWatcher = watcher
	cfg := watcher.GetConfig()
	if err := applyFlags(cmd, &cfg); err != nil {
		return err
	}
	Config = cfg
	socketUrl, err := sockconn.NormalizeSocketUrl(cfg.Url)
	if err != nil {
		return err
	}
	codec, err := sockcodec.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	var metrics *sockmetrics.Metrics
	if metricsAddrArg != "" {
		metrics = sockmetrics.Make()
		panichandler.PanicHook = metrics.Panic
		startMetricsServer(metricsAddrArg, metrics)
	}
	dialer := &sockconn.WebsocketDialer{
		Url:              socketUrl,
		Header:           sockconn.SessionHeader(cfg.SessId, cfg.Headers),
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	Manager = sockconn.MakeManager(dialer, sockconn.ManagerOpts{
		Codec:        codec,
		Metrics:      metrics,
		PingInterval: cfg.PingInterval,
		DialTimeout:  cfg.HandshakeTimeout,
		Debug:        cfg.Debug,
		DebugName:    "cmdsock",
	})
	// a flag wins over the file, so live debug toggling only applies when --debug was not given
	if !cmd.Flags().Changed("debug") {
		watcher.Events().On(sockconfig.EventConfig, func(data any) {
			if newCfg, ok := data.(sockconfig.Config); ok {
				Manager.SetDebug(newCfg.Debug)
			}
		})
		watcher.Start()
	}
	return nil
}

func startMetricsServer(addr string, metrics *sockmetrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		err := metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[cmdsock] metrics server: %v\n", err)
		}
	}()
}

// commandContext is canceled by SIGINT/SIGTERM and by --timeout
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeoutArg <= 0 {
		return ctx, stop
	}
	timeoutCtx, cancelFn := context.WithTimeout(ctx, timeoutArg)
	return timeoutCtx, func() {
		cancelFn()
		stop()
	}
}

func newBatchSession() *sockclient.BatchSession {
	return sockclient.MakeBatchSession(Manager, sockclient.SessionOpts{InitialEnv: Config.Env})
}

// runBatch is the RunE shape used by the one-shot subcommands
func runBatch(fn func(ctx context.Context, sess *sockclient.BatchSession, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancelFn := commandContext()
		defer cancelFn()
		sess := newBatchSession()
		defer sess.Close(context.Background())
		err := fn(ctx, sess, args)
		var cmdErr *sockclient.CommandError
		if errors.As(err, &cmdErr) {
			if cmdErr.Stderr != "" {
				WriteStderr("%s", cmdErr.Stderr)
			}
			setExitCode(cmdErr.ExitCode)
			return nil
		}
		return err
	}
}

func setExitCode(code int) {
	if code < 0 || code > 255 {
		code = 1
	}
	ExitCode = code
}

func shutdown() {
	if Manager != nil {
		Manager.Close()
	}
	if configWatcher != nil {
		configWatcher.Close()
	}
	if metricsServer != nil {
		ctx, cancelFn := context.WithTimeout(context.Background(), time.Second)
		defer cancelFn()
		metricsServer.Shutdown(ctx)
	}
}

// Execute executes the root command.
func Execute() {
	defer func() {
		r := recover()
		shutdown()
		if r != nil {
			WriteStderr("[panic] %v\n", r)
			debug.PrintStack()
			os.Exit(1)
		}
		os.Exit(ExitCode)
	}()
	err := rootCmd.Execute()
	if err != nil {
		if ExitCode == 0 {
			ExitCode = 1
		}
	}
}
