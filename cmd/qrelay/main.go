package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/qrelay"
	"github.com/glimte/qrelay/messaging"
	"github.com/glimte/qrelay/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// options holds the flags shared by every command
type options struct {
	connectionString string
	queue            string
	envFile          string
	logLevel         string
	logFormat        string

	cfg    qrelay.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "qrelay",
		Short: "Relay JSON messages between HTTP and a durable queue",
		Long: `qrelay exposes a remote queue over HTTP. POST /enqueue submits a JSON object
as one message and GET /dequeue waits briefly for one message and completes it.

The queue service is chosen by the connection string: Azure Service Bus
(Endpoint=sb://...), RabbitMQ (amqp://), Amazon SQS (sqs://REGION) or Redis (redis://).`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.connectionString, "connection-string", "", "Queue connection string (default $"+qrelay.EnvConnectionString+")")
	rootCmd.PersistentFlags().StringVarP(&opts.queue, "queue", "q", "", "Queue name (default $"+qrelay.EnvQueueName+")")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env.local", "Environment file loaded when present")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newSendCmd(opts),
		newReceiveCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

func (o *options) resolve(cmd *cobra.Command) error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", o.envFile, err)
		}
	}

	logger, err := newLogger(o.logLevel, o.logFormat)
	if err != nil {
		return err
	}
	o.logger = logger
	slog.SetDefault(logger)

	o.cfg = qrelay.ConfigFromEnv()
	if cmd.Flags().Changed("connection-string") {
		o.cfg.ConnectionString = strings.TrimSpace(o.connectionString)
	}
	if cmd.Flags().Changed("queue") {
		o.cfg.QueueName = strings.TrimSpace(o.queue)
	}
	return nil
}

func (o *options) client() *qrelay.Client {
	return qrelay.NewClientFromConfig(o.cfg, qrelay.WithLogger(o.logger))
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func newServeCmd(opts *options) *cobra.Command {
	var (
		addr            string
		receiveWait     time.Duration
		exposeEnv       bool
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if exposeEnv {
				opts.logger.Warn("/env is enabled and reports the configured connection settings")
			}

			srv := server.New(opts.client(), opts.cfg,
				server.WithLogger(opts.logger),
				server.WithReceiveWait(receiveWait),
				server.WithExposeEnv(exposeEnv),
				server.WithShutdownTimeout(shutdownTimeout),
			)
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8000", "Listen address")
	cmd.Flags().DurationVar(&receiveWait, "receive-wait", qrelay.DefaultReceiveWait, "How long /dequeue waits for a message")
	cmd.Flags().BoolVar(&exposeEnv, "expose-env", false, "Register GET /env (credentials are redacted)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")

	return cmd
}

func newSendCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "send '<json object>'",
		Short:   "Enqueue one JSON object",
		Example: `  qrelay send '{"orderId": 42}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := opts.client().Enqueue(ctx, json.RawMessage(args[0])); err != nil {
				return describe(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Message enqueued successfully!")
			return nil
		},
	}
}

func newReceiveCmd(opts *options) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Dequeue at most one message and print its body",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := opts.client().Dequeue(ctx, wait)
			if err != nil {
				return describe(err)
			}

			if !result.Found {
				fmt.Fprintln(cmd.OutOrStdout(), "No messages in the queue.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Content)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&wait, "wait", "w", qrelay.DefaultReceiveWait, "How long to wait for a message")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "qrelay %s\ncommit: %s\nbuilt: %s\n", version, gitCommit, buildTime)
			return nil
		},
	}
}

// describe adds the failure category to queue errors
func describe(err error) error {
	if errors.Is(err, qrelay.ErrInvalidPayload) {
		return err
	}
	return fmt.Errorf("%s error: %w", messaging.KindOf(err), err)
}
