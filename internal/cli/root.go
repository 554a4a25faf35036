// Package cli is the alertrelay command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"alertrelay/internal/app"
	"alertrelay/internal/config"
	"alertrelay/internal/storage"
	logx "alertrelay/pkg/logx"
)

// Version is set at build time via ldflags.
var Version = "dev"

const defaultConfigPath = "./config.yaml"

type options struct {
	cfgPath     string
	stopTimeout time.Duration
}

// NewRootCommand builds the command tree. Running it without a subcommand serves.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "alertrelay",
		Short: "Relay Alertmanager webhooks to Telegram",
		Long: `alertrelay receives Alertmanager webhook batches and posts one Telegram
message per alert and destination. A firing alert is sent once; its
resolution edits that same message.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.cfgPath, "config", "c", defaultConfigPath, "config file (JSON or YAML)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	for _, c := range []*cobra.Command{root, serve} {
		c.Flags().DurationVar(&opts.stopTimeout, "stop-timeout", 20*time.Second, "graceful shutdown budget")
	}

	root.AddCommand(serve, newStateCommand(opts), newPruneCommand(opts), newVersionCommand())
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runServe(ctx context.Context, opts *options) error {
	a, err := app.New(opts.cfgPath)
	if err != nil {
		return err
	}
	return a.Run(ctx, opts.stopTimeout)
}

// openStore reads only the storage section, so maintenance commands work
// without a bot token. A read-only open never takes the file driver's writer
// lock, so it works next to a running server.
func openStore(opts *options, readOnly bool) (storage.Store, error) {
	cfg, err := config.NewConfigManager(opts.cfgPath).Parse()
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	sc, err := app.MapStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	sc.ReadOnly = readOnly
	st, err := storage.Open(sc, logx.NewConsole("WARN"))
	if errors.Is(err, storage.ErrLocked) {
		return nil, fmt.Errorf("%w (stop the server before editing records)", err)
	}
	return st, err
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "alertrelay %s\n", Version)
		},
	}
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
