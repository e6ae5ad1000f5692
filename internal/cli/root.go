// Package cli implements the medx terminal client.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"medxplorer/api/internal/app"
	"medxplorer/api/internal/config"
	"medxplorer/api/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

// openRuntime is replaced in tests.
var openRuntime = app.Bootstrap

type options struct {
	storage  string
	stateDir string
	apiURL   string
	verbose  bool
}

// NewRootCommand builds the medx command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "medx",
		Short: "Terminal client for the MedXplorer medical document assistant",
		Long: `medx keeps MedXplorer conversations on this machine, asks the
MedXplorer chat API about uploaded documents and forwards new PDFs for
ingestion.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVar(&opts.storage, "storage", "", "persistence backend: file, sqlite, redis, postgres or memory")
	flags.StringVar(&opts.stateDir, "state-dir", "", "directory for the file backend")
	flags.StringVar(&opts.apiURL, "api", "", "MedXplorer API base URL")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newChatCommand(opts),
		newAskCommand(opts),
		newThreadsCommand(opts),
		newSearchCommand(opts),
		newUploadCommand(opts),
		newExportCommand(opts),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (o *options) config() config.Config {
	cfg := config.Load()
	if o.storage != "" {
		cfg.Storage = o.storage
	}
	if o.stateDir != "" {
		cfg.StateDir = o.stateDir
		if os.Getenv("MEDX_SQLITE_PATH") == "" {
			cfg.SQLitePath = filepath.Join(o.stateDir, "medxplorer.db")
		}
	}
	if o.apiURL != "" {
		cfg.APIBaseURL = o.apiURL
	}
	return cfg
}

// withRuntime opens the conversation runtime for one command and always
// flushes it before returning.
func (o *options) withRuntime(cmd *cobra.Command, run func(ctx context.Context, rt *app.Runtime, p *printer) error) error {
	cfg := o.config()
	level := "warn"
	if o.verbose {
		level = "debug"
	}
	logging.Setup(level, "console", cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}

	runErr := run(ctx, rt, newPrinter(cmd.OutOrStdout()))

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := rt.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

type printer struct {
	out       io.Writer
	user      *color.Color
	assistant *color.Color
	meta      *color.Color
	success   *color.Color
	warn      *color.Color
	failure   *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:       out,
		user:      color.New(color.FgCyan, color.Bold),
		assistant: color.New(color.FgGreen),
		meta:      color.New(color.FgHiBlack),
		success:   color.New(color.FgGreen, color.Bold),
		warn:      color.New(color.FgYellow),
		failure:   color.New(color.FgRed, color.Bold),
	}
}

func (p *printer) line(c *color.Color, format string, args ...any) {
	c.Fprintf(p.out, format, args...)
	fmt.Fprintln(p.out)
}

func (p *printer) plain(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
	fmt.Fprintln(p.out)
}
