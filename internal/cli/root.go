package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/config"
	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/logging"
	"github.com/Ramsey-B/thistle/pkg/schema"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

var (
	cfgFile string
	verbose bool

	current *app
)

var rootCmd = &cobra.Command{
	Use:   "thistle",
	Short: "Thistle - statement store, entity resolver and exporter",
	Long: `Thistle stores crawled data as statements, one property value per
statement, and merges records that a resolver has judged to be the same
entity.

Crawlers write statements through the crawl API. Reviewers and matchers
record judgements. Exports write merged entities and raw statements to
locked destinations.`,
	SilenceErrors:      true,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

// Execute runs the root command
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if current != nil {
		// teardown does not run when a command fails
		_ = current.shutdown(context.Background())
		current = nil
	}
	return err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "thistle %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file; environment variables override it")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	logger, flush, err := logging.New(cfg.AppName, cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return err
	}

	endpoint := ""
	if cfg.OtlpEnabled {
		endpoint = cfg.OtlpEndpoint
	}
	shutdownTracing, err := tracing.Setup(cmd.Context(), tracing.Config{
		ServiceName: cfg.AppName,
		Endpoint:    endpoint,
		Insecure:    cfg.OtlpInsecure,
	})
	if err != nil {
		flush()
		return err
	}

	registry, err := schema.LoadRegistryFile(cfg.SchemaPath)
	if err != nil {
		flush()
		return errors.Wrap(err, "failed to load schema model")
	}

	current = &app{
		cfg:             cfg,
		logger:          logger,
		registry:        registry,
		flush:           flush,
		shutdownTracing: shutdownTracing,
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if current == nil {
		return nil
	}
	err := current.shutdown(cmd.Context())
	current = nil
	return err
}
