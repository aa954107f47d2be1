package cli

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/pkg/crawl"
	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/sink"
)

var (
	loadReplace bool
	loadOrigin  string
)

var loadCmd = &cobra.Command{
	Use:   "load <dataset> <file|url>",
	Short: "Emit entities from an entity-JSON file as a crawl run",
	Long: `Load runs a crawl that reads one entity per line, in the entity-JSON
format written by export, and emits each as statements of <dataset>. A URL
is first fetched into the dataset's resource directory.

Entities that fail validation are counted and skipped; the run statistics
are printed at the end.

Example:
  thistle load companies_registry https://example.org/companies.json --replace`,
	Args: cobra.ExactArgs(2),
	RunE: runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)

	loadCmd.Flags().BoolVar(&loadReplace, "replace", false, "replace the whole dataset instead of appending")
	loadCmd.Flags().StringVar(&loadOrigin, "origin", "", "origin tag for the statements (default: the dataset)")
}

func runLoad(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a := current
	dataset, source := args[0], args[1]

	if err := a.openStore(ctx); err != nil {
		return err
	}
	run, err := crawl.New(crawl.RunConfig{
		Dataset:        dataset,
		Origin:         loadOrigin,
		ResourcePath:   a.cfg.ResourcePath,
		FetchRateLimit: a.cfg.FetchRateLimit,
		FetchTimeout:   a.cfg.FetchTimeout,
		Replace:        loadReplace,
	}, a.store, a.registry, a.logger)
	if err != nil {
		return err
	}

	emitErr := emitFile(cmd, run, source)
	stats, closeErr := run.Close(ctx)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		return err
	}
	if emitErr != nil {
		return emitErr
	}
	return closeErr
}

func emitFile(cmd *cobra.Command, run *crawl.Context, source string) error {
	ctx := cmd.Context()
	path := source
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		fetched, err := run.FetchResource(ctx, "source.json", source)
		if err != nil {
			return err
		}
		path = fetched
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for entity, err := range sink.ReadEntities(f) {
		if err != nil {
			return err
		}
		if err := run.Emit(ctx, entity, entity.Target); err != nil {
			if errors.IsValidationError(err) {
				run.Log().WithError(err).Debug("Skipping invalid entity")
				continue
			}
			return err
		}
	}
	return nil
}
