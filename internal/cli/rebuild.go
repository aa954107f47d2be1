package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Replay the judgement history and rewrite the canonical index",
	Long: `Rebuild replays every stored judgement in order and writes the derived
canonical-id index from scratch. Run it after restoring the resolver file
from a backup or after changing RESOLVER_AUTOMATED_ACTORS.`,
	Args: cobra.NoArgs,
	RunE: runRebuild,
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a := current

	if err := a.openResolver(ctx); err != nil {
		return err
	}
	if err := a.resolver.Save(ctx); err != nil {
		return err
	}

	canonicals := a.resolver.Canonicals()
	clusters := map[string]struct{}{}
	for _, canonical := range canonicals {
		clusters[canonical] = struct{}{}
	}
	a.logger.WithFields(map[string]any{
		"judgements": len(a.resolver.Judgements()),
		"ids":        len(canonicals),
		"clusters":   len(clusters),
	}).Info("Resolver index rebuilt")
	fmt.Fprintf(cmd.OutOrStdout(), "%d judgements, %d ids in %d clusters\n",
		len(a.resolver.Judgements()), len(canonicals), len(clusters))
	return nil
}
