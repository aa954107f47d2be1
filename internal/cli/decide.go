package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
)

var (
	decideActor     string
	decideTimestamp string
)

var decideCmd = &cobra.Command{
	Use:   "decide <left> <right> <match|no_match|unsure>",
	Short: "Record a judgement between two entity ids",
	Long: `Decide records one judgement in the resolver and prints the resulting
canonical ids. A match that would join entities separated by a no_match is
refused.

Example:
  thistle decide ofac-123 eu-456 match --actor alice`,
	Args: cobra.ExactArgs(3),
	RunE: runDecide,
}

func init() {
	rootCmd.AddCommand(decideCmd)

	decideCmd.Flags().StringVar(&decideActor, "actor", "", "who made the judgement (required)")
	decideCmd.Flags().StringVar(&decideTimestamp, "timestamp", "", "RFC 3339 time of the judgement (default: now)")
	_ = decideCmd.MarkFlagRequired("actor")
}

func runDecide(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a := current

	verdict, ok := models.ParseVerdict(args[2])
	if !ok {
		return errors.Errorf("unknown verdict %q", args[2])
	}
	j := models.Judgement{
		Left:    args[0],
		Right:   args[1],
		Verdict: verdict,
		Actor:   decideActor,
	}
	if decideTimestamp != "" {
		ts, err := time.Parse(time.RFC3339, decideTimestamp)
		if err != nil {
			return errors.Wrap(err, "invalid timestamp")
		}
		j.Timestamp = ts
	}

	if err := a.openResolver(ctx); err != nil {
		return err
	}
	applied, err := a.resolver.Decide(ctx, j)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"applied":   applied,
		"canonical": a.resolver.GetCanonical(j.Left),
		"cluster":   a.resolver.Connected(j.Left),
	})
}
