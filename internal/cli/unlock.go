package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/lock"
	"github.com/Ramsey-B/thistle/pkg/sink"
)

var unlockDiscardPartial bool

var unlockCmd = &cobra.Command{
	Use:   "unlock <destination>",
	Short: "Remove the lock a crashed export left on a destination",
	Long: `Unlock removes <destination>.lock regardless of who holds it. Only use it
once the holder is known to be gone; the lock file names its host and pid.

The interrupted output stays in <destination>.partial unless
--discard-partial is given. The destination itself is never touched.

Redis locks are not removed here; they expire after REDIS_LOCK_TTL.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnlock,
}

func init() {
	rootCmd.AddCommand(unlockCmd)

	unlockCmd.Flags().BoolVar(&unlockDiscardPartial, "discard-partial", false, "also delete the partial output")
}

func runUnlock(cmd *cobra.Command, args []string) error {
	a := current
	path := args[0]
	out := cmd.OutOrStdout()

	if a.cfg.LockBackend != "file" {
		return errors.Errorf("unlock only handles file locks, LOCK_BACKEND is %q", a.cfg.LockBackend)
	}
	if !sink.Incomplete(path) {
		fmt.Fprintf(out, "%s is not locked\n", path)
		return nil
	}

	owner, err := lock.ForceUnlock(sink.LockPath(path))
	switch {
	case errors.Is(err, errors.ErrNotFound):
	case err != nil:
		return err
	default:
		a.logger.WithFields(map[string]any{
			"path":  path,
			"owner": owner.String(),
		}).Warn("Lock removed by operator")
		fmt.Fprintf(out, "removed lock held by %s since %s\n", owner, owner.AcquiredAt.Format(time.RFC3339))
	}

	partial := sink.PartialPath(path)
	if _, err := os.Stat(partial); err != nil {
		return nil
	}
	if !unlockDiscardPartial {
		fmt.Fprintf(out, "partial output kept at %s\n", partial)
		return nil
	}
	if err := os.Remove(partial); err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %s\n", partial)
	return nil
}
