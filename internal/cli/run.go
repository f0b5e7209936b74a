package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rednebmas/mem/internal/pipeline"
)

var (
	runDate    string
	runSources []string
	runDryRun  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect, route and summarize new activity",
	Long: "Collect activity since each source's last run, route it into the topic tree, update topic " +
		"summaries, run actions and write the topics document. Everything commits together or not at all.",
	Args: cobra.NoArgs,
	RunE: runRun,
}

var reseedYes bool

var reseedCmd = &cobra.Command{
	Use:   "reseed",
	Short: "Back up the database and reset the tree to the seed topics",
	Args:  cobra.NoArgs,
	RunE:  runReseed,
}

var pruneBefore string

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete routed activity older than a date",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func init() {
	runCmd.Flags().StringVar(&runDate, "date", "", "collect one day (YYYY-MM-DD) without moving watermarks")
	runCmd.Flags().StringSliceVar(&runSources, "source", nil, "only collect these sources (repeatable)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "collect and parse only; no model calls, no writes")

	reseedCmd.Flags().BoolVarP(&reseedYes, "yes", "y", false, "skip the confirmation prompt")

	pruneCmd.Flags().StringVar(&pruneBefore, "before", "", "delete entries older than this date (YYYY-MM-DD)")
	pruneCmd.MarkFlagRequired("before")
}

// parseDate reads YYYY-MM-DD in the local zone.
func parseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

// signalContext is cancelled on interrupt so a run rolls back cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	opts := pipeline.Options{Sources: runSources, DryRun: runDryRun}
	if runDate != "" {
		d, err := parseDate(runDate)
		if err != nil {
			return err
		}
		opts.Date = &d
	}

	inst, logger, err := openInstance()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer inst.Close()

	ctx, cancel := signalContext()
	defer cancel()

	rep, err := pipeline.Run(ctx, inst, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if opts.DryRun {
		for _, e := range rep.Entries {
			fmt.Fprintf(out, "%s  %-10s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04"), e.Source, oneLine(e.Text, 100))
		}
	}
	fmt.Fprintln(out, rep)
	for _, w := range rep.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", w)
	}
	return nil
}

func runReseed(cmd *cobra.Command, args []string) error {
	inst, logger, err := openInstance()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer inst.Close()

	if !reseedYes {
		fmt.Fprintf(cmd.OutOrStdout(), "This clears every topic, entry and hold for %s. Continue? [y/N] ", inst.Config.Name)
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			return fmt.Errorf("reseed cancelled")
		}
	}

	backup, err := pipeline.Reseed(cmd.Context(), inst)
	if err != nil {
		return err
	}
	if backup != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "backup: %s\n", backup)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reseeded with %d topics\n", len(pipeline.SeedPaths(inst)))
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	before, err := parseDate(pruneBefore)
	if err != nil {
		return err
	}
	inst, logger, err := openInstance()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer inst.Close()

	n, err := inst.DB.PruneEntries(cmd.Context(), before)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries before %s\n", n, before.Format("2006-01-02"))
	return nil
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
