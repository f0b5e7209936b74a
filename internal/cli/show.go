package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rednebmas/mem/internal/pipeline"
	"github.com/rednebmas/mem/internal/render"
	"github.com/rednebmas/mem/internal/store"
)

var treeAll bool

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Show the topic tree with activity scores",
	Args:  cobra.NoArgs,
	RunE:  runTree,
}

var renderStdout bool

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Write the topics document",
	Args:  cobra.NoArgs,
	RunE:  runRender,
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List enabled actions and their output keys",
	Args:  cobra.NoArgs,
	RunE:  runActions,
}

var holdsState string

var holdsCmd = &cobra.Command{
	Use:   "holds",
	Short: "List calendar holds",
	Args:  cobra.NoArgs,
	RunE:  runHolds,
}

func init() {
	treeCmd.Flags().BoolVarP(&treeAll, "all", "a", false, "include decayed topics")
	renderCmd.Flags().BoolVar(&renderStdout, "stdout", false, "print instead of writing the file")
	holdsCmd.Flags().StringVar(&holdsState, "state", "", "proposed, confirmed or deleted")
}

func runTree(cmd *cobra.Command, args []string) error {
	inst, logger, err := openInstance()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer inst.Close()

	ctx := cmd.Context()
	now := inst.Clock()
	snap, err := inst.DB.Snapshot(ctx)
	if err != nil {
		return err
	}
	scores, err := inst.DB.TopicScores(ctx, snap, now, inst.ScoreOptions())
	if err != nil {
		return err
	}
	threshold := inst.Config.Pipeline.DecayThreshold
	out := cmd.OutOrStdout()
	if len(snap.Topics) == 0 {
		fmt.Fprintln(out, "(no topics yet)")
		return nil
	}
	return writeTree(out, snap, scores, threshold, treeAll)
}

// writeTree prints one row per topic: name, score, entry count, last
// activity and the flattened summary.
func writeTree(w io.Writer, snap *store.Snapshot, scores map[int64]float64, threshold float64, all bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, t := range snap.Topics {
		if !all && t.Depth > 1 && !visible(snap, scores, t.ID, threshold) {
			continue
		}
		last := "never"
		if t.LastActiveAt != nil {
			last = humanize.Time(*t.LastActiveAt)
		}
		name := strings.Repeat("  ", t.Depth-1) + t.Name
		fmt.Fprintf(tw, "%s\t%.2f\t%s\t%s\t%s\n", name, scores[t.ID],
			humanize.Comma(int64(t.ActivityCount)), last, oneLine(render.OneLine(t.Summary), 60))
	}
	return tw.Flush()
}

// visible mirrors the document's rule: active, or an active descendant.
func visible(snap *store.Snapshot, scores map[int64]float64, id int64, threshold float64) bool {
	if scores[id] >= threshold {
		return true
	}
	for _, c := range snap.Children(id) {
		if visible(snap, scores, c, threshold) {
			return true
		}
	}
	return false
}

func runRender(cmd *cobra.Command, args []string) error {
	inst, logger, err := openInstance()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer inst.Close()

	if renderStdout {
		doc, err := pipeline.Document(cmd.Context(), inst)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), doc)
		return nil
	}
	path, err := pipeline.WriteDocument(cmd.Context(), inst)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func runActions(cmd *cobra.Command, args []string) error {
	inst, logger, err := openInstance()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer inst.Close()

	reg, err := inst.Registry()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	descs := reg.Descriptors()
	if len(descs) == 0 {
		fmt.Fprintln(out, "no actions enabled")
		return nil
	}
	for _, d := range descs {
		kind := "built-in"
		if d.External {
			kind = "external"
		}
		var keys []string
		for _, o := range d.Outputs {
			keys = append(keys, o.Key)
		}
		fmt.Fprintf(out, "%s (%s): %s\n", d.Name, kind, strings.Join(keys, ", "))
	}
	return nil
}

func runHolds(cmd *cobra.Command, args []string) error {
	inst, logger, err := openInstance()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer inst.Close()

	holds, err := inst.DB.ListHolds(cmd.Context(), holdsState)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(holds) == 0 {
		fmt.Fprintln(out, "no holds")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, h := range holds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.State, h.Title,
			h.EventStart.Local().Format("Mon Jan 2 15:04"), humanize.Time(h.EventStart))
	}
	return tw.Flush()
}
