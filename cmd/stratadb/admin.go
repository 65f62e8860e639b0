package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/orneryd/stratadb/pkg/config"
	"github.com/orneryd/stratadb/pkg/exchange"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/spf13/cobra"
)

func newChangesetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changesets",
		Short: "List changesets that wrote into the read layer set",
		Args:  cobra.NoArgs,
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			opts, err := s.readOptions(cmd)
			if err != nil {
				return err
			}
			from := time.Time{}
			to := time.Now()
			if v, _ := cmd.Flags().GetString("from"); v != "" {
				if from, err = parseTime(v); err != nil {
					return err
				}
			}
			if v, _ := cmd.Flags().GetString("to"); v != "" {
				if to, err = parseTime(v); err != nil {
					return err
				}
			}
			var ci *storage.CIID
			if v, _ := cmd.Flags().GetString("ci"); v != "" {
				id := storage.CIID(v)
				ci = &id
			}

			changesets, err := s.db.Changesets(s.ctx, from, to, ci, opts)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIMESTAMP\tAUTHOR")
			for _, cs := range changesets {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", cs.ID, cs.Timestamp.Format("2006-01-02 15:04:05.000"), cs.Author)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().String("from", "", "Start of the timespan (inclusive)")
	cmd.Flags().String("to", "", "End of the timespan (inclusive, default now)")
	cmd.Flags().String("ci", "", "Only changesets touching this CI")
	return cmd
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export FILE",
		Short: "Write the merged view of every CI to a JSON archive",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			opts, err := s.readOptions(cmd)
			if err != nil {
				return err
			}
			archive, err := exchange.Export(s.ctx, s.db, opts)
			if err != nil {
				return err
			}
			if err := exchange.WriteFile(args[0], archive); err != nil {
				return err
			}
			fmt.Printf("✅ Exported %d CIs and %d relations to %s\n", len(archive.CIs), len(archive.Relations), args[0])
			if archive.Skipped > 0 {
				fmt.Printf("⚠️  Skipped %d unreadable attribute versions\n", archive.Skipped)
			}
			return nil
		}),
	}
	addReadFlags(cmd)
	return cmd
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Make a layer hold exactly the facts of a JSON archive",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			layerName, _ := cmd.Flags().GetString("layer")
			archive, err := exchange.ReadFile(args[0])
			if err != nil {
				return err
			}
			res, err := exchange.Import(s.ctx, s.db, archive, layerName, s.author)
			if err != nil {
				return err
			}
			if !res.Modified() {
				fmt.Println("Layer already matches the archive")
				return nil
			}
			fmt.Printf("✅ Imported into %s (changeset %d): %d created, %d changed, %d renewed, %d removed, %d unchanged\n",
				layerName, res.Changeset.ID, res.Created, res.Changed, res.Renewed, res.Removed, res.Unchanged)
			return nil
		}),
	}
	cmd.Flags().String("layer", "", "Target layer")
	_ = cmd.MarkFlagRequired("layer")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record counts and storage statistics",
		Args:  cobra.NoArgs,
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			st, err := s.db.Stats(s.ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "CIs\t%d\n", st.CIs)
			fmt.Fprintf(tw, "Layers\t%d\n", st.Layers)
			fmt.Fprintf(tw, "Predicates\t%d\n", st.Predicates)
			fmt.Fprintf(tw, "Changesets\t%d\n", st.Changesets)
			fmt.Fprintf(tw, "Attribute versions\t%d\n", st.Attributes)
			fmt.Fprintf(tw, "Relation versions\t%d\n", st.Relations)
			fmt.Fprintf(tw, "Commit sequence\t%d\n", st.CommitSeq)
			fmt.Fprintf(tw, "LSM size\t%s\n", config.FormatMemorySize(st.LSMSize))
			fmt.Fprintf(tw, "Value log size\t%s\n", config.FormatMemorySize(st.VLogSize))
			if c := st.Cache; c != nil {
				fmt.Fprintf(tw, "Cache entries\t%d / %d\n", c.Size, c.MaxSize)
				fmt.Fprintf(tw, "Cache hit rate\t%.1f%% (%d hits, %d misses, %d stale)\n", c.HitRate, c.Hits, c.Misses, c.Stale)
			}
			return tw.Flush()
		}),
	}
}
