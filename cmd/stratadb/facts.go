package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/orneryd/stratadb/pkg/merge"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/orneryd/stratadb/pkg/stratadb"
	"github.com/spf13/cobra"
)

// addReadFlags adds the point-in-time flags shared by merged reads.
func addReadFlags(cmd *cobra.Command) {
	cmd.Flags().String("at", "", "Read as of this time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().Bool("include-removed", false, "Show removed winners instead of skipping them")
}

func layerNames(s *session) (map[storage.LayerID]string, error) {
	layers, err := s.db.Layers(s.ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[storage.LayerID]string, len(layers))
	for _, l := range layers {
		names[l.ID] = l.Name
	}
	return names, nil
}

func stackNames(names map[storage.LayerID]string, stack []storage.LayerID) string {
	parts := make([]string, len(stack))
	for i, id := range stack {
		parts[i] = names[id]
	}
	return strings.Join(parts, ">")
}

func newCICmd() *cobra.Command {
	ciCmd := &cobra.Command{
		Use:   "ci",
		Short: "Manage configuration items",
	}

	createCmd := &cobra.Command{
		Use:   "create [ID...]",
		Short: "Register configuration items (a generated id when none is given)",
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			ids := toCIIDs(args)
			_, err := s.db.Update(s.ctx, s.author, func(w *stratadb.Writer) error {
				if len(ids) == 0 {
					id, err := w.NewCI()
					ids = append(ids, id)
					return err
				}
				for _, id := range ids {
					if err := w.CreateCI(id); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("✅ Created %s\n", joinIDs(ids))
			return nil
		}),
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configuration items with their display names",
		Args:  cobra.NoArgs,
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			opts, err := s.readOptions(cmd)
			if err != nil {
				return err
			}
			res, err := s.db.MergedCIs(s.ctx, nil, opts)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tATTRIBUTES")
			for _, ci := range res.CIs {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", ci.ID, ci.Name(), len(ci.Attributes))
			}
			return tw.Flush()
		}),
	}
	addReadFlags(listCmd)

	showCmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show the merged view of a configuration item",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			opts, err := s.readOptions(cmd)
			if err != nil {
				return err
			}
			ci, err := s.db.MergedCI(s.ctx, storage.CIID(args[0]), opts)
			if err != nil {
				return err
			}
			names, err := layerNames(s)
			if err != nil {
				return err
			}
			fmt.Printf("CI %s", ci.ID)
			if n := ci.Name(); n != "" {
				fmt.Printf(" (%s)", n)
			}
			fmt.Println()
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ATTRIBUTE\tVALUE\tTYPE\tLAYER\tSTATE\tCHANGESET\tSTACK")
			for _, name := range ci.AttributeNames() {
				a := ci.Attributes[name]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					name, a.Value, a.Value.Type(), names[a.Layer], a.State, a.ChangesetID, stackNames(names, a.LayerStack))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, f := range ci.Failures {
				fmt.Printf("⚠️  %s in layer %s: %v\n", f.Name, names[f.Layer], f.Err)
			}
			return nil
		}),
	}
	addReadFlags(showCmd)

	ciCmd.AddCommand(createCmd, listCmd, showCmd)
	return ciCmd
}

func newAttrCmd() *cobra.Command {
	attrCmd := &cobra.Command{
		Use:   "attr",
		Short: "Read and write attributes",
	}

	setCmd := &cobra.Command{
		Use:   "set CI NAME VALUE",
		Short: "Set an attribute in a layer",
		Args:  cobra.ExactArgs(3),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			layerName, _ := cmd.Flags().GetString("layer")
			typeName, _ := cmd.Flags().GetString("type")
			t, err := storage.ParseValueType(typeName)
			if err != nil {
				return err
			}
			value, err := storage.ParseValue(t, args[2])
			if err != nil {
				return err
			}
			v, changed, err := s.db.SetAttribute(s.ctx, s.author, storage.CIID(args[0]), args[1], value, layerName)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Println("Unchanged")
				return nil
			}
			fmt.Printf("✅ %s.%s = %s (%s, changeset %d)\n", v.CI, v.Name, v.Value, v.State, v.ChangesetID)
			return nil
		}),
	}
	setCmd.Flags().String("layer", "", "Target layer")
	setCmd.Flags().String("type", "text", "Value type (text, integer, double, boolean, datetime, json, binary)")
	_ = setCmd.MarkFlagRequired("layer")

	rmCmd := &cobra.Command{
		Use:   "rm CI NAME",
		Short: "Remove an attribute from a layer",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			layerName, _ := cmd.Flags().GetString("layer")
			v, changed, err := s.db.RemoveAttribute(s.ctx, s.author, storage.CIID(args[0]), args[1], layerName)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Println("Already removed")
				return nil
			}
			fmt.Printf("✅ Removed %s.%s (changeset %d)\n", v.CI, v.Name, v.ChangesetID)
			return nil
		}),
	}
	rmCmd.Flags().String("layer", "", "Target layer")
	_ = rmCmd.MarkFlagRequired("layer")

	getCmd := &cobra.Command{
		Use:   "get CI NAME",
		Short: "Print the merged value of an attribute",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			opts, err := s.readOptions(cmd)
			if err != nil {
				return err
			}
			a, err := s.db.MergedAttribute(s.ctx, storage.CIID(args[0]), args[1], opts)
			if err != nil {
				return err
			}
			if a == nil {
				return fmt.Errorf("%s.%s: no value in the selected layers", args[0], args[1])
			}
			fmt.Println(a.Value)
			return nil
		}),
	}
	addReadFlags(getCmd)

	historyCmd := &cobra.Command{
		Use:   "history CI NAME",
		Short: "List every version of an attribute",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			opts, err := s.readOptions(cmd)
			if err != nil {
				return err
			}
			versions, err := s.db.AttributeHistory(s.ctx, storage.CIID(args[0]), args[1], opts)
			if err != nil {
				return err
			}
			names, err := layerNames(s)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACTIVATED\tLAYER\tSTATE\tVALUE\tCHANGESET")
			for _, v := range versions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
					v.ActivationTime.Format("2006-01-02 15:04:05.000"), names[v.Layer], v.State, v.Value, v.ChangesetID)
			}
			return tw.Flush()
		}),
	}

	attrCmd.AddCommand(setCmd, rmCmd, getCmd, historyCmd)
	return attrCmd
}

func newRelCmd() *cobra.Command {
	relCmd := &cobra.Command{
		Use:   "rel",
		Short: "Read and write relations",
	}

	addCmd := &cobra.Command{
		Use:   "add FROM PREDICATE TO",
		Short: "Add a relation in a layer",
		Args:  cobra.ExactArgs(3),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			layerName, _ := cmd.Flags().GetString("layer")
			v, changed, err := s.db.AddRelation(s.ctx, s.author, storage.CIID(args[0]), args[1], storage.CIID(args[2]), layerName)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Println("Unchanged")
				return nil
			}
			fmt.Printf("✅ %s (%s, changeset %d)\n", v.Key(), v.State, v.ChangesetID)
			return nil
		}),
	}
	addCmd.Flags().String("layer", "", "Target layer")
	_ = addCmd.MarkFlagRequired("layer")

	rmCmd := &cobra.Command{
		Use:   "rm FROM PREDICATE TO",
		Short: "Remove a relation from a layer",
		Args:  cobra.ExactArgs(3),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			layerName, _ := cmd.Flags().GetString("layer")
			key := storage.RelationKey{From: storage.CIID(args[0]), Predicate: args[1], To: storage.CIID(args[2])}
			v, changed, err := s.db.RemoveRelation(s.ctx, s.author, key, layerName)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Println("Already removed")
				return nil
			}
			fmt.Printf("✅ Removed %s (changeset %d)\n", key, v.ChangesetID)
			return nil
		}),
	}
	rmCmd.Flags().String("layer", "", "Target layer")
	_ = rmCmd.MarkFlagRequired("layer")

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List merged relations",
		Args:  cobra.NoArgs,
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			opts, err := s.readOptions(cmd)
			if err != nil {
				return err
			}
			var sel merge.RelationSelection
			if from, _ := cmd.Flags().GetStringSlice("from"); len(from) > 0 {
				sel.From = toCIIDs(from)
			}
			if to, _ := cmd.Flags().GetStringSlice("to"); len(to) > 0 {
				sel.To = toCIIDs(to)
			}
			sel.Predicates, _ = cmd.Flags().GetStringSlice("predicate")

			res, err := s.db.MergedRelations(s.ctx, sel, opts)
			if err != nil {
				return err
			}
			names, err := layerNames(s)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FROM\tPREDICATE\tTO\tLAYER\tSTATE\tCHANGESET")
			for _, r := range res.Relations {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", r.From, r.Predicate, r.To, names[r.Layer], r.State, r.ChangesetID)
			}
			return tw.Flush()
		}),
	}
	lsCmd.Flags().StringSlice("from", nil, "Source CIs")
	lsCmd.Flags().StringSlice("to", nil, "Target CIs")
	lsCmd.Flags().StringSlice("predicate", nil, "Predicates")
	addReadFlags(lsCmd)

	relCmd.AddCommand(addCmd, rmCmd, lsCmd)
	return relCmd
}

func toCIIDs(ss []string) []storage.CIID {
	out := make([]storage.CIID, len(ss))
	for i, s := range ss {
		out[i] = storage.CIID(s)
	}
	return out
}
