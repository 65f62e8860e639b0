package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/spf13/cobra"
)

func newLayerCmd() *cobra.Command {
	layerCmd := &cobra.Command{
		Use:   "layer",
		Short: "Manage layers",
	}

	createCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an enabled layer",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			desc, _ := cmd.Flags().GetString("description")
			l, err := s.db.CreateLayer(s.ctx, args[0], desc)
			if err != nil {
				return err
			}
			fmt.Printf("✅ Created layer %s (id %d)\n", l.Name, l.ID)
			return nil
		}),
	}
	createCmd.Flags().String("description", "", "Layer description")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List layers",
		Args:  cobra.NoArgs,
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			layers, err := s.db.Layers(s.ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tENABLED\tCREATED\tDESCRIPTION")
			for _, l := range layers {
				fmt.Fprintf(tw, "%d\t%s\t%v\t%s\t%s\n", l.ID, l.Name, l.Enabled, l.CreatedAt.Format("2006-01-02 15:04:05"), l.Description)
			}
			return tw.Flush()
		}),
	}

	describeCmd := &cobra.Command{
		Use:   "describe NAME DESCRIPTION",
		Short: "Replace a layer's description",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			l, err := s.db.SetLayerDescription(s.ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Layer %s: %s\n", l.Name, l.Description)
			return nil
		}),
	}

	layerCmd.AddCommand(createCmd, listCmd, describeCmd, setEnabledCmd("enable", true), setEnabledCmd("disable", false))
	return layerCmd
}

func setEnabledCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: fmt.Sprintf("%s writes into a layer", use),
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			l, err := s.db.SetLayerEnabled(s.ctx, args[0], enabled)
			if err != nil {
				return err
			}
			fmt.Printf("Layer %s enabled=%v\n", l.Name, l.Enabled)
			return nil
		}),
	}
}

func newPredicateCmd() *cobra.Command {
	predCmd := &cobra.Command{
		Use:   "predicate",
		Short: "Manage relation predicates",
	}

	putCmd := &cobra.Command{
		Use:   "put ID",
		Short: "Create or update a predicate",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("wording-from")
			to, _ := cmd.Flags().GetString("wording-to")
			return s.db.PutPredicate(s.ctx, &storage.Predicate{ID: args[0], WordingFrom: from, WordingTo: to})
		}),
	}
	putCmd.Flags().String("wording-from", "", `Wording read from the source ("runs on")`)
	putCmd.Flags().String("wording-to", "", `Wording read from the target ("is running")`)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List predicates",
		Args:  cobra.NoArgs,
		RunE: withSession(func(s *session, cmd *cobra.Command, args []string) error {
			preds, err := s.db.Predicates(s.ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFROM\tTO")
			for _, p := range preds {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.WordingFrom, p.WordingTo)
			}
			return tw.Flush()
		}),
	}

	predCmd.AddCommand(putCmd, listCmd)
	return predCmd
}
