package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/maskdraft/internal/models"
)

func newDraftsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "Inspect, delete and commit drafts in the workspace",
	}

	cmd.AddCommand(newDraftsListCmd(configPath))
	cmd.AddCommand(newDraftsShowCmd(configPath))
	cmd.AddCommand(newDraftsDeleteCmd(configPath))
	cmd.AddCommand(newDraftsCommitCmd(configPath))

	return cmd
}

func newDraftsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List drafts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.closeLog()

			list, err := a.store.List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No drafts")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DRAFT\tTYPE\tITEMS\tMASKED\tCREATED\tTITLE")
			for _, d := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
					d.ID, d.ScanType, len(d.Items), maskedCount(d), humanize.Time(d.CreatedAt), d.Title)
			}
			return tw.Flush()
		},
	}
}

func maskedCount(d *models.Draft) int {
	n := 0
	for _, it := range d.Items {
		if it.MaskPath != "" {
			n++
		}
	}
	return n
}

func newDraftsShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <draft-id>",
		Short: "Print a draft record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.closeLog()

			d, err := a.store.Load(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
}

func newDraftsDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <draft-id>",
		Short: "Delete a draft and all of its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.closeLog()

			if err := a.store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted draft %s\n", args[0])
			return nil
		},
	}
}

func newDraftsCommitCmd(configPath *string) *cobra.Command {
	var itemID string
	var all bool

	cmd := &cobra.Command{
		Use:   "commit <draft-id>",
		Short: "Copy draft items into the permanent scan store",
		Long: `Commits one item (the first one unless --item is given) or, with --all,
every item that has a mask. Committed items are removed from the draft, and a
draft left without items is deleted.`,
		Example: `  # Commit the first item
  maskdraft drafts commit 0000000A

  # Commit a specific item
  maskdraft drafts commit 0000000A --item I002

  # Commit every masked item
  maskdraft drafts commit 0000000A --all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && itemID != "" {
				return fmt.Errorf("--item and --all are mutually exclusive")
			}

			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.closeLog()

			var records []*models.ScanRecord
			if all {
				records, err = a.scans.CommitAll(args[0])
			} else {
				var rec *models.ScanRecord
				rec, err = a.scans.Commit(args[0], itemID)
				if rec != nil {
					records = append(records, rec)
				}
			}

			for _, rec := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "Committed %s/%s as scan %d at %s\n", rec.DraftID, rec.ItemID, rec.ScanID, rec.Path)
				if rec.MaskPath != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "  mask %s\n", rec.MaskPath)
				}
			}
			if all && len(records) == 0 && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No items with a mask to commit")
			}
			return err
		},
	}

	cmd.Flags().StringVar(&itemID, "item", "", "Item to commit (defaults to the first item)")
	cmd.Flags().BoolVar(&all, "all", false, "Commit every item that has a mask")

	return cmd
}
