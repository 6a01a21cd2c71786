package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newScansCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scans",
		Short: "Inspect the permanent scan store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List committed scans by id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.closeLog()

			records, err := a.scans.List()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No scans")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SCAN\tTYPE\tSEGMENTED\tFILE\tMASK\tDRAFT\tCOMMITTED")
			for _, rec := range records {
				mask := "-"
				if rec.MaskPath != "" {
					mask = filepath.Base(rec.MaskPath)
				}
				fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\t%s\t%s\n",
					rec.ScanID, rec.ScanType, rec.Segmented, rec.Filename, mask, rec.DraftID, humanize.Time(rec.CreatedAt))
			}
			return tw.Flush()
		},
	})
	return cmd
}
