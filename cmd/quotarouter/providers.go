package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ineyio/quotarouter"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers in selection order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := quotarouter.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		reg, err := quotarouter.NewRegistry(cfg.Descriptors())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPRIORITY\tPER MINUTE\tPER DAY\tACTIVE")
		for _, d := range reg.List() {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%t\n", d.ID, d.Priority, d.PerMinuteLimit, d.PerDayLimit, d.Active)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
