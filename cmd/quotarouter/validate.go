package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ineyio/quotarouter"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := quotarouter.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d providers, policy %s, quota backend %s)\n",
			cfgFile, len(cfg.Providers), cfg.SelectionPolicy, cfg.Quota.Backend)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
