package main

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "baselined",
	Short: "Distributed trustworthy statistical baseline node",
	Long: "Runs one node of the baseline network: verifies signed evidence, " +
		"aggregates it bottom-up under Byzantine-tolerant consensus and " +
		"publishes audited statistical baselines.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd, keygenCmd, auditVerifyCmd)
}
