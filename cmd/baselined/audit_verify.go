package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crestline-labs/baseline/audit"
	"github.com/crestline-labs/baseline/journal"
)

var auditDir string

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify an audit journal offline",
	Long: "Replays an audit journal and re-verifies every hash link in the " +
		"chain. Exits non-zero at the first broken or tampered step.",
	RunE: func(_ *cobra.Command, _ []string) error {
		j, err := journal.NewFileJournal(auditDir)
		if err != nil {
			return err
		}
		steps, head, err := audit.VerifyChain(j)
		if err != nil {
			return err
		}
		fmt.Printf("steps: %d\nhead: %s\n", steps, head)
		return nil
	},
}

func init() {
	auditVerifyCmd.Flags().StringVar(&auditDir, "journal", "data/audit", "audit journal directory")
}
