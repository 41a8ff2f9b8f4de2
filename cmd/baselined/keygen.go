package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/crestline-labs/baseline/privval"
)

var (
	keygenID  string
	keygenDir string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a validator signing key",
	Long: "Generates an ed25519 signing key and an empty sign-state file. " +
		"The printed public key goes into the roster file of every node.",
	RunE: func(_ *cobra.Command, _ []string) error {
		pv, err := privval.Generate(keygenID,
			filepath.Join(keygenDir, "pv_key.json"),
			filepath.Join(keygenDir, "pv_state.json"))
		if err != nil {
			return err
		}
		fmt.Printf("validator_id: %s\npublic_key: %s\n", pv.ValidatorID(), pv.PublicKey())
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenID, "id", "", "validator id")
	keygenCmd.Flags().StringVar(&keygenDir, "out", ".", "output directory")
	_ = keygenCmd.MarkFlagRequired("id")
}
