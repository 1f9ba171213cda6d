package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	snowrail "github.com/Colombia-Blockchain/snowrail-core"
)

var validateAmount int64

var validateCmd = &cobra.Command{
	Use:   "validate <url>",
	Short: "Score a payment URL and print the validation result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		svc, err := snowrail.New(cmd.Context(), cfg, snowrail.WithVersion(version))
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.Validate(cmd.Context(), args[0], validateAmount)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	validateCmd.Flags().Int64Var(&validateAmount, "amount", 0, "payment amount in the token's smallest unit")
}
