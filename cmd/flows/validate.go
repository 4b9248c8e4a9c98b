package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	rapidpro "github.com/istresearch/rapidpro-sub000"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check flow definitions for consistency",
	Long: `Parses each definition and reports missing destinations, rule sets
without rules and loops that never wait for the contact.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			if err := validateFile(path); err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = rapidpro.Validate(data)
	return err
}
