package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/aretw0/blockq/internal/cli"
	"github.com/aretw0/blockq/internal/presentation/tui"
	"github.com/aretw0/blockq/pkg/domain"
	"github.com/spf13/cobra"
)

var errInvalidCandidate = errors.New("candidate is invalid")

var validateCmd = &cobra.Command{
	Use:   "validate <candidate>",
	Short: "Check a candidate for a block field",
	Long: `Validates a candidate the way confirming an input block field would, and explains
the resulting error. Exits with status 1 when the candidate is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, _ := cmd.Flags().GetString("field")
		inputType, _ := cmd.Flags().GetString("type")

		kind, err := cli.Validate(cli.ValidateOptions{
			Field:     field,
			InputType: inputType,
			Candidate: args[0],
			Plain:     !tui.IsTerminal(os.Stdout),
			Out:       cmd.OutOrStdout(),
		})
		if err != nil {
			return err
		}
		if kind != domain.ErrorNone {
			return fmt.Errorf("%w: %s", errInvalidCandidate, kind)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringP("field", "f", "value", "Field to validate: 'variable' or 'value'")
	validateCmd.Flags().StringP("type", "t", "text", "Input type of the block: 'text' or 'number'")
}
