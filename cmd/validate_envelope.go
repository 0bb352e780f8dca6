package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/cobra"

	"github.com/nightowlshows/showscraper/internal/envelope"
)

// newValidateEnvelopeCmd validates an envelope JSON file. Exit 0 valid,
// 1 invalid with reasons printed. Runs without a data root so adapters can
// check submissions before sending them.
func newValidateEnvelopeCmd() *cobra.Command {
	var schemaPath string

	cmd := &cobra.Command{
		Use:   "validate-envelope <file>",
		Short: "Validate an envelope JSON file against the v1 schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0]) // #nosec G304 -- operator-supplied input path
			if err != nil {
				return exitWith(1, "read %s: %v", args[0], err)
			}

			if schemaPath != "" {
				return validateAgainstFile(raw, schemaPath)
			}

			result, err := envelope.Validate(raw)
			if err != nil {
				return exitWith(1, "validate: %v", err)
			}
			if !result.Valid {
				fmt.Println("invalid:")
				for _, reason := range result.Reasons {
					fmt.Printf("- %s\n", reason)
				}
				return exitWith(1, "")
			}
			fmt.Println("valid")
			return nil
		},
	}

	cmd.Flags().StringVar(&schemaPath, "schema", "", "validate against a schema file instead of the embedded one")
	return cmd
}

func validateAgainstFile(raw []byte, schemaPath string) error {
	c := jsonschema.NewCompiler()
	sch, err := c.Compile(schemaPath)
	if err != nil {
		return exitWith(1, "compile schema %s: %v", schemaPath, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return exitWith(1, "parse json: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			fmt.Println("invalid:")
			fmt.Printf("- %v\n", verr)
			return exitWith(1, "")
		}
		return exitWith(1, "validate: %v", err)
	}
	fmt.Println("valid")
	return nil
}
