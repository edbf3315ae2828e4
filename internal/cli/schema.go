package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/internal/neuro"
)

func newSchemaCmd(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Show entity types in dependency order",
		Long: `Schema lists every entity type, parents before children, with its kind,
parents and primary key. With --yaml and no --schema flag or schema_file,
it prints the built-in tutorial schema as a starting point for your own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, builtin, err := a.loadSchema()
			if err != nil {
				return err
			}
			if raw {
				if !builtin {
					return usageErrorf("--yaml prints only the built-in schema")
				}
				_, err := cmd.OutOrStdout().Write(neuro.SchemaYAML())
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), sch.Describe())
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "yaml", false, "print the built-in schema file")
	return cmd
}
