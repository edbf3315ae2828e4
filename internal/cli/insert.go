package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/larder"
	"github.com/mesh-intelligence/larder/pkg/types"
)

func newInsertCmd(a *app) *cobra.Command {
	var skip, allowDirect bool
	cmd := &cobra.Command{
		Use:   "insert <entity> <json|->",
		Short: "Insert rows into an entity type",
		Long: `Insert adds one JSON object or an array of objects to an entity type in a
single transaction. Pass "-" to read the JSON from standard input. Blob
values are base64 strings; omitted attributes take their defaults.
Materialized entity types are filled by populate and need --allow-direct;
part rows are never inserted on their own.

Example:
  larder insert Mouse '{"mouse_id": 0, "dob": "2017-03-01", "sex": "M"}'
  larder insert SpikeDetectionParam '[{"sdp_id": 2, "threshold": 0.7}]'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(args[1])
			if args[1] == "-" {
				var err error
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
			}

			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.Schema().Entity(args[0])
			if err != nil {
				return err
			}
			rows, err := decodeRows(e, data)
			if err != nil {
				return err
			}
			onDup := types.OnDuplicateFail
			if skip {
				onDup = types.OnDuplicateSkip
			}
			var opts []larder.InsertOption
			if allowDirect {
				opts = append(opts, larder.AllowDirect())
			}
			n, err := s.Insert(cmd.Context(), e.Name, rows, onDup, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d inserted, %d skipped\n", e.Name, n, len(rows)-n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skip, "skip-duplicates", false, "leave rows with existing keys in place")
	cmd.Flags().BoolVar(&allowDirect, "allow-direct", false, "insert into a materialized entity type; populate will treat the keys as computed")
	return cmd
}

// decodeRows parses a JSON object or array of objects into rows of e.
func decodeRows(e *types.EntityType, data []byte) ([]types.Row, error) {
	data = bytes.TrimSpace(data)
	var raw []map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if len(data) > 0 && data[0] == '[' {
		if err := dec.Decode(&raw); err != nil {
			return nil, usageErrorf("invalid JSON: %v", err)
		}
	} else {
		var one map[string]any
		if err := dec.Decode(&one); err != nil {
			return nil, usageErrorf("invalid JSON: %v", err)
		}
		raw = append(raw, one)
	}

	rows := make([]types.Row, len(raw))
	for i, r := range raw {
		row, err := e.RowFromJSON(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows[i] = row
	}
	return rows, nil
}

