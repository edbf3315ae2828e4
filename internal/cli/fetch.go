package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/types"
)

func newFetchCmd(a *app) *cobra.Command {
	var (
		where    []string
		limit    int
		orderBy  []string
		jsonMode bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <entity>",
		Short: "List rows of an entity type",
		Long: `Fetch prints the rows of an entity type that satisfy every --where
condition. Conditions are attr=value, attr!=value, attr<value, attr<=value,
attr>value or attr>=value; "null" compares against missing values. For
non-text attributes attr=lo..hi selects a range and attr=a,b,c a set.

Example:
  larder fetch Session --where mouse_id=0
  larder fetch Spikes --where sdp_id=1 --where count>=3 --order -count --limit 5
  larder fetch Neuron --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.Schema().Entity(args[0])
			if err != nil {
				return err
			}
			p, err := parseWhere(e, where)
			if err != nil {
				return err
			}
			p.Limit = limit
			for _, o := range orderBy {
				attr, desc := strings.CutPrefix(o, "-")
				p = p.Ordered(attr, desc)
			}

			var rows []types.Row
			for r, err := range s.Fetch(cmd.Context(), e.Name, p) {
				if err != nil {
					return err
				}
				rows = append(rows, r)
			}
			if jsonMode {
				return writeJSONRows(cmd.OutOrStdout(), rows)
			}
			return writeTable(cmd.OutOrStdout(), e.AttributeNames(), rows)
		},
	}
	cmd.Flags().StringArrayVar(&where, "where", nil, "condition attr<op>value (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of rows (0 for all)")
	cmd.Flags().StringArrayVar(&orderBy, "order", nil, "sort by attribute, prefix with - for descending (repeatable)")
	cmd.Flags().BoolVar(&jsonMode, "json", false, "output one JSON object per line")
	return cmd
}

// writeJSONRows writes rows as JSON lines. Blobs are base64 strings, the
// same form insert accepts.
func writeJSONRows(w io.Writer, rows []types.Row) error {
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(w io.Writer, cols []string, rows []types.Row) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	for _, r := range rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = formatValue(r[c])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%d rows)\n", len(rows))
	return err
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(x))
	case float64:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}
