package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/store"
)

// NewInspectCommand creates the inspect command: dump the records of one
// collection from a store database.
func NewInspectCommand(opts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "inspect <collection>",
		Short: "List the records of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()

			recs, err := s.Admin().List(store.Query{Collection: args[0]})
			if err != nil {
				return err
			}

			switch opts.Format {
			case "json":
				out, err := marshalJSON(recs)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
			default:
				for _, rec := range recs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.ID, renderFields(rec.Fields))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "tandem.db", "path to the store database")
	return cmd
}

func renderFields(fields store.Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", k, fields[k])
	}
	return out
}

func marshalJSON(v any) (string, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
