package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/blelink/persist"
)

var inspectSchema bool

var inspectCmd = &cobra.Command{
	Use:   "inspect [state-file]",
	Short: "Print the persisted last-disconnect records",
	Long: `Reads a last-disconnect state file and prints one line per device. With --schema
the JSON schema of a record is printed instead (no file needed).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if inspectSchema {
			data, err := json.MarshalIndent(persist.Schema(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		if len(args) != 1 {
			return fmt.Errorf("inspect needs a state file (or --schema)")
		}

		f, err := persist.ReadFile(args[0])
		if err != nil {
			return err
		}
		records, err := f.Decode()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tINTENT\tSAVED AT\tSAVES")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.Address, r.Intent, r.SavedAt.Format("2006-01-02 15:04:05"), r.Saves)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectSchema, "schema", false, "Print the record JSON schema")
}
