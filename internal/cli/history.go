package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"texrender/internal/db"
)

var (
	historyDB     string
	historyLimit  int
	historyFormat string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyDB, "db", "", "Path to the history database (required)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of records to show")
	historyCmd.Flags().StringVarP(&historyFormat, "format", "f", "text", "Output format (text|json)")
	historyCmd.MarkFlagRequired("db")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent compile requests",
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	h, err := db.Open(historyDB)
	if err != nil {
		return err
	}
	defer h.Close()

	records, err := h.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch historyFormat {
	case "json":
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	default:
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tID\tENDPOINT\tSTATUS\tCODE\tTOKEN\tMS")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.ID, r.Endpoint, r.Status, r.Code, r.Token, r.DurationMS)
		}
		return tw.Flush()
	}
	return nil
}
