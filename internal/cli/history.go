package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/FraMan97/modsync/internal/history"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ledger, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer ledger.Close()
		runs, err := ledger.List(historyLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tDURATION\tSERVER\tOK\tFAILED\tSKIPPED\tCANCELLED\tLIMITED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
				r.Started.Local().Format(time.DateTime), r.Finished.Sub(r.Started).Round(time.Millisecond),
				r.Server, r.Successful, r.Failed, r.Skipped, r.Cancelled, r.RateLimited)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show, 0 for all")
}
