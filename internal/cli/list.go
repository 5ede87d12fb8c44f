package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/FraMan97/modsync/internal/remote"
	"github.com/FraMan97/modsync/internal/reporter"
	"github.com/FraMan97/modsync/internal/syncer"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the packages offered by the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rc, err := remote.New(cfg)
		if err != nil {
			return err
		}
		packages, err := rc.List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PACKAGE\tVERSION\tSIZE\tFILES\tLOCAL")
		for _, p := range packages {
			local := "-"
			if rec, _ := syncer.LoadRecord(cfg.InstallDir, p.Name); rec != nil {
				switch {
				case rec.Matches(p):
					local = "up to date"
				case rec.Version == "":
					local = "incomplete"
				default:
					local = rec.Version
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.Name, p.Version, reporter.HumanBytes(p.Size), p.Files, local)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
