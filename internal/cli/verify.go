package cli

import (
	"fmt"

	"github.com/FraMan97/modsync/internal/syncer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var repair bool

var verifyCmd = &cobra.Command{
	Use:   "verify [package...]",
	Short: "Re-hash installed packages and report damaged chunks",
	Long: `Verify reads every chunk of the installed packages and compares it with
the local record. With --repair the damaged chunks are marked so the next sync
downloads only those ranges.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		names := args
		if len(names) == 0 {
			if names, err = syncer.Installed(cfg.InstallDir); err != nil {
				return err
			}
		}
		damaged := 0
		out := cmd.OutOrStdout()
		for _, name := range names {
			report, err := syncer.Verify(cfg.InstallDir, name, repair)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", name, err)
				damaged++
				continue
			}
			if report.OK() {
				fmt.Fprintf(out, "%s %s: ok (%d files)\n", name, report.Version, report.Files)
				continue
			}
			damaged++
			fmt.Fprintf(out, "%s %s: %d damaged files\n", name, report.Version, len(report.Damaged))
			for _, d := range report.Damaged {
				switch {
				case d.Missing:
					fmt.Fprintf(out, "  %s: missing\n", d.Path)
				case d.Resized:
					fmt.Fprintf(out, "  %s: wrong size, chunks %v\n", d.Path, d.Outdated)
				default:
					fmt.Fprintf(out, "  %s: chunks %v\n", d.Path, d.Outdated)
				}
			}
			if repair {
				fmt.Fprintf(out, "  marked for repair, run 'modsync sync %s'\n", name)
			}
		}
		if damaged > 0 {
			return errors.Errorf("%d packages need attention", damaged)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVarP(&repair, "repair", "r", false, "mark damaged chunks for the next sync")
}
