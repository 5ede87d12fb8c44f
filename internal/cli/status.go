package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/FraMan97/modsync/internal/models"
	"github.com/FraMan97/modsync/internal/remote"
	"github.com/FraMan97/modsync/internal/syncer"
	"github.com/spf13/cobra"
)

var offline bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed packages and when they were last synced",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		names, err := syncer.Installed(cfg.InstallDir)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No packages installed in %s\n", cfg.InstallDir)
			return nil
		}
		latest := map[string]models.PackageSummary{}
		if !offline {
			if rc, err := remote.New(cfg); err == nil {
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ProbeTimeout)
				packages, err := rc.List(ctx)
				cancel()
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Server unreachable, showing local state only: %v\n", err)
				}
				for _, p := range packages {
					latest[p.Name] = p
				}
			}
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PACKAGE\tVERSION\tFILES\tLAST SYNCED\tSERVER")
		for _, name := range names {
			rec, _ := syncer.LoadRecord(cfg.InstallDir, name)
			if rec == nil {
				fmt.Fprintf(w, "%s\t(unreadable record)\t-\t-\t-\n", name)
				continue
			}
			version := rec.Version
			if version == "" {
				version = "(incomplete)"
			}
			synced := "-"
			if !rec.LastSynced.IsZero() {
				synced = rec.LastSynced.Local().Format(time.DateTime)
			}
			server := "-"
			if p, ok := latest[name]; ok {
				server = "up to date"
				if !rec.Matches(p) {
					server = p.Version + " available"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", name, version, len(rec.Files), synced, server)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&offline, "offline", false, "do not contact the server")
}
