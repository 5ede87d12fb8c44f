package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/FraMan97/modsync/internal/downloader"
	"github.com/FraMan97/modsync/internal/history"
	"github.com/FraMan97/modsync/internal/progress"
	"github.com/FraMan97/modsync/internal/remote"
	"github.com/FraMan97/modsync/internal/reporter"
	"github.com/FraMan97/modsync/internal/syncer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	workers    int
	noProgress bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [package...]",
	Short: "Bring packages up to date with the server",
	Long: `Sync downloads missing packages and patches outdated ones. Without
arguments every package listed by the server is synced. Ctrl-C stops the run
at the next buffer boundary; a second Ctrl-C aborts in-flight requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("workers") {
			cfg.Workers = workers
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		rc, err := remote.New(cfg)
		if err != nil {
			return err
		}
		ledger, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return errors.Wrap(err, "open history")
		}
		defer ledger.Close()
		if cfg.HistoryRetentionDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -cfg.HistoryRetentionDays)
			if n, err := ledger.Prune(cutoff); err != nil {
				log.Println("[Sync] - Error pruning history:", err)
			} else if n > 0 {
				log.Printf("[Sync] - Pruned %d runs older than %d days\n", n, cfg.HistoryRetentionDays)
			}
		}

		dl := downloader.New(rc.HTTPClient(), rc.Header(), downloader.OptionsFromConfig(cfg))
		s := syncer.New(rc, dl, cfg.InstallDir, cfg.Workers).WithLedger(ledger, rc.BaseURL())

		ctx, abort := context.WithCancel(cmd.Context())
		defer abort()

		var events *progress.Channel
		rendered := make(chan struct{})
		if noProgress {
			close(rendered)
		} else {
			events = progress.NewChannel(256)
			s.WithObserver(events)
			go func() {
				reporter.NewConsole(cmd.ErrOrStderr()).Run(ctx, events.C())
				close(rendered)
			}()
		}

		run, err := s.Start(ctx, args)
		if err != nil {
			if events != nil {
				events.Close()
			}
			<-rendered
			return err
		}

		signals := make(chan os.Signal, 2)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signals)
		go func() {
			interrupts := 0
			for {
				select {
				case <-run.Done():
					return
				case <-signals:
					interrupts++
					if interrupts == 1 {
						fmt.Fprintln(cmd.ErrOrStderr(), "\nCancelling, press Ctrl-C again to abort")
						run.Cancel()
					} else {
						abort()
					}
				}
			}
		}()

		res, err := run.Wait()
		if events != nil {
			events.Close()
		}
		<-rendered
		if err != nil {
			return err
		}
		printResult(cmd, res)
		if res.Failed > 0 {
			return errors.Errorf("%d of %d packages failed", res.Failed, len(res.Packages))
		}
		if res.RateLimited > 0 {
			return errors.Errorf("%d of %d packages deferred by the server rate limit, run sync again later", res.RateLimited, len(res.Packages))
		}
		return nil
	},
}

func printResult(cmd *cobra.Command, res *syncer.Result) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tVERSION\tOUTCOME\tFETCHED\tFILES\tCHUNKS\tREMOVED")
	for _, p := range res.Packages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n", p.Name, p.Version, p.Outcome,
			reporter.HumanBytes(p.BytesFetched), p.FilesFetched, p.ChunksPatched, p.FilesRemoved)
	}
	w.Flush()
	for _, p := range res.Packages {
		if p.Err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", p.Name, p.Err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d successful, %d failed, %d skipped, %d cancelled, %d rate limited in %s\n",
		res.Successful, res.Failed, res.Skipped, res.Cancelled, res.RateLimited, res.Finished.Sub(res.Started).Round(time.Millisecond))
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().IntVarP(&workers, "workers", "w", 2, "packages synced concurrently (1-16)")
	syncCmd.Flags().BoolVar(&noProgress, "no-progress", false, "do not draw a progress bar")
}
