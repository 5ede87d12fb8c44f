// Package cli holds the cobra commands of the modsync client.
package cli

import (
	"io"
	"log"
	"os"

	"github.com/FraMan97/modsync/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	serverURL string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "modsync",
	Short: "Keep local mod packages in sync with a repository server",
	Long: `modsync downloads, resumes and patches versioned mod packages from a
repository server. Files are compared chunk by chunk so only the ranges that
changed are transferred again.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose {
			log.SetOutput(io.Discard)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ~/.modsync/client/client.yaml)")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "repository server url, overrides server_url")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print the transfer log")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the client config, applying command line overrides.
func loadConfig() (*config.Client, error) {
	base, err := config.BaseDir("client")
	if err != nil {
		return nil, err
	}
	v := config.NewViper(cfgFile, base, "client")
	if serverURL != "" {
		v.Set("server_url", serverURL)
	}
	return config.LoadClient(v, base)
}
