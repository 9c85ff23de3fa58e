package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "go-apfs-mount",
	Short: "Read-only APFS volume reader and FUSE mount",
	Long: `go-apfs-mount exposes one volume of an Apple File System (APFS)
container as a read-only filesystem. It works directly with raw disks,
partitions, or disk images without relying on macOS.

Commands:
  mount    Mount a volume through FUSE
  info     Print container and volume statistics`,
	Version: "0.1.0-dev",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

// Execute runs the root command and exits with status 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging() {
	logrus.SetOutput(os.Stderr)
	if verbose || configLogLevel() == "debug" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $HOME/.go-apfs-mount.yaml)")
}
