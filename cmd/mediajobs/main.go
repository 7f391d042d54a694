package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mediajobs",
	Short: "Media job service - lip-sync, transcription and translation jobs over HTTP",
	Long: `mediajobs accepts media uploads, runs model inference on them one job at a
time per accelerator and serves the results. Configuration comes from the
environment (optionally a .env file); see "mediajobs serve --help".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
}

// @title Media Jobs API
// @version 1.0
// @description Submit lip-sync, transcription and translation jobs and fetch their results.
// @BasePath /
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
