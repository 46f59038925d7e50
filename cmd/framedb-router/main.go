package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "framedb-router",
	Short: "Route video frames to FrameDB shards",
	Long: `framedb-router writes and reads frames of registered sources on the
Redis shards the routing directory assigns to them. Shard membership changes
arrive on the event bus and are applied without a restart.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(directoryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
