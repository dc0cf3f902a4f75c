package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Cadence - content planning and publishing engine",
	Long: `Cadence plans weeks and quarters of social media posts, refines them with
creator/critic/fixer agent chains and publishes approved posts on schedule.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $CADENCE_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(planWeekCmd)
	rootCmd.AddCommand(planQuarterCmd)
	rootCmd.AddCommand(publishNowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
