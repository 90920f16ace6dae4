package main

import (
	"fmt"
	"os"

	"github.com/fentz26/hub/internal/controlplane"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hub",
	Short: "Hub - task and pipeline lifecycle manager",
	Long: `Hub tracks tasks and the pipelines that execute them. Each pipeline is
started, stopped and inspected through an external execution engine, while
the hub keeps the authoritative record of its lifecycle.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hub version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hub version %s\n", controlplane.Version)
	},
}

var (
	apiAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
