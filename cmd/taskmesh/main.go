// Command taskmesh runs a workflow orchestration node: HTTP API, workflow
// engine, agent registry and task dispatcher in one process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Capability-based workflow orchestration",
	Long: `taskmesh orchestrates multi-step workflows across a fleet of agent
workers. Workflow definitions declare steps bound to capabilities; agents
register the capabilities they serve and pull matching tasks over HTTP.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskmesh version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./taskmesh.yaml, /etc/taskmesh/taskmesh.yaml)")
	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
