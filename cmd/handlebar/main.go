// Command handlebar is an MCP tool server that mediates between LLM agents
// and Azure DevOps work items: queries materialize into TTL-bounded handles,
// bulk operations run against handles with dry-run and undo, and every tool
// result uses one response envelope.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is stamped by the release build via -ldflags.
var Version = "0.1.0-dev"

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "handlebar",
	Short: "MCP tool server for Azure DevOps work-item operations",
	Long: `handlebar serves MCP tools over stdio for querying Azure DevOps work
items, pinning results under opaque query handles, and running bulk
operations (with dry-run, per-item history, and undo) against them.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("handlebar version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")

	viper.SetEnvPrefix("HB")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

// newLogger builds the process logger. Output goes to stderr: stdout is
// the MCP transport and must carry nothing but JSON-RPC.
func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
