package main

import (
	"fmt"
	"log"
	"os"

	"conveyflow/config"

	"github.com/spf13/cobra"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "conveyflow",
	Short: "Conveyancing transaction progression service",
	Long: `conveyflow tracks residential sales from instruction to completion.

It serves the dashboard API, applies database migrations and relays
outbox events to NATS JetStream.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory containing conveyflow.yaml")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configDir)
}

func main() {
	log.SetPrefix("conveyflow: ")
	log.SetFlags(log.LstdFlags | log.LUTC)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
