package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var debug bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Streaming chat relay for hosted and local language models",
	Long: `chatrelay serves a conversation API in front of hosted and local
language models. It streams replies over SSE, runs tool round-trips,
compacts long histories into summaries and can synthesize speech for
each reply sentence by sentence.

Examples:
  chatrelay serve                 # start the API server
  chatrelay config                # print the effective configuration`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
