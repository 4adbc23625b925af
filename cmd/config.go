package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/samsaffron/chatrelay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		redact(&cfg.OpenClaw.APIKey)
		redact(&cfg.OpenClaw.SessionKey)
		redact(&cfg.TTS.APIKey)
		redact(&cfg.Search.APIKey)
		redact(&cfg.Server.AuthToken)

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		dir, _ := config.GetConfigDir()
		fmt.Printf("# config dir: %s\n%s", dir, out)
		return nil
	},
}

func redact(s *string) {
	if *s != "" {
		*s = "********"
	}
}
