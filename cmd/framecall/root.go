package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"frame-rpc/config"
	"frame-rpc/logging"
)

var rootCmd = &cobra.Command{
	Use:           "framecall",
	Short:         "Call a framed-RPC peer",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var (
	optConfig    = rootCmd.PersistentFlags().StringP("config", "c", "", "TOML config file")
	optHost      = rootCmd.PersistentFlags().String("host", "", "peer host")
	optPort      = rootCmd.PersistentFlags().IntP("port", "p", 0, "peer port")
	optService   = rootCmd.PersistentFlags().String("service", "", "resolve the peer through etcd under this name")
	optTimeout   = rootCmd.PersistentFlags().Duration("timeout", 0, "call timeout")
	optLogLevel  = rootCmd.PersistentFlags().String("log-level", "", "trace, debug, info, warn or error")
	optLogFormat = rootCmd.PersistentFlags().String("log-format", "", "console or json")
)

// loadConfig layers flags over the file and environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(*optConfig)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = *optHost
	}
	if flags.Changed("port") {
		cfg.Port = *optPort
	}
	if flags.Changed("service") {
		cfg.Service = *optService
	}
	if flags.Changed("timeout") {
		cfg.CallTimeout = *optTimeout
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *optLogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = *optLogFormat
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) zerolog.Logger {
	return logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}
