package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"frame-rpc/client"
	"frame-rpc/codec"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "call <domain> <command> [json-param...]",
		Short: "Call domain.command and print the result",
		Example: `  framecall call Test ping 42
  framecall call Editor open '"main.go"' '{"line":3}'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, args, true)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "notify <domain> <command> [json-param...]",
		Short: "Send domain.command without waiting for a reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, args, false)
		},
	})
}

// parseParams reads each argument as one JSON value. No arguments means the
// peer receives null.
func parseParams(args []string) ([]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make([]any, len(args))
	for i, arg := range args {
		v, err := codec.Unmarshal([]byte(arg))
		if err != nil {
			return nil, errors.Wrapf(err, "param %d", i+1)
		}
		params[i] = v
	}
	return params, nil
}

func runCall(cmd *cobra.Command, args []string, wait bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	params, err := parseParams(args[2:])
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cli, err := client.Dial(ctx, cfg, client.WithLogger(log))
	if err != nil {
		return err
	}
	defer cli.Close()

	if !wait {
		return cli.Notify(ctx, args[0], args[1], params...)
	}
	result, err := cli.Call(ctx, args[0], args[1], params...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(result))
	return nil
}
