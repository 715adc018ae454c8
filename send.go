package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"leadbot/src/logger"
	"leadbot/src/transport"
)

func newSendCmd() *cobra.Command {
	var to, text string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message through the chat bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" || text == "" {
				return fmt.Errorf("--to and --text are required")
			}
			cfg, err := setup()
			if err != nil {
				return err
			}

			bridge := transport.NewWSBridge(transport.BridgeOptions{
				URL:   cfg.TransportConfig.BridgeURL,
				Token: cfg.TransportConfig.BridgeToken,
			}, logger.With("bridge"))
			defer bridge.Close()

			if err := bridge.Connect(cmd.Context()); err != nil {
				return fmt.Errorf("failed to connect to bridge: %w", err)
			}
			sender := transport.NewSender(bridge, cfg.TransportConfig.SendAttempts, cfg.TransportConfig.SendStep, logger.With("sender"))
			if err := sender.Send(cmd.Context(), to, text); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", to)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "counterpart identifier")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	return cmd
}
