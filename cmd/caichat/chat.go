package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/omochice/cai-socket/internal/client"
)

func newChatCmd(a *app) *cobra.Command {
	var (
		characterID string
		chatID      string
		noGreeting  bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a character",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, cleanup, err := a.login(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := c.ConnectCharacter(ctx, characterID, !noGreeting); err != nil {
				return err
			}
			a.logger.Info().Str("chat_id", c.Session().ChatID).Msg("Connected")

			return promptLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), func(ctx context.Context, line string) (*client.Reply, error) {
				return c.SendMessage(ctx, line, client.MessageOptions{ChatID: chatID})
			})
		},
	}

	cmd.Flags().StringVar(&characterID, "character", "", "character id")
	cmd.Flags().StringVar(&chatID, "chat", "", "conversation id (default: latest)")
	cmd.Flags().BoolVar(&noGreeting, "no-greeting", false, "create new conversations without a greeting")
	_ = cmd.MarkFlagRequired("character")
	return cmd
}
