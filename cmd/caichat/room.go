package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/omochice/cai-socket/internal/client"
)

func newRoomCmd(a *app) *cobra.Command {
	var roomID string

	cmd := &cobra.Command{
		Use:   "room",
		Short: "Talk in a multi-character room",
		Long:  "Talk in a multi-character room. A line reading /gen lets the room pick the next speaker.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, cleanup, err := a.login(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := c.ConnectRoom(ctx, roomID); err != nil {
				return err
			}

			return promptLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), func(ctx context.Context, line string) (*client.Reply, error) {
				if line == "/gen" {
					return c.RoomGenerateTurn(ctx, 0)
				}
				return c.RoomSendMessage(ctx, line, "", 0)
			})
		},
	}

	cmd.Flags().StringVar(&roomID, "room", "", "room id")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}
