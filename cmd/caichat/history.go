package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/omochice/cai-socket/internal/journal"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		chatID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print journaled turns, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openJournal()
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("journal is disabled: set journal.dsn")
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), journal.Query{ChatID: chatID, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				at := time.UnixMilli(e.FinalizedAtMs).Format(time.DateTime)
				fmt.Fprintf(out, "%s %s [%s]: %s\n", at, e.TurnID, e.AuthorName, e.RawContent)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "conversation id (default: all)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (default 200)")
	return cmd
}
