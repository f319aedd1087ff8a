package main

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omochice/cai-socket/internal/client"
	"github.com/omochice/cai-socket/internal/config"
	"github.com/omochice/cai-socket/internal/journal"
)

type app struct {
	v          *viper.Viper
	configFile string
	cfg        config.Config
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "caichat",
		Short:         "Talk to characters and rooms from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ./caichat.* or ~/.config/caichat/caichat.*)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("token", "", "API token")
	_ = a.v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = a.v.BindPFlag(config.KeyToken, flags.Lookup("token"))

	rootCmd.AddCommand(
		newChatCmd(a),
		newRoomCmd(a),
		newHistoryCmd(a),
	)
	return rootCmd
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", cfg.LogLevel)
	}
	zerolog.SetGlobalLevel(level)
	a.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	return nil
}

func (a *app) openJournal() (*journal.Store, error) {
	if a.cfg.JournalDSN == "" {
		return nil, nil
	}
	return journal.Open(a.cfg.JournalDSN)
}

// login opens a logged-in client. The returned func logs out and closes the journal.
func (a *app) login(ctx context.Context) (*client.Client, func(), error) {
	if a.cfg.Token == "" {
		return nil, nil, errors.New("no token: pass --token or set CAICHAT_TOKEN")
	}

	store, err := a.openJournal()
	if err != nil {
		return nil, nil, err
	}

	opts := client.Options{Config: a.cfg, Logger: a.logger}
	if store != nil {
		opts.Journal = store
	}
	c := client.New(opts)

	if err := c.Login(ctx, a.cfg.Token); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.Logout(logoutCtx); err != nil {
			a.logger.Warn().Err(err).Msg("Logout failed")
		}
		if store != nil {
			_ = store.Close()
		}
	}
	return c, cleanup, nil
}
