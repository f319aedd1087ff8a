// Package config loads client settings from file, environment and flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/omochice/cai-socket/pkg/protocol"
)

const (
	configName = "caichat"
	envPrefix  = "CAICHAT"

	KeyToken            = "token"
	KeyPushEndpoint     = "endpoints.push"
	KeyCommandEndpoint  = "endpoints.command"
	KeyPlusEndpoint     = "endpoints.plus"
	KeyNeoEndpoint      = "endpoints.neo"
	KeySiteEndpoint     = "endpoints.site"
	KeyOriginID         = "origin_id"
	KeyClientName       = "client_name"
	KeyRequestTimeout   = "request_timeout"
	KeyHandshakeTimeout = "handshake_timeout"
	KeyJournalDSN       = "journal.dsn"
	KeyLogLevel         = "log_level"
)

// Endpoints are the service URLs.
type Endpoints struct {
	Push    string
	Command string
	Plus    string
	Neo     string
	Site    string
}

// Config is the resolved client configuration.
type Config struct {
	Token     string
	Endpoints Endpoints
	OriginID  string
	// ClientName is announced in the push socket connect command.
	ClientName string

	// RequestTimeout bounds awaited socket operations. Zero means no deadline.
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration

	// JournalDSN enables the turn journal when set.
	JournalDSN string
	LogLevel   string
}

// Default returns the production configuration without a token.
func Default() Config {
	return Config{
		Endpoints: Endpoints{
			Push:    "wss://neo.character.ai/connection/websocket",
			Command: "wss://neo.character.ai/ws/",
			Plus:    "https://plus.character.ai",
			Neo:     "https://neo.character.ai",
			Site:    "https://character.ai",
		},
		OriginID:         protocol.DefaultOriginID,
		ClientName:       "js",
		HandshakeTimeout: 10 * time.Second,
		LogLevel:         "info",
	}
}

// SetDefaults registers Default() on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyPushEndpoint, d.Endpoints.Push)
	v.SetDefault(KeyCommandEndpoint, d.Endpoints.Command)
	v.SetDefault(KeyPlusEndpoint, d.Endpoints.Plus)
	v.SetDefault(KeyNeoEndpoint, d.Endpoints.Neo)
	v.SetDefault(KeySiteEndpoint, d.Endpoints.Site)
	v.SetDefault(KeyOriginID, d.OriginID)
	v.SetDefault(KeyClientName, d.ClientName)
	v.SetDefault(KeyRequestTimeout, d.RequestTimeout)
	v.SetDefault(KeyHandshakeTimeout, d.HandshakeTimeout)
	v.SetDefault(KeyJournalDSN, d.JournalDSN)
	v.SetDefault(KeyLogLevel, d.LogLevel)
}

// Load reads file, or caichat.{toml,yaml,json} from the working directory and
// $HOME/.config/caichat when file is empty, then overlays CAICHAT_* variables.
// A missing default file is not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "read config file")
		}
	}

	cfg := Config{
		Token: v.GetString(KeyToken),
		Endpoints: Endpoints{
			Push:    v.GetString(KeyPushEndpoint),
			Command: v.GetString(KeyCommandEndpoint),
			Plus:    strings.TrimRight(v.GetString(KeyPlusEndpoint), "/"),
			Neo:     strings.TrimRight(v.GetString(KeyNeoEndpoint), "/"),
			Site:    strings.TrimRight(v.GetString(KeySiteEndpoint), "/"),
		},
		OriginID:         v.GetString(KeyOriginID),
		ClientName:       v.GetString(KeyClientName),
		RequestTimeout:   v.GetDuration(KeyRequestTimeout),
		HandshakeTimeout: v.GetDuration(KeyHandshakeTimeout),
		JournalDSN:       v.GetString(KeyJournalDSN),
		LogLevel:         v.GetString(KeyLogLevel),
	}
	if cfg.RequestTimeout < 0 {
		cfg.RequestTimeout = 0
	}
	return cfg, nil
}
