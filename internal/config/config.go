// Package config parses and validates the configuration vocabulary of
// spec.md §6 from urfave/cli/v2 flags, environment variables, and an
// optional TOML file, producing the typed Config the root coordinator wires
// into every pool. File values are the lowest-priority source: a flag or
// environment variable always overrides whatever the file sets, the same
// precedence altsrc applies for every input source it supports.
//
// Grounded on zllovesuki-specter's cmd/server/server.go flag set (String/
// Int/Path flags with Category and EnvVars) for the flag surface, on
// quic-go's config.go#validateConfig for the validate-after-populate shape,
// and on urfave/cli/altsrc's own TOML example for wiring a --config flag
// into every other flag's input source.
package config

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2/altsrc"
	"github.com/urfave/cli/v2"

	"github.com/requiem-go/requiem/connid"
	"github.com/requiem-go/requiem/retrytoken"
)

// ConfigFileFlagName is the flag altsrc reads the TOML file path from.
const ConfigFileFlagName = "config"

// Transport carries the QUIC transport knobs spec.md §6 recognizes. All of
// these are forwarded verbatim into the quicapi.Config the dispatcher pool
// builds; this package only parses and range-checks them.
type Transport struct {
	InitialMaxData           uint64
	MaxUDPPayloadSize        uint64
	InitialMaxStreamDataBidi uint64
	InitialMaxStreamDataUni  uint64
	MaxIdleTimeout           time.Duration
	DisableActiveMigration   bool
	EnableEarlyData          bool
	EnableDgram              bool
}

// Config is the fully parsed, validated configuration surface for one
// server process.
type Config struct {
	Host string
	Port int

	SocketPoolSize       int
	DispatcherPoolSize   int
	SocketEventCapacity  int
	SocketPollingTimeout time.Duration

	TokenSecret        retrytoken.Secret
	ConnectionIDSecret connid.Secret

	AllowAddressRouting bool

	Transport Transport

	Verbose bool
}

// Flags is the urfave/cli/v2 flag set for the configuration vocabulary,
// suitable for embedding in a cli.App's or cli.Command's Flags. Every flag
// but --config itself is wrapped with altsrc so it can also be populated
// from the TOML file --config names; Before must run altsrc's input-source
// loader (see Before) before the action reads any of these.
func Flags() []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{Name: ConfigFileFlagName, Usage: "path to an optional TOML config file", EnvVars: []string{"REQUIEM_CONFIG_FILE"}, Category: "Network Options"},
	}, altsrcFlags()...)
}

func altsrcFlags() []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{Name: "host", Value: "0.0.0.0", Usage: "bind address", EnvVars: []string{"REQUIEM_HOST"}, Category: "Network Options"}),
		altsrc.NewIntFlag(&cli.IntFlag{Name: "port", Value: 4433, Usage: "bind UDP port", EnvVars: []string{"REQUIEM_PORT"}, Category: "Network Options"}),

		altsrc.NewIntFlag(&cli.IntFlag{Name: "socket-pool-size", Value: 4, Usage: "number of UDP sockets and senders", EnvVars: []string{"REQUIEM_SOCKET_POOL_SIZE"}, Category: "Pool Options"}),
		altsrc.NewIntFlag(&cli.IntFlag{Name: "dispatcher-pool-size", Value: 8, Usage: "number of dispatcher workers", EnvVars: []string{"REQUIEM_DISPATCHER_POOL_SIZE"}, Category: "Pool Options"}),
		altsrc.NewIntFlag(&cli.IntFlag{Name: "socket-event-capacity", Value: 64, Usage: "max datagrams per socket ReadBatch call", EnvVars: []string{"REQUIEM_SOCKET_EVENT_CAPACITY"}, Category: "Pool Options"}),
		altsrc.NewDurationFlag(&cli.DurationFlag{Name: "socket-polling-timeout", Value: 100 * time.Millisecond, Usage: "max blocking window per socket ReadBatch call", EnvVars: []string{"REQUIEM_SOCKET_POLLING_TIMEOUT"}, Category: "Pool Options"}),

		altsrc.NewStringFlag(&cli.StringFlag{Name: "token-secret", Usage: "base64-free raw secret (>=32 bytes) for retry-token sealing", EnvVars: []string{"REQUIEM_TOKEN_SECRET"}, Category: "Security Options"}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "connection-id-secret", Usage: "raw secret (>=32 bytes) for connection-ID derivation", EnvVars: []string{"REQUIEM_CONNECTION_ID_SECRET"}, Category: "Security Options"}),

		altsrc.NewBoolFlag(&cli.BoolFlag{Name: "allow-address-routing", Usage: "maintain an address -> CID side table for connection-migration tracking", EnvVars: []string{"REQUIEM_ALLOW_ADDRESS_ROUTING"}, Category: "Security Options"}),

		altsrc.NewUint64Flag(&cli.Uint64Flag{Name: "initial-max-data", Value: 1 << 20, Category: "Transport Options"}),
		altsrc.NewUint64Flag(&cli.Uint64Flag{Name: "max-udp-payload-size", Value: 1452, Category: "Transport Options"}),
		altsrc.NewUint64Flag(&cli.Uint64Flag{Name: "initial-max-stream-data-bidi", Value: 1 << 18, Category: "Transport Options"}),
		altsrc.NewUint64Flag(&cli.Uint64Flag{Name: "initial-max-stream-data-uni", Value: 1 << 18, Category: "Transport Options"}),
		altsrc.NewDurationFlag(&cli.DurationFlag{Name: "max-idle-timeout", Value: 30 * time.Second, Category: "Transport Options"}),
		altsrc.NewBoolFlag(&cli.BoolFlag{Name: "disable-active-migration", Category: "Transport Options"}),
		altsrc.NewBoolFlag(&cli.BoolFlag{Name: "enable-early-data", Category: "Transport Options"}),
		altsrc.NewBoolFlag(&cli.BoolFlag{Name: "enable-dgram", Value: true, Category: "Transport Options"}),

		altsrc.NewBoolFlag(&cli.BoolFlag{Name: "verbose", Usage: "enable verbose logging", EnvVars: []string{"REQUIEM_VERBOSE"}}),
	}
}

// Before returns the cli.BeforeFunc that loads --config's TOML file (if
// given) as an input source for every flag Flags wraps with altsrc, run
// ahead of FromContext so file-sourced values are visible through the same
// ctx.String/ctx.Int accessors flags and environment variables use.
// token-secret and connection-id-secret are no longer marked Required on
// the flag itself (altsrc's loader rejects a Required flag outright when
// the file doesn't set it, even though a later source might) — FromContext
// enforces the same requirement once every source has been merged.
func Before() cli.BeforeFunc {
	return altsrc.InitInputSourceWithContext(Flags(), altsrc.NewTomlSourceFromFlagFunc(ConfigFileFlagName))
}

// FromContext builds and validates a Config from a populated cli.Context.
func FromContext(ctx *cli.Context) (*Config, error) {
	cfg := &Config{
		Host:                 ctx.String("host"),
		Port:                 ctx.Int("port"),
		SocketPoolSize:       ctx.Int("socket-pool-size"),
		DispatcherPoolSize:   ctx.Int("dispatcher-pool-size"),
		SocketEventCapacity:  ctx.Int("socket-event-capacity"),
		SocketPollingTimeout: ctx.Duration("socket-polling-timeout"),
		AllowAddressRouting:  ctx.Bool("allow-address-routing"),
		Verbose:              ctx.Bool("verbose"),
		Transport: Transport{
			InitialMaxData:           ctx.Uint64("initial-max-data"),
			MaxUDPPayloadSize:        ctx.Uint64("max-udp-payload-size"),
			InitialMaxStreamDataBidi: ctx.Uint64("initial-max-stream-data-bidi"),
			InitialMaxStreamDataUni:  ctx.Uint64("initial-max-stream-data-uni"),
			MaxIdleTimeout:           ctx.Duration("max-idle-timeout"),
			DisableActiveMigration:   ctx.Bool("disable-active-migration"),
			EnableEarlyData:          ctx.Bool("enable-early-data"),
			EnableDgram:              ctx.Bool("enable-dgram"),
		},
	}

	tokenSecretRaw := []byte(ctx.String("token-secret"))
	cidSecretRaw := []byte(ctx.String("connection-id-secret"))
	if len(tokenSecretRaw) < 32 {
		return nil, fmt.Errorf("config: token-secret must be set (flag, env var, or --%s) to at least 32 bytes, got %d", ConfigFileFlagName, len(tokenSecretRaw))
	}
	if len(cidSecretRaw) < 32 {
		return nil, fmt.Errorf("config: connection-id-secret must be set (flag, env var, or --%s) to at least 32 bytes, got %d", ConfigFileFlagName, len(cidSecretRaw))
	}
	cfg.TokenSecret = retrytoken.NewSecret(tokenSecretRaw)
	cfg.ConnectionIDSecret = connid.NewSecret(cidSecretRaw)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.SocketPoolSize <= 0 {
		return fmt.Errorf("config: socket-pool-size must be positive, got %d", cfg.SocketPoolSize)
	}
	if cfg.DispatcherPoolSize <= 0 {
		return fmt.Errorf("config: dispatcher-pool-size must be positive, got %d", cfg.DispatcherPoolSize)
	}
	if cfg.SocketEventCapacity <= 0 {
		return fmt.Errorf("config: socket-event-capacity must be positive, got %d", cfg.SocketEventCapacity)
	}
	if cfg.SocketPollingTimeout <= 0 {
		return fmt.Errorf("config: socket-polling-timeout must be positive, got %s", cfg.SocketPollingTimeout)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("config: port out of range: %d", cfg.Port)
	}
	if cfg.Transport.MaxUDPPayloadSize == 0 {
		return fmt.Errorf("config: max-udp-payload-size must be positive")
	}
	return nil
}
