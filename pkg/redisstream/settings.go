package redisstream

import (
	"github.com/spf13/cobra"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `mapstructure:"redis-enabled"`
	Addr     string `mapstructure:"redis-addr"`
	Group    string `mapstructure:"redis-group"`
	Consumer string `mapstructure:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "chat-ui",
		Consumer: "ui-1",
	}
}

// AddFlags registers the Redis Streams flags on cmd.
func AddFlags(cmd *cobra.Command) {
	d := DefaultSettings()
	f := cmd.Flags()
	f.Bool("redis-enabled", d.Enabled, "Enable Redis Streams transport for chat events")
	f.String("redis-addr", d.Addr, "Redis address host:port")
	f.String("redis-group", d.Group, "Redis consumer group prefix")
	f.String("redis-consumer", d.Consumer, "Redis consumer name, unique per server instance")
}

// groupName is per instance so that every instance sees every event of the
// sessions it holds connections for.
func (s Settings) groupName() string {
	return s.Group + ":" + s.Consumer
}
