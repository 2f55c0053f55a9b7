package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/opd-ai/mainline/dht"
	"github.com/opd-ai/mainline/key"
)

// envPrefix prefixes the environment variables that override settings,
// e.g. MAINLINE_LISTEN or MAINLINE_LOG_LEVEL.
const envPrefix = "MAINLINE"

// settings is the daemon configuration as read from flags, the
// environment and the config file.
type settings struct {
	Listen              []string      `mapstructure:"listen"`
	Bootstrap           []string      `mapstructure:"bootstrap"`
	NodeID              string        `mapstructure:"node_id"`
	ReadOnly            bool          `mapstructure:"read_only"`
	AllowLocalAddresses bool          `mapstructure:"allow_local_addresses"`
	Metrics             string        `mapstructure:"metrics"`
	LogLevel            string        `mapstructure:"log_level"`
	StatsInterval       time.Duration `mapstructure:"stats_interval"`
	Workers             int           `mapstructure:"workers"`
	MaxActiveTasks      int           `mapstructure:"max_active_tasks"`
	TokenTimeout        time.Duration `mapstructure:"token_timeout"`
	BanDuration         time.Duration `mapstructure:"ban_duration"`
	PeerExpiry          time.Duration `mapstructure:"peer_expiry"`
	MaxTorrents         int           `mapstructure:"max_torrents"`
	MaxPeersPerTorrent  int           `mapstructure:"max_peers_per_torrent"`
	ItemLifetime        time.Duration `mapstructure:"item_lifetime"`
	StorageMaxCost      int64         `mapstructure:"storage_max_cost"`
}

// newViper returns a viper instance with the defaults of a public node and
// environment overrides enabled.
func newViper() *viper.Viper {
	d := dht.DefaultConfig()
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", d.ListenAddrs)
	v.SetDefault("bootstrap", d.BootstrapNodes)
	v.SetDefault("node_id", "")
	v.SetDefault("read_only", d.ReadOnly)
	v.SetDefault("allow_local_addresses", d.AllowLocalAddresses)
	v.SetDefault("metrics", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("stats_interval", time.Minute)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("max_active_tasks", d.MaxActiveTasks)
	v.SetDefault("token_timeout", d.TokenTimeout)
	v.SetDefault("ban_duration", d.BanDuration)
	v.SetDefault("peer_expiry", d.PeerExpiry)
	v.SetDefault("max_torrents", d.MaxTorrents)
	v.SetDefault("max_peers_per_torrent", d.MaxPeersPerTorrent)
	v.SetDefault("item_lifetime", d.ItemLifetime)
	v.SetDefault("storage_max_cost", d.StorageMaxCost)
	return v
}

// loadSettings reads the optional config file and decodes the merged view.
func loadSettings(v *viper.Viper, file string) (*settings, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "loadSettings",
			"file":     v.ConfigFileUsed(),
		}).Info("Loaded config file")
	}
	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// environment variables arrive as a single string
	s.Listen = splitList(s.Listen)
	s.Bootstrap = splitList(s.Bootstrap)
	return &s, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, part)
		}
	}
	return out
}

// nodeConfig turns the settings into a node configuration.
func (s *settings) nodeConfig() (*dht.Config, error) {
	cfg := dht.DefaultConfig()
	cfg.ListenAddrs = s.Listen
	cfg.BootstrapNodes = s.Bootstrap
	cfg.ReadOnly = s.ReadOnly
	cfg.AllowLocalAddresses = s.AllowLocalAddresses
	cfg.Workers = s.Workers
	cfg.MaxActiveTasks = s.MaxActiveTasks
	cfg.TokenTimeout = s.TokenTimeout
	cfg.BanDuration = s.BanDuration
	cfg.PeerExpiry = s.PeerExpiry
	cfg.MaxTorrents = s.MaxTorrents
	cfg.MaxPeersPerTorrent = s.MaxPeersPerTorrent
	cfg.ItemLifetime = s.ItemLifetime
	cfg.StorageMaxCost = s.StorageMaxCost
	if s.NodeID != "" {
		id, err := key.FromHex(s.NodeID)
		if err != nil {
			return nil, fmt.Errorf("node id: %w", err)
		}
		cfg.NodeID = id
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
