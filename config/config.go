// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// ErrConfigMissing marks a configuration value the gateway cannot start
// without. main treats it as fatal (exit 1).
var ErrConfigMissing = errors.New("required configuration missing")

// LiveKitConfig is the conferencing fabric endpoint and credentials.
type LiveKitConfig struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// BrokerConfig describes the MQTT broker connection.
type BrokerConfig struct {
	Protocol        string `mapstructure:"protocol"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Keepalive       int    `mapstructure:"keepalive"`
	Clean           bool   `mapstructure:"clean"`
	ReconnectPeriod int    `mapstructure:"reconnectPeriod"` // milliseconds
	ConnectTimeout  int    `mapstructure:"connectTimeout"`  // milliseconds
}

// URL renders the broker address in the form paho expects.
func (b BrokerConfig) URL() string {
	proto := b.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%s://%s:%d", proto, b.Host, b.Port)
}

// GatewayConfig is the full process configuration: the mqtt.json file plus
// the environment variables the gateway recognizes.
type GatewayConfig struct {
	LiveKit    LiveKitConfig `mapstructure:"livekit"`
	MQTTBroker BrokerConfig  `mapstructure:"mqtt_broker"`
	Debug      bool          `mapstructure:"debug"`

	UDPPort       int    // UDP_PORT
	PublicIP      string // PUBLIC_IP, advertised UDP endpoint
	ManagerAPIURL string // MANAGER_API_URL, device-profile API base
	MediaAPIBase  string // MEDIA_API_BASE
	MediaAPIToken string // CEREBRIUM_API_TOKEN, required
}

// Load reads mqtt.json (path overridable for tests) and the environment.
// A missing media API token is fatal: without it no music/story bot can ever
// be started and sessions in those modes would be silently broken.
func Load(path string) (*GatewayConfig, error) {
	v := viper.New()
	if path == "" {
		path = "mqtt.json"
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.AutomaticEnv()

	v.SetDefault("UDP_PORT", 1883)
	v.SetDefault("PUBLIC_IP", "127.0.0.1")

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		return nil, fmt.Errorf("%w: config file %s", ErrConfigMissing, path)
	}

	cfg := &GatewayConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.UDPPort = v.GetInt("UDP_PORT")
	cfg.PublicIP = v.GetString("PUBLIC_IP")
	cfg.ManagerAPIURL = v.GetString("MANAGER_API_URL")
	cfg.MediaAPIBase = v.GetString("MEDIA_API_BASE")
	cfg.MediaAPIToken = v.GetString("CEREBRIUM_API_TOKEN")

	if cfg.MediaAPIToken == "" {
		return nil, fmt.Errorf("%w: CEREBRIUM_API_TOKEN", ErrConfigMissing)
	}
	if cfg.LiveKit.URL == "" || cfg.LiveKit.APIKey == "" || cfg.LiveKit.APISecret == "" {
		return nil, fmt.Errorf("%w: livekit url/api_key/api_secret", ErrConfigMissing)
	}
	if cfg.MQTTBroker.Host == "" {
		return nil, fmt.Errorf("%w: mqtt_broker.host", ErrConfigMissing)
	}
	return cfg, nil
}
