// Package config parses the CLI surface for both binaries using the
// standard flag package against a plain struct of fields. An optional
// --config file supplies defaults from YAML, which CLI flags then override.
package config

import (
	"flag"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"btproxy/internal/mux"
)

// ClientConfig holds btproxy-client's CLI flags.
type ClientConfig struct {
	Listen  string `yaml:"listen"`   // local HTTP/HTTPS proxy listen address
	BTAddr  string `yaml:"bt_addr"`  // peer Bluetooth address (or host:port when using the TCP stand-in)
	UUID    string `yaml:"uuid"`     // optional pairing identifier, parsed but not used by btproxy-client
	Channel uint8  `yaml:"channel"`  // RFCOMM channel
	PSK     string `yaml:"psk"`      // pre-shared key for handshake authentication
	Log     string `yaml:"log"`      // log level: debug/info/warn/error
	Metrics string `yaml:"metrics"`  // optional prometheus /metrics listen address
}

// ServerConfig holds btproxy-server's CLI flags.
type ServerConfig struct {
	Channel    uint8  `yaml:"channel"`     // RFCOMM channel to listen on
	ClashSOCKS string `yaml:"clash_socks"` // upstream SOCKS5 proxy address
	ClashUser  string `yaml:"clash_user"`  // optional upstream SOCKS5 username
	ClashPass  string `yaml:"clash_pass"`  // optional upstream SOCKS5 password
	Direct     bool   `yaml:"direct"`      // dial targets directly, bypassing the upstream SOCKS5 proxy
	PSK        string `yaml:"psk"`         // pre-shared key for handshake authentication
	Log        string `yaml:"log"`         // log level: debug/info/warn/error
	Metrics    string `yaml:"metrics"`     // optional prometheus /metrics listen address
}

// loadYAMLDefaults scans args for --config/-config without disturbing the
// real flag set, and unmarshals the named file into dst if present. A
// missing --config is not an error: CLI flags and hardcoded defaults still
// apply on their own.
func loadYAMLDefaults(args []string, dst any) error {
	path := ""
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if !hasValue && i+1 < len(args) {
			i++
			value = args[i]
		}
		path = value
	}
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return mux.WrapError(mux.KindConfig, err, "read config file")
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return mux.WrapError(mux.KindConfig, err, "parse config file")
	}
	return nil
}

// ParseClientConfig parses os.Args[1:]-equivalent args into a ClientConfig,
// with an optional --config file supplying defaults ahead of explicit
// flags.
func ParseClientConfig(args []string) (ClientConfig, error) {
	cfg := ClientConfig{Listen: "127.0.0.1:18080", Log: "info"}
	if err := loadYAMLDefaults(args, &cfg); err != nil {
		return ClientConfig{}, err
	}

	fs := flag.NewFlagSet("btproxy-client", flag.ContinueOnError)
	fs.String("config", "", "path to a yaml file of default values")
	var channel uint = uint(cfg.Channel)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "local HTTP/HTTPS proxy listen address")
	fs.StringVar(&cfg.BTAddr, "bt-addr", cfg.BTAddr, "peer bluetooth address")
	fs.StringVar(&cfg.UUID, "uuid", cfg.UUID, "pairing identifier")
	fs.UintVar(&channel, "channel", channel, "rfcomm channel (0 uses the TCP carrier stand-in, with --bt-addr as host:port)")
	fs.StringVar(&cfg.PSK, "psk", cfg.PSK, "pre-shared key for handshake authentication")
	fs.StringVar(&cfg.Log, "log", cfg.Log, "log level")
	fs.StringVar(&cfg.Metrics, "metrics", cfg.Metrics, "prometheus metrics listen address, e.g. :9100")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, mux.WrapError(mux.KindConfig, err, "parse client flags")
	}
	cfg.Channel = uint8(channel)
	if cfg.BTAddr == "" {
		return ClientConfig{}, mux.NewError(mux.KindConfig, "--bt-addr is required")
	}
	return cfg, nil
}

// ParseServerConfig parses os.Args[1:]-equivalent args into a ServerConfig,
// with an optional --config file supplying defaults ahead of explicit
// flags.
func ParseServerConfig(args []string) (ServerConfig, error) {
	cfg := ServerConfig{Channel: 22, ClashSOCKS: "127.0.0.1:7891", Log: "info"}
	if err := loadYAMLDefaults(args, &cfg); err != nil {
		return ServerConfig{}, err
	}

	fs := flag.NewFlagSet("btproxy-server", flag.ContinueOnError)
	fs.String("config", "", "path to a yaml file of default values")
	var channel uint = uint(cfg.Channel)
	fs.UintVar(&channel, "channel", channel, "rfcomm channel to listen on")
	fs.StringVar(&cfg.ClashSOCKS, "clash-socks", cfg.ClashSOCKS, "upstream socks5 proxy address")
	fs.StringVar(&cfg.ClashUser, "clash-user", cfg.ClashUser, "upstream socks5 username")
	fs.StringVar(&cfg.ClashPass, "clash-pass", cfg.ClashPass, "upstream socks5 password")
	fs.BoolVar(&cfg.Direct, "direct", cfg.Direct, "dial targets directly, bypassing the upstream socks5 proxy")
	fs.StringVar(&cfg.PSK, "psk", cfg.PSK, "pre-shared key for handshake authentication")
	fs.StringVar(&cfg.Log, "log", cfg.Log, "log level")
	fs.StringVar(&cfg.Metrics, "metrics", cfg.Metrics, "prometheus metrics listen address, e.g. :9100")
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, mux.WrapError(mux.KindConfig, err, "parse server flags")
	}
	cfg.Channel = uint8(channel)
	return cfg, nil
}
