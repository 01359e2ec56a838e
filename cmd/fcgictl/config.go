package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/ebernhardson/fastcgi"
)

type fileConfig struct {
	Addr      string `toml:"addr"`
	Socket    string `toml:"socket"`
	KeepAlive bool   `toml:"keep_alive"`
	Timeout   string `toml:"timeout"`
}

// settings is the merged view of config file and flag overrides.
type settings struct {
	addr      string
	socket    string
	keepAlive bool
	timeout   time.Duration
}

func defaultSettings() settings {
	return settings{timeout: 5 * time.Second}
}

func loadSettings(path string) (settings, error) {
	cfg := defaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return settings{}, fmt.Errorf("load config: %w", err)
	}
	var raw fileConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return settings{}, fmt.Errorf("parse config (%s): %w", path, err)
	}

	cfg.addr = strings.TrimSpace(raw.Addr)
	cfg.socket = strings.TrimSpace(raw.Socket)
	cfg.keepAlive = raw.KeepAlive
	if raw.Timeout != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return settings{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.timeout = d
	}
	return cfg, nil
}

// clientConfig validates the target selection and translates it into the
// library's host/port shape: a port means TCP, no port means a unix socket.
func (s settings) clientConfig() (fastcgi.ClientConfig, error) {
	cfg := fastcgi.ClientConfig{
		KeepAlive: s.keepAlive,
		Timeout:   s.timeout,
	}
	switch {
	case s.socket != "" && s.addr != "":
		return fastcgi.ClientConfig{}, fmt.Errorf("addr and socket are mutually exclusive")
	case s.socket != "":
		cfg.Host = s.socket
	case s.addr != "":
		host, portStr, err := net.SplitHostPort(s.addr)
		if err != nil {
			return fastcgi.ClientConfig{}, fmt.Errorf("parse addr %q: %w", s.addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return fastcgi.ClientConfig{}, fmt.Errorf("invalid port in addr %q", s.addr)
		}
		cfg.Host = host
		cfg.Port = port
	default:
		return fastcgi.ClientConfig{}, fmt.Errorf("a target is required: set addr or socket")
	}
	return cfg, nil
}

func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, value, found := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, fmt.Errorf("invalid param %q, want NAME=value", kv)
		}
		params[name] = value
	}
	return params, nil
}
