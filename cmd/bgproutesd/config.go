// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/msiegen/bgproutes/bgp"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk configuration of the daemon.
type fileConfig struct {
	ListenAddr           string        `yaml:"listen_addr"`
	RouterID             string        `yaml:"router_id"`
	MinHoldTime          time.Duration `yaml:"min_hold_time"`
	MinKeepAliveInterval time.Duration `yaml:"min_keepalive_interval"`
	OpenHoldTime         time.Duration `yaml:"open_hold_time"`
	MessageTimeout       time.Duration `yaml:"message_timeout"`
	MetricsAddr          string        `yaml:"metrics_addr"`
	LogLevel             string        `yaml:"log_level"`
}

func loadConfig(filename string) (*fileConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var c fileConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %v: %w", filename, err)
	}
	return &c, nil
}

// serverConfig converts c to the configuration of a bgp.Server. Unset fields
// keep the server's defaults.
func (c *fileConfig) serverConfig() (bgp.Config, error) {
	cfg := bgp.Config{
		ListenAddr:           c.ListenAddr,
		MinHoldTime:          c.MinHoldTime,
		MinKeepAliveInterval: c.MinKeepAliveInterval,
		OpenHoldTime:         c.OpenHoldTime,
		MessageTimeout:       c.MessageTimeout,
	}
	if c.RouterID != "" {
		id, err := netip.ParseAddr(c.RouterID)
		if err != nil {
			return bgp.Config{}, fmt.Errorf("router_id: %w", err)
		}
		if !id.Is4() {
			return bgp.Config{}, fmt.Errorf("router_id: %v is not an IPv4 address", id)
		}
		cfg.RouterID = id
	}
	if c.MinHoldTime < 0 || c.MinKeepAliveInterval < 0 || c.OpenHoldTime < 0 || c.MessageTimeout < 0 {
		return bgp.Config{}, fmt.Errorf("durations must not be negative")
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
