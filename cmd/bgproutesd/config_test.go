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
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/msiegen/bgproutes/bgp"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "bgproutesd.yaml")
	if err := os.WriteFile(name, []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}
	return name
}

func TestLoadConfig(t *testing.T) {
	name := writeConfig(t, `
listen_addr: 127.0.0.1:1179
router_id: 192.0.2.1
min_hold_time: 9s
min_keepalive_interval: 2s
open_hold_time: 1m
message_timeout: 5s
metrics_addr: :9179
log_level: debug
`)
	fc, err := loadConfig(name)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	want := &fileConfig{
		ListenAddr:           "127.0.0.1:1179",
		RouterID:             "192.0.2.1",
		MinHoldTime:          9 * time.Second,
		MinKeepAliveInterval: 2 * time.Second,
		OpenHoldTime:         time.Minute,
		MessageTimeout:       5 * time.Second,
		MetricsAddr:          ":9179",
		LogLevel:             "debug",
	}
	if diff := cmp.Diff(want, fc); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	cfg, err := fc.serverConfig()
	if err != nil {
		t.Fatalf("serverConfig: %v", err)
	}
	wantCfg := bgp.Config{
		ListenAddr:           "127.0.0.1:1179",
		RouterID:             netip.MustParseAddr("192.0.2.1"),
		MinHoldTime:          9 * time.Second,
		MinKeepAliveInterval: 2 * time.Second,
		OpenHoldTime:         time.Minute,
		MessageTimeout:       5 * time.Second,
	}
	if diff := cmp.Diff(wantCfg, cfg, cmpopts.EquateComparable(netip.Addr{})); diff != "" {
		t.Errorf("server config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("loadConfig succeeded on a missing file")
	}
	if _, err := loadConfig(writeConfig(t, "min_hold_time: soon\n")); err == nil {
		t.Errorf("loadConfig accepted an invalid duration")
	}
}

func TestServerConfigErrors(t *testing.T) {
	for _, c := range []struct {
		Name   string
		Config fileConfig
	}{
		{"bad_router_id", fileConfig{RouterID: "not-an-address"}},
		{"ipv6_router_id", fileConfig{RouterID: "2001:db8::1"}},
		{"negative_hold_time", fileConfig{MinHoldTime: -time.Second}},
	} {
		t.Run(c.Name, func(t *testing.T) {
			if cfg, err := c.Config.serverConfig(); err == nil {
				t.Errorf("serverConfig() = %+v, want an error", cfg)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := parseLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLevel(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Errorf("parseLevel accepted an unknown level")
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	name := writeConfig(t, "listen_addr: 127.0.0.1:1179\nrouter_id: 192.0.2.1\nlog_level: warn\n")
	cmd := newRootCommand()
	if err := cmd.ParseFlags([]string{"--config", name, "--router-id", "192.0.2.9"}); err != nil {
		t.Fatal(err)
	}
	var o options
	o.configFile = name
	fc, err := o.resolve(cmd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := &fileConfig{
		ListenAddr: "127.0.0.1:1179",
		RouterID:   "192.0.2.9",
		LogLevel:   "warn",
	}
	if diff := cmp.Diff(want, fc); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
