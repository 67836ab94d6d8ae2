package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ebarer/SmartLock/internal/proximity"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smartlockd.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BLE.Adapter != "hci0" || !cfg.Link.AutoDiscover || cfg.Link.ConnectTimeout != 30*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Thresholds() != proximity.DefaultThresholds() {
		t.Errorf("unexpected thresholds %+v", cfg.Thresholds())
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
link:
  auto_discover: false
  connect_timeout: 10s
proximity:
  enabled: true
  lock_threshold: -80
http:
  addr: 127.0.0.1:9090
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Link.AutoDiscover || cfg.Link.ConnectTimeout != 10*time.Second {
		t.Errorf("link not loaded: %+v", cfg.Link)
	}
	if !cfg.Link.SyncOnReady || cfg.Link.ReconnectDelay != 5*time.Second {
		t.Errorf("unset link keys lost their defaults: %+v", cfg.Link)
	}
	if cfg.Thresholds() != (proximity.Thresholds{Lock: -80, Unlock: -67}) {
		t.Errorf("unexpected thresholds %+v", cfg.Thresholds())
	}

	ac := cfg.AppConfig()
	if !ac.ProximityEnabled || !ac.LockOnDisconnect || ac.Link.Channels.Notify != cfg.BLE.NotifyUUID {
		t.Errorf("unexpected app config %+v", ac)
	}
	if !ac.Proximity.PollState {
		t.Error("state polling should default on")
	}
	if cfg.HTTP.Addr != "127.0.0.1:9090" {
		t.Errorf("unexpected addr %q", cfg.HTTP.Addr)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SMARTLOCK_HTTP_ADDR", ":7070")
	t.Setenv("SMARTLOCK_NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("SMARTLOCK_JWT_SECRET", "s3cret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":7070" || cfg.NATS.URL != "nats://127.0.0.1:4222" || cfg.HTTP.JWTSecret != "s3cret" {
		t.Errorf("overrides not applied: %+v %+v", cfg.HTTP, cfg.NATS)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"inverted thresholds", "proximity:\n  lock_threshold: -60\n  unlock_threshold: -70\n"},
		{"zero interval", "proximity:\n  interval: 0s\n"},
		{"bad format", "log:\n  format: xml\n"},
		{"bad qos", "mqtt:\n  qos: 3\n"},
		{"negative reconnect", "link:\n  reconnect_delay: -1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}

	_, err := Load(writeConfig(t, "proximity:\n  unlock_threshold: -80\n"))
	if !errors.Is(err, proximity.ErrInvalidThresholds) {
		t.Errorf("expected ErrInvalidThresholds, got %v", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "link: [")); err == nil {
		t.Fatal("expected an error")
	}
}
