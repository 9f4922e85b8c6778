package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_FirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != defaultAPIBaseURL {
		t.Fatalf("api base url = %q", cfg.APIBaseURL)
	}
	if cfg.DefaultCategory != "Cat 1" {
		t.Fatalf("default category = %q", cfg.DefaultCategory)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm = %o, want 600", perm)
	}
}

func TestLoad_PartialFileIsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
api_base_url: http://booking.internal:9000
categories: ["Yoga", "Pilates"]
default_category: Boxing
admin_anchor_date: not-a-date
settle_delay: 250ms
preferences:
  backend: etcd
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != "http://booking.internal:9000" {
		t.Fatalf("api base url = %q", cfg.APIBaseURL)
	}
	if cfg.DefaultCategory != "Yoga" {
		t.Fatalf("default category = %q, want first configured category", cfg.DefaultCategory)
	}
	if cfg.AdminAnchorDate != defaultAnchorDate {
		t.Fatalf("anchor = %q", cfg.AdminAnchorDate)
	}
	if cfg.SettleDelay != 250*time.Millisecond {
		t.Fatalf("settle delay = %v", cfg.SettleDelay)
	}
	if cfg.RequestTimeout != defaultTimeout {
		t.Fatalf("timeout = %v", cfg.RequestTimeout)
	}
	if cfg.Preferences.Backend != "file" {
		t.Fatalf("prefs backend = %q", cfg.Preferences.Backend)
	}
}

func TestLoad_OmittedDurationsGetDefaults(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"keys omitted", "api_base_url: http://x:1\n"},
		{"zero values", "api_base_url: http://x:1\nsettle_delay: 0s\nrequest_timeout: 0s\n"},
		{"negative values", "api_base_url: http://x:1\nsettle_delay: -1s\nrequest_timeout: -5s\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.SettleDelay != defaultSettleDelay {
				t.Fatalf("settle delay = %v, want %v", cfg.SettleDelay, defaultSettleDelay)
			}
			if cfg.RequestTimeout != defaultTimeout {
				t.Fatalf("timeout = %v, want %v", cfg.RequestTimeout, defaultTimeout)
			}
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.UserID = 7
	cfg.RefreshCron = "*/5 * * * *"
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "pw"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.UserID != 7 || got.RefreshCron != "*/5 * * * *" {
		t.Fatalf("unexpected config: %+v", got)
	}
	if got.BasicAuth == nil || got.BasicAuth.Username != "admin" {
		t.Fatalf("basic auth lost: %+v", got.BasicAuth)
	}
}

func TestLocation(t *testing.T) {
	cfg := DefaultConfig()
	loc, err := cfg.Location()
	if err != nil || loc != time.Local {
		t.Fatalf("Local: loc=%v err=%v", loc, err)
	}

	cfg.Timezone = "Not/AZone"
	loc, err = cfg.Location()
	if err == nil {
		t.Fatal("expected error for unknown zone")
	}
	if loc != time.Local {
		t.Fatalf("fallback loc = %v", loc)
	}
}
