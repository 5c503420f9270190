package main

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid minimal", Config{Token: "tok", MaxVolume: 200}, false},
		{"valid with guild", Config{Token: "tok", GuildID: "123456789012345678", MaxVolume: 200}, false},
		{"missing token", Config{MaxVolume: 200}, true},
		{"guild too short", Config{Token: "tok", GuildID: "12345", MaxVolume: 200}, true},
		{"guild too long", Config{Token: "tok", GuildID: "123456789012345678901", MaxVolume: 200}, true},
		{"volume zero", Config{Token: "tok", MaxVolume: 0}, true},
		{"volume too high", Config{Token: "tok", MaxVolume: 1001}, true},
		{"volume at cap", Config{Token: "tok", MaxVolume: 1000}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigSourceDisabled(t *testing.T) {
	cfg := Config{DisabledSources: []string{"soundcloud", "ytmusic"}}

	if !cfg.SourceDisabled("soundcloud") {
		t.Error("soundcloud should be disabled")
	}
	if !cfg.SourceDisabled("YTMusic") {
		t.Error("lookup should be case-insensitive")
	}
	if cfg.SourceDisabled("youtube") {
		t.Error("youtube should not be disabled")
	}
	if (Config{}).SourceDisabled("youtube") {
		t.Error("empty config disables nothing")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	old := GlobalConfig
	t.Cleanup(func() { GlobalConfig = old })

	t.Setenv(EnvDiscordToken, "test-token")
	t.Setenv(EnvGuildID, "")
	t.Setenv(EnvMaxVolume, "")
	t.Setenv(EnvIdleTimeout, "")
	t.Setenv(EnvDisableSources, "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.MaxVolume != 200 {
		t.Errorf("MaxVolume = %d, want default 200", cfg.MaxVolume)
	}
	if cfg.IdleTimeout != 2*time.Minute {
		t.Errorf("IdleTimeout = %v, want default 2m", cfg.IdleTimeout)
	}
	if len(cfg.DisabledSources) != 0 {
		t.Errorf("DisabledSources = %v, want empty", cfg.DisabledSources)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	old := GlobalConfig
	t.Cleanup(func() { GlobalConfig = old })

	t.Setenv(EnvDiscordToken, "test-token")
	t.Setenv(EnvGuildID, "123456789012345678")
	t.Setenv(EnvMaxVolume, "150")
	t.Setenv(EnvIdleTimeout, "5m")
	t.Setenv(EnvDisableSources, "SoundCloud, ytmusic")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.MaxVolume != 150 {
		t.Errorf("MaxVolume = %d, want 150", cfg.MaxVolume)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.IdleTimeout)
	}
	if !cfg.SourceDisabled("soundcloud") || !cfg.SourceDisabled("ytmusic") {
		t.Errorf("DisabledSources = %v, want soundcloud and ytmusic disabled", cfg.DisabledSources)
	}
	if cfg.SourceDisabled("youtube") {
		t.Error("youtube should remain enabled")
	}
}

func TestLoadConfigMissingToken(t *testing.T) {
	old := GlobalConfig
	t.Cleanup(func() { GlobalConfig = old })

	t.Setenv(EnvDiscordToken, "")

	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig without token = nil, want error")
	}
}

func TestFormatTrackDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "?:??"},
		{42 * time.Second, "0:42"},
		{3*time.Minute + 7*time.Second, "3:07"},
		{61 * time.Minute, "1:01:00"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2:03:04"},
	}
	for _, tt := range tests {
		if got := FormatTrackDuration(tt.d); got != tt.want {
			t.Errorf("FormatTrackDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := Truncate("hello world", 8); got != "hello..." {
		t.Errorf("Truncate long = %q", got)
	}
	if got := Truncate("abc", 2); got != "ab" {
		t.Errorf("Truncate tiny = %q", got)
	}
}
