package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.ClassifierTimeout != 2*time.Second {
		t.Errorf("ClassifierTimeout = %v", cfg.ClassifierTimeout)
	}
	if cfg.ModCooldown != 30*time.Second {
		t.Errorf("ModCooldown = %v", cfg.ModCooldown)
	}
	if cfg.TimeoutDuration != 10*time.Minute {
		t.Errorf("TimeoutDuration = %v", cfg.TimeoutDuration)
	}
	if cfg.SpamMaxMessages != 5 || cfg.SpamRepeats != 3 {
		t.Errorf("spam defaults = %d/%d", cfg.SpamMaxMessages, cfg.SpamRepeats)
	}
	if cfg.DetectTick != 30*time.Minute {
		t.Errorf("DetectTick = %v", cfg.DetectTick)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("MOD_COOLDOWN", "90s")
	t.Setenv("TWITCH_CHANNELS", "alpha, beta ,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.ModCooldown != 90*time.Second {
		t.Errorf("ModCooldown = %v", cfg.ModCooldown)
	}
	if len(cfg.TwitchChannels) != 2 || cfg.TwitchChannels[0] != "alpha" || cfg.TwitchChannels[1] != "beta" {
		t.Errorf("TwitchChannels = %v", cfg.TwitchChannels)
	}
}

func TestLoadBadDuration(t *testing.T) {
	t.Setenv("CLASSIFIER_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestParseChatrooms(t *testing.T) {
	t.Setenv("KICK_CHATROOMS", "somechannel:42,another:7")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.KickChatrooms) != 2 {
		t.Fatalf("chatrooms = %v", cfg.KickChatrooms)
	}
	if cfg.KickChatrooms[0].Slug != "somechannel" || cfg.KickChatrooms[0].ID != 42 {
		t.Errorf("first = %+v", cfg.KickChatrooms[0])
	}

	t.Setenv("KICK_CHATROOMS", "missing-id")
	if _, err := Load(); err == nil {
		t.Error("expected error for malformed chatroom entry")
	}
}

func TestReadiness(t *testing.T) {
	cfg := &Config{}
	if cfg.TwitchReady() || cfg.DiscordReady() || cfg.YouTubeReady() || cfg.KickReady() {
		t.Error("empty config must not report any adapter ready")
	}
	cfg.DiscordToken = "tok"
	if !cfg.DiscordReady() {
		t.Error("DiscordReady with token")
	}
}
