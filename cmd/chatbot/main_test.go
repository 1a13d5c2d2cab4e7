package main

import (
	"testing"
	"time"

	"github.com/Insuapliques/Chatbot/internal/catalog"
	"github.com/Insuapliques/Chatbot/internal/conversation"
)

func TestLoadEnvironmentConfig_Defaults(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("CHATBOT_STATE_DIR", "")
	t.Setenv("MESSAGING_PROVIDER", "")
	t.Setenv("CATALOG_RESEND_MAX_ATTEMPTS", "")
	t.Setenv("CATALOG_RESEND_COOLDOWN", "")
	t.Setenv("INTENT_THROTTLE_WINDOW", "")

	cfg := loadEnvironmentConfig()
	if cfg.StateDir != DefaultStateDir {
		t.Errorf("expected default state dir, got %q", cfg.StateDir)
	}
	if cfg.Provider != "whatsmeow" {
		t.Errorf("expected whatsmeow provider default, got %q", cfg.Provider)
	}
	if cfg.ResendMax != catalog.DefaultResendMaxAttempts {
		t.Errorf("expected default resend attempts, got %d", cfg.ResendMax)
	}
	if cfg.ResendCool != catalog.DefaultResendCooldown {
		t.Errorf("expected default resend cooldown, got %v", cfg.ResendCool)
	}
	if cfg.ThrottleWin != conversation.DefaultThrottleWindow {
		t.Errorf("expected default throttle window, got %v", cfg.ThrottleWin)
	}
}

func TestLoadEnvironmentConfig_Overrides(t *testing.T) {
	t.Setenv("MESSAGING_PROVIDER", "twilio")
	t.Setenv("CATALOG_RESEND_MAX_ATTEMPTS", "5")
	t.Setenv("CATALOG_RESEND_COOLDOWN", "5m")
	t.Setenv("AGENT_TIMEOUT", "10s")

	cfg := loadEnvironmentConfig()
	if cfg.Provider != "twilio" {
		t.Errorf("expected twilio provider, got %q", cfg.Provider)
	}
	if cfg.ResendMax != 5 {
		t.Errorf("expected 5 resend attempts, got %d", cfg.ResendMax)
	}
	if cfg.ResendCool != 5*time.Minute {
		t.Errorf("expected 5m cooldown, got %v", cfg.ResendCool)
	}
	if cfg.AgentTimeout != 10*time.Second {
		t.Errorf("expected 10s agent timeout, got %v", cfg.AgentTimeout)
	}
}
