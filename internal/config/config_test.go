package config

import (
	"errors"
	"testing"
	"time"

	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 3000 {
		t.Errorf("expected port 3000, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.RateLimit != 10 {
		t.Errorf("expected rate limit 10, got %d", cfg.RateLimit)
	}
	if cfg.RateLimitScope != ScopeGlobal {
		t.Errorf("expected global scope, got %s", cfg.RateLimitScope)
	}
	if cfg.BackoffExtra != 5*time.Second {
		t.Errorf("expected backoff extra 5s, got %s", cfg.BackoffExtra)
	}

	if len(cfg.Channels) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(cfg.Channels))
	}
	email := cfg.Channels[0]
	if email.Name != "email" {
		t.Errorf("expected first channel email, got %s", email.Name)
	}
	want := []string{"email1", "email2", "email3"}
	for i, q := range want {
		if email.SubQueues[i] != q {
			t.Errorf("sub-queue %d: expected %s, got %s", i, q, email.SubQueues[i])
		}
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got: %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENV", "production")
	t.Setenv("CHANNELS", "email, push")
	t.Setenv("PRIORITY_LEVELS", "2")
	t.Setenv("QUEUES_PUSH", "push-urgent,push-bulk")
	t.Setenv("RATE_LIMIT_SCOPE", "Channel")
	t.Setenv("RATE_LIMIT_PUSH", "25")
	t.Setenv("BACKOFF_EXTRA", "250ms")
	t.Setenv("DELIVERY_RATE", "1.5")
	t.Setenv("WHATSAPP_PHONE_NUMBER_ID", "1098765")
	t.Setenv("REDRIVE_MAX", "40")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(cfg.Channels))
	}
	if got := cfg.Channels[0].SubQueues; len(got) != 2 || got[1] != "email2" {
		t.Errorf("unexpected email queues: %v", got)
	}
	if got := cfg.Channels[1].SubQueues; len(got) != 2 || got[0] != "push-urgent" {
		t.Errorf("unexpected push queues: %v", got)
	}
	if cfg.RateLimitScope != ScopeChannel {
		t.Errorf("expected channel scope, got %s", cfg.RateLimitScope)
	}
	if cfg.ChannelRateLimits["push"] != 25 {
		t.Errorf("expected push limit 25, got %d", cfg.ChannelRateLimits["push"])
	}
	if cfg.BackoffExtra != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.BackoffExtra)
	}
	if cfg.DeliveryRate != 1.5 {
		t.Errorf("expected delivery rate 1.5, got %v", cfg.DeliveryRate)
	}
	if cfg.WhatsAppPhoneNumberID != "1098765" {
		t.Errorf("expected phone number id 1098765, got %s", cfg.WhatsAppPhoneNumberID)
	}
	if cfg.RedriveMax != 40 {
		t.Errorf("expected redrive max 40, got %d", cfg.RedriveMax)
	}

	topo, err := cfg.Topology()
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	if q, _ := topo.SubQueue("push", 1); q != "push-urgent" {
		t.Errorf("expected push-urgent at level 1, got %s", q)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "not-a-number"},
		{"REDIS_PORT", "abc"},
		{"RATE_LIMIT_PER_SECOND", "ten"},
		{"BACKOFF_EXTRA", "5"},
		{"IDLE_SLEEP", "soon"},
		{"DELIVERY_RATE", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			RateLimit:         10,
			RateLimitScope:    ScopeGlobal,
			ChannelRateLimits: map[string]int{},
			Channels: []ChannelQueues{
				{Name: "email", SubQueues: []string{"email1", "email2"}},
				{Name: "sms", SubQueues: []string{"sms1", "sms2"}},
			},
		}
	}

	tests := []struct {
		name       string
		mutate     func(*Config)
		wantErr    bool
		wantRateEr bool
	}{
		{"valid", func(c *Config) {}, false, false},
		{"zero ceiling", func(c *Config) { c.RateLimit = 0 }, true, true},
		{"negative ceiling", func(c *Config) { c.RateLimit = -3 }, true, true},
		{"zero channel ceiling", func(c *Config) { c.ChannelRateLimits["sms"] = 0 }, true, true},
		{"unknown scope", func(c *Config) { c.RateLimitScope = "tenant" }, true, false},
		{"no channels", func(c *Config) { c.Channels = nil }, true, false},
		{"empty channel", func(c *Config) { c.Channels[1].SubQueues = nil }, true, false},
		{"duplicate sub-queue", func(c *Config) { c.Channels[1].SubQueues = []string{"email1"} }, true, false},
		{"sub-queue shadows main queue", func(c *Config) { c.Channels[0].SubQueues = []string{"sms"} }, true, false},
		{"negative idle sleep", func(c *Config) { c.IdleSleep = -time.Second }, true, false},
		{"unnamed channel", func(c *Config) { c.Channels[0].Name = "" }, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantRateEr && !errors.Is(err, ErrInvalidRateLimit) {
				t.Errorf("expected ErrInvalidRateLimit, got %v", err)
			}
		})
	}
}

func TestLoad_SubQueuesMatchProducerNaming(t *testing.T) {
	t.Setenv("CHANNELS", "email,sms")
	t.Setenv("PRIORITY_LEVELS", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	topo, err := cfg.Topology()
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	for _, ch := range []string{"email", "sms"} {
		for level := 1; level <= 4; level++ {
			got, err := topo.SubQueue(ch, level)
			if err != nil {
				t.Fatalf("SubQueue(%s, %d): %v", ch, level, err)
			}
			if want := queue.SubQueueName(ch, level); got != want {
				t.Errorf("SubQueue(%s, %d) = %s, want %s", ch, level, got, want)
			}
		}
	}
}
