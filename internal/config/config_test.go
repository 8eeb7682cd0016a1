package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("CLAIM_SIGNER_KEY", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Eligibility.MinClaimThresholdSeconds != 3600 {
		t.Errorf("threshold: got %d, want 3600", cfg.Eligibility.MinClaimThresholdSeconds)
	}
	if cfg.Eligibility.ClaimCooldown != 24*time.Hour {
		t.Errorf("cooldown: got %s, want 24h", cfg.Eligibility.ClaimCooldown)
	}
	if cfg.Claims.ChainID.Int64() != 1 {
		t.Errorf("chain id: got %s, want 1", cfg.Claims.ChainID)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("CLAIM_SIGNER_KEY", "abc")
	t.Setenv("CLAIM_COOLDOWN", "90m")
	t.Setenv("CLAIM_TTL", "1h")
	t.Setenv("MAX_CLAIMS_PER_DAY", "3")
	t.Setenv("REWARD_RATE_PER_SECOND", "250")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Eligibility.ClaimCooldown != 90*time.Minute {
		t.Errorf("cooldown: got %s", cfg.Eligibility.ClaimCooldown)
	}
	if cfg.Claims.TTL != time.Hour {
		t.Errorf("ttl: got %s", cfg.Claims.TTL)
	}
	if cfg.Eligibility.MaxClaimsPerDay != 3 {
		t.Errorf("max claims per day: got %d", cfg.Eligibility.MaxClaimsPerDay)
	}
	if cfg.Claims.RewardRatePerSecond.Int64() != 250 {
		t.Errorf("rate: got %s", cfg.Claims.RewardRatePerSecond)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors origins: got %v", cfg.CORSOrigins)
	}
}

func TestLoad_MissingSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("CLAIM_SIGNER_KEY", "abc")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when JWT_SECRET is missing")
	}

	t.Setenv("JWT_SECRET", "x")
	t.Setenv("CLAIM_SIGNER_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when CLAIM_SIGNER_KEY is missing")
	}
}

func TestLoad_BadRate(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("CLAIM_SIGNER_KEY", "abc")
	t.Setenv("REWARD_RATE_PER_SECOND", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-integer rate")
	}
}

func TestLoad_ClaimTTLBoundedByCooldown(t *testing.T) {
	tests := []struct {
		name     string
		cooldown string
		ttl      string
		wantErr  bool
	}{
		{"ttl equals cooldown", "1h", "1h", false},
		{"ttl shorter than cooldown", "24h", "30m", false},
		{"ttl longer than cooldown", "1h", "24h", true},
		{"default ttl with short cooldown", "90m", "", true},
		{"zero ttl", "1h", "0s", true},
		{"negative ttl", "1h", "-5m", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "x")
			t.Setenv("CLAIM_SIGNER_KEY", "abc")
			t.Setenv("CLAIM_COOLDOWN", tt.cooldown)
			t.Setenv("CLAIM_TTL", tt.ttl)
			_, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load: err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MalformedLimitsFail(t *testing.T) {
	tests := []struct{ key, value string }{
		{"MIN_CLAIM_THRESHOLD_SECONDS", "36OO"},
		{"MAX_CLAIMS_PER_DAY", "one"},
		{"MAX_REWARDED_SECONDS_PER_CLAIM", "1e5"},
		{"CLAIM_COOLDOWN", "24"},
		{"OVERLAP_GRACE", "2 seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "x")
			t.Setenv("CLAIM_SIGNER_KEY", "abc")
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error should name %s: %v", tt.key, err)
			}
		})
	}
}
