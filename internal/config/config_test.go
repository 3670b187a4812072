package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LEDGER_STRATEGY", "")
	t.Setenv("CAS_MAX_ATTEMPTS", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("unexpected port: %s", cfg.Port)
	}
	if cfg.LedgerStrategy != StrategyTransaction {
		t.Fatalf("unexpected strategy: %s", cfg.LedgerStrategy)
	}
	if cfg.CASMaxAttempts != 5 {
		t.Fatalf("unexpected attempts: %d", cfg.CASMaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LEDGER_STRATEGY", StrategyCompensating)
	t.Setenv("CAS_BASE_BACKOFF_MS", "50")
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("MUTATION_TIMEOUT_SECONDS", "3")
	cfg := Load()
	if cfg.LedgerStrategy != StrategyCompensating {
		t.Fatalf("unexpected strategy: %s", cfg.LedgerStrategy)
	}
	if cfg.CASBaseBackoff != 50*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", cfg.CASBaseBackoff)
	}
	if cfg.SweepInterval != 15*time.Minute {
		t.Fatalf("unexpected sweep interval: %v", cfg.SweepInterval)
	}
	if cfg.MutationTimeout != 3*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.MutationTimeout)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Load()
	cfg.Port = "abc"
	cfg.LedgerStrategy = "magic"
	cfg.AMQPURL = "http://broker"
	cfg.SweepConcurrency = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"invalid port", "invalid ledger strategy", "AMQP URL scheme", "sweep concurrency"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}
}
