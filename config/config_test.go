package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.WorkerCount != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.WorkerCount)
	}
	if cfg.JobTimeout != 5*time.Minute {
		t.Errorf("expected 5m timeout, got %v", cfg.JobTimeout)
	}
	if cfg.TimeoutPolicy != TimeoutFail {
		t.Errorf("expected fail policy by default, got %v", cfg.TimeoutPolicy)
	}
	if cfg.LeaseDuration <= cfg.JobTimeout {
		t.Errorf("lease %v must exceed job timeout %v", cfg.LeaseDuration, cfg.JobTimeout)
	}
}

func TestLoadLeaseForcedAboveTimeout(t *testing.T) {
	t.Setenv("CONVERSION_LEASE", "1m")
	t.Setenv("CONVERSION_TIMEOUT", "5m")

	cfg := Load()
	if cfg.LeaseDuration != 10*time.Minute {
		t.Errorf("expected lease forced to 2x timeout, got %v", cfg.LeaseDuration)
	}
}

func TestLoadTimeoutPolicy(t *testing.T) {
	t.Setenv("CONVERSION_TIMEOUT_POLICY", "REQUEUE")
	if cfg := Load(); cfg.TimeoutPolicy != TimeoutRequeue {
		t.Errorf("expected requeue policy, got %v", cfg.TimeoutPolicy)
	}

	t.Setenv("CONVERSION_TIMEOUT_POLICY", "bogus")
	if cfg := Load(); cfg.TimeoutPolicy != TimeoutFail {
		t.Errorf("unknown policy must fall back to fail, got %v", cfg.TimeoutPolicy)
	}
}

func TestLoadDatabaseURL(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("DB_DATABASE", "meshes")
	t.Setenv("DB_USERNAME", "svc")
	t.Setenv("DB_PASSWORD", "p@ss word")

	cfg := Load()
	want := "host=db.internal port=5433 dbname=meshes user=svc password=p@ss word sslmode=disable"
	if cfg.DatabaseURL != want {
		t.Errorf("DSN mismatch:\n got %q\nwant %q", cfg.DatabaseURL, want)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR_GO", "90s")
	if d := getEnvDuration("TEST_DUR_GO", time.Minute); d != 90*time.Second {
		t.Errorf("go duration: got %v", d)
	}

	// Bare integers are seconds.
	t.Setenv("TEST_DUR_SEC", "45")
	if d := getEnvDuration("TEST_DUR_SEC", time.Minute); d != 45*time.Second {
		t.Errorf("bare seconds: got %v", d)
	}

	t.Setenv("TEST_DUR_BAD", "soon")
	if d := getEnvDuration("TEST_DUR_BAD", time.Minute); d != time.Minute {
		t.Errorf("invalid value must use default, got %v", d)
	}
}

func TestGetEnvWithFallback(t *testing.T) {
	t.Setenv("PRIMARY_VAR", "")
	t.Setenv("FALLBACK_VAR", "from-fallback")
	if v := getEnvWithFallback("PRIMARY_VAR", "FALLBACK_VAR", "default"); v != "from-fallback" {
		t.Errorf("expected fallback value, got %q", v)
	}

	t.Setenv("PRIMARY_VAR", "from-primary")
	if v := getEnvWithFallback("PRIMARY_VAR", "FALLBACK_VAR", "default"); v != "from-primary" {
		t.Errorf("expected primary value, got %q", v)
	}
}
