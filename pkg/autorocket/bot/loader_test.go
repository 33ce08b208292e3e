package bot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("AR_TEST_SET", "value-1")
	os.Unsetenv("AR_TEST_UNSET")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"set variable", "key: ${AR_TEST_SET}", "key: value-1", false},
		{"unset expands empty", "key: ${AR_TEST_UNSET}", "key: ", false},
		{"default used when unset", "key: ${AR_TEST_UNSET:-fallback}", "key: fallback", false},
		{"default ignored when set", "key: ${AR_TEST_SET:-fallback}", "key: value-1", false},
		{"required set", "key: ${AR_TEST_SET:?must be set}", "key: value-1", false},
		{"required unset errors", "key: ${AR_TEST_UNSET:?panel password required}", "", true},
		{"no references untouched", "key: plain value", "key: plain value", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvVars(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), "AR_TEST_UNSET") {
					t.Errorf("error %v does not name the variable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expand: %v", err)
			}
			if got != tt.want {
				t.Errorf("expand(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("AR_TEST_PASSWORD", "hunter2")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
logging:
  level: debug
channel:
  base_url: https://panel.example.com
  username: ops
  password: ${AR_TEST_PASSWORD}
  max_missed_heartbeats: 4
pipeline:
  delimiter: "|||"
  end_signal: DONE
monitor:
  max_follow_ups: 5
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Channel.Password != "hunter2" {
		t.Errorf("password = %q, env not expanded", cfg.Channel.Password)
	}
	if cfg.Channel.MaxMissedHeartbeats != 4 {
		t.Errorf("max missed heartbeats = %d", cfg.Channel.MaxMissedHeartbeats)
	}
	if cfg.ShutdownGrace != 10*time.Second {
		t.Errorf("shutdown grace = %v, default lost", cfg.ShutdownGrace)
	}

	// Defaults survive for unset fields.
	if cfg.Channel.CaptchaAttempts != 3 {
		t.Errorf("captcha attempts = %d, default lost", cfg.Channel.CaptchaAttempts)
	}
	if cfg.AI.ResponseMode != "blocking" {
		t.Errorf("response mode = %q, default lost", cfg.AI.ResponseMode)
	}

	// Shared settings propagate from pipeline to monitor even though the
	// monitor fields were pre-filled with defaults before the YAML overlay.
	if cfg.Monitor.Delimiter != "|||" {
		t.Errorf("monitor delimiter = %q, not synced from pipeline", cfg.Monitor.Delimiter)
	}
	if cfg.Monitor.EndSignal != "DONE" {
		t.Errorf("monitor end signal = %q, not synced from pipeline", cfg.Monitor.EndSignal)
	}
	if cfg.Pipeline.MaxFollowUps != 5 {
		t.Errorf("pipeline max follow-ups = %d, not synced from monitor", cfg.Pipeline.MaxFollowUps)
	}
}

func TestNormalizeMonitorOverridesWin(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte(`
pipeline:
  delimiter: "|||"
monitor:
  delimiter: "###"
  end_signal: STOP
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Monitor.Delimiter != "###" {
		t.Errorf("monitor delimiter = %q, explicit override lost", cfg.Monitor.Delimiter)
	}
	if cfg.Monitor.EndSignal != "STOP" {
		t.Errorf("monitor end signal = %q, explicit override lost", cfg.Monitor.EndSignal)
	}
}

func TestParseConfigRejectsBadYAML(t *testing.T) {
	t.Parallel()

	if _, err := ParseConfig([]byte("logging: [not a mapping")); err == nil {
		t.Error("malformed YAML accepted")
	}
}
