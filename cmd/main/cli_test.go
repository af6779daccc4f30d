package main

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"botswarm/pkg/models"
)

func TestReadDefinition(t *testing.T) {
	orig := cmdFS
	cmdFS = afero.NewMemMapFs()
	defer func() { cmdFS = orig }()

	if err := afero.WriteFile(cmdFS, "/defs/target.json", []byte(`{"name":"support-bot"}`), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	raw, err := readDefinition("/defs/target.json")
	if err != nil {
		t.Fatalf("readDefinition: %v", err)
	}
	if string(raw) != `{"name":"support-bot"}` {
		t.Errorf("got %s", raw)
	}

	if _, err := readDefinition("/defs/missing.json"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than limit", "hello", 10, "hello"},
		{"exactly at limit", "hello", 5, "hello"},
		{"truncated with ellipsis", "hello world", 8, "hello..."},
		{"limit too small for ellipsis", "hello", 2, "he"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateString(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("truncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"short id unchanged", "abc123", "abc123"},
		{"twelve chars unchanged", "123456789012", "123456789012"},
		{"long id keeps tail", "01JFXQ8Z9K3M5N7P9R1T3V5X7Z", "…1T3V5X7Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shortID(tt.id); got != tt.want {
				t.Errorf("shortID(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "0ms"},
		{250, "250ms"},
		{999, "999ms"},
		{1000, "1.0s"},
		{1500, "1.5s"},
		{12340, "12.3s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.ms); got != tt.want {
			t.Errorf("formatDuration(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestExtractFlow(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"wrapped flow", `{"name": "x", "flow": {"steps": []}}`, `{"steps": []}`},
		{"bare flow", `{"steps": [{"id": "greet"}]}`, `{"steps": [{"id": "greet"}]}`},
		{"not json", `steps:`, `steps:`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(extractFlow([]byte(tt.raw))); got != tt.want {
				t.Errorf("extractFlow(%s) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseScheduleID(t *testing.T) {
	tests := []struct {
		ref    string
		wantID int64
		wantOK bool
	}{
		{"42", 42, true},
		{"0", 0, true},
		{"smoke-nightly", 0, false},
		{"12x", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		id, ok := parseScheduleID(tt.ref)
		if ok != tt.wantOK {
			t.Errorf("parseScheduleID(%q) ok = %v, want %v", tt.ref, ok, tt.wantOK)
		}
		if ok && id != tt.wantID {
			t.Errorf("parseScheduleID(%q) = %d, want %d", tt.ref, id, tt.wantID)
		}
	}
}

func TestJetstreamDir(t *testing.T) {
	tests := []struct {
		name        string
		databaseURL string
		override    string
		want        string
	}{
		{"plain path sits next to db", "/var/lib/botswarm/botswarm.db", "", "/var/lib/botswarm/botswarm-jetstream"},
		{"remote url disables file store", "libsql://botswarm.turso.io", "", ""},
		{"explicit override wins", "/var/lib/botswarm/botswarm.db", "/mnt/fast/js", "/mnt/fast/js"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Set("jetstream_dir", tt.override)
			defer viper.Set("jetstream_dir", "")
			if got := jetstreamDir(tt.databaseURL); got != tt.want {
				t.Errorf("jetstreamDir(%q) = %q, want %q", tt.databaseURL, got, tt.want)
			}
		})
	}
}

func TestFormatNextRun(t *testing.T) {
	now := time.Now()

	if got := formatNextRun(now.Add(-time.Minute)); got != "now" {
		t.Errorf("past trigger = %q, want now", got)
	}
	if got := formatNextRun(now.Add(45 * time.Second)); !strings.HasPrefix(got, "in ") || !strings.HasSuffix(got, "s") {
		t.Errorf("near trigger = %q, want seconds form", got)
	}
	if got := formatNextRun(now.Add(90 * time.Minute)); !strings.HasPrefix(got, "in ") || !strings.HasSuffix(got, "m") {
		t.Errorf("mid trigger = %q, want minutes form", got)
	}
	if got := formatNextRun(now.Add(26 * time.Hour)); strings.HasPrefix(got, "in ") || got == "now" {
		t.Errorf("far trigger = %q, want an absolute date", got)
	}
}

func TestConfigOverrides(t *testing.T) {
	setFlags := func(t *testing.T, pairs map[string]string) {
		t.Helper()
		for name, value := range pairs {
			if err := runCmd.Flags().Set(name, value); err != nil {
				t.Fatalf("set %s: %v", name, err)
			}
		}
		t.Cleanup(func() {
			runCmd.Flags().Set("repetitions", "0")
			runCmd.Flags().Set("concurrency", "0")
			runCmd.Flags().Set("delay-ms", "0")
			runCmd.Flags().Set("on-error", "")
		})
	}

	t.Run("values pass through", func(t *testing.T) {
		setFlags(t, map[string]string{
			"repetitions": "5",
			"concurrency": "3",
			"delay-ms":    "250",
			"on-error":    "retry",
		})
		cfg, err := configOverrides(runCmd)
		if err != nil {
			t.Fatalf("configOverrides: %v", err)
		}
		if cfg.Repetitions != 5 || cfg.Concurrency != 3 || cfg.DelayBetweenMs != 250 {
			t.Errorf("got %+v", cfg)
		}
		if cfg.OnError != models.ActionRetry {
			t.Errorf("on-error = %q, want retry", cfg.OnError)
		}
	})

	t.Run("unset flags stay zero", func(t *testing.T) {
		cfg, err := configOverrides(runCmd)
		if err != nil {
			t.Fatalf("configOverrides: %v", err)
		}
		if cfg.Repetitions != 0 || cfg.OnError != "" {
			t.Errorf("got %+v, want zero values", cfg)
		}
	})

	t.Run("invalid on-error rejected", func(t *testing.T) {
		setFlags(t, map[string]string{"on-error": "explode"})
		if _, err := configOverrides(runCmd); err == nil {
			t.Error("expected an error for --on-error explode")
		}
	})
}

func TestStatusIcon(t *testing.T) {
	tests := []struct {
		status models.SessionStatus
		want   string
	}{
		{models.SessionCompleted, "✅"},
		{models.SessionFailed, "❌"},
		{models.SessionRunning, "🔄"},
		{models.SessionCancelled, "🚫"},
		{models.SessionPending, "⏳"},
		{models.SessionQueued, "⏳"},
	}
	for _, tt := range tests {
		if got := statusIcon(tt.status); got != tt.want {
			t.Errorf("statusIcon(%s) = %s, want %s", tt.status, got, tt.want)
		}
	}
}
