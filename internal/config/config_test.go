package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NIGHTWATCH_CONFIG_FILE", "")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Session.PositionKey != "locations/current" {
		t.Fatalf("unexpected key: %q", cfg.Session.PositionKey)
	}
	if cfg.Session.LocationInterval != 10*time.Second || cfg.Session.RecordDuration != 15*time.Second || cfg.Session.Cooldown != 5*time.Second {
		t.Fatalf("unexpected timings: %+v", cfg.Session)
	}
	if cfg.Sink.Kind != "memory" || cfg.Upload.PerMinute != 6 || cfg.HTTP.Addr != ":8089" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Audio.Codec != "libopus" || cfg.Audio.Container != "ogg" || cfg.Audio.MimeType != "audio/ogg" {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
}

func TestLoadRespectsOverrides(t *testing.T) {
	t.Setenv("NIGHTWATCH_CONFIG_FILE", "")
	t.Setenv("NIGHTWATCH_POSITION_KEY", "users/42/location")
	t.Setenv("NIGHTWATCH_LOCATION_INTERVAL_MS", "2500")
	t.Setenv("NIGHTWATCH_RECORD_DURATION_MS", "3000")
	t.Setenv("NIGHTWATCH_COOLDOWN_MS", "1000")
	t.Setenv("NIGHTWATCH_FFMPEG_COMMAND", "my-ffmpeg")
	t.Setenv("NIGHTWATCH_AUDIO_INPUT_FORMAT", "alsa")
	t.Setenv("NIGHTWATCH_AUDIO_INPUT_DEVICE", "hw:1")
	t.Setenv("NIGHTWATCH_SAMPLE_RATE", "48000")
	t.Setenv("NIGHTWATCH_CHANNELS", "2")
	t.Setenv("NIGHTWATCH_SINK", "SQLite")
	t.Setenv("NIGHTWATCH_SINK_DSN", "/tmp/nightwatch.db")
	t.Setenv("NIGHTWATCH_UPLOAD_PER_MINUTE", "0")
	t.Setenv("NIGHTWATCH_LOG_PRETTY", "yes")

	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Session.PositionKey != "users/42/location" {
		t.Fatalf("unexpected key: %q", cfg.Session.PositionKey)
	}
	if cfg.Session.LocationInterval != 2500*time.Millisecond || cfg.Session.RecordDuration != 3*time.Second || cfg.Session.Cooldown != time.Second {
		t.Fatalf("unexpected timings: %+v", cfg.Session)
	}
	if cfg.Audio.RecorderCommand != "my-ffmpeg" || cfg.Audio.InputFormat != "alsa" || cfg.Audio.InputDevice != "hw:1" {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Audio.SampleRate != 48000 || cfg.Audio.Channels != 2 {
		t.Fatalf("unexpected sample/channels: %+v", cfg.Audio)
	}
	if cfg.Sink.Kind != "sqlite" || cfg.Sink.DSN != "/tmp/nightwatch.db" {
		t.Fatalf("unexpected sink: %+v", cfg.Sink)
	}
	if cfg.Upload.PerMinute != 0 || !cfg.Log.Pretty {
		t.Fatalf("unexpected upload/log config: %+v %+v", cfg.Upload, cfg.Log)
	}
}

func TestLoadLayersFileDotenvAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "nightwatch.yaml")
	yamlBody := `
session:
  location_interval: 30s
  cooldown: 2s
sink:
  kind: postgres
  dsn: postgres://file
upload:
  url: http://file/predict
`
	if err := os.WriteFile(file, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("NIGHTWATCH_CONFIG_FILE="+file+"\nNIGHTWATCH_SINK_DSN=postgres://dotenv\nNIGHTWATCH_COOLDOWN_MS=4000\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("NIGHTWATCH_CONFIG_FILE", "")
	t.Setenv("NIGHTWATCH_COOLDOWN_MS", "7000")

	cfg, err := LoadFrom(dotenv)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Session.LocationInterval != 30*time.Second {
		t.Fatalf("expected file interval, got %s", cfg.Session.LocationInterval)
	}
	if cfg.Sink.Kind != "postgres" || cfg.Sink.DSN != "postgres://dotenv" {
		t.Fatalf("expected dotenv to override file dsn, got %+v", cfg.Sink)
	}
	if cfg.Session.Cooldown != 7*time.Second {
		t.Fatalf("expected environment to win, got %s", cfg.Session.Cooldown)
	}
	if cfg.Upload.URL != "http://file/predict" {
		t.Fatalf("unexpected upload url: %q", cfg.Upload.URL)
	}
	if cfg.Session.RecordDuration != 15*time.Second {
		t.Fatalf("expected untouched default, got %s", cfg.Session.RecordDuration)
	}
}

func TestLoadInvalidValuesFallback(t *testing.T) {
	t.Setenv("NIGHTWATCH_CONFIG_FILE", "")
	t.Setenv("NIGHTWATCH_SAMPLE_RATE", "bad")
	t.Setenv("NIGHTWATCH_CHANNELS", "-1")
	t.Setenv("NIGHTWATCH_LOCATION_INTERVAL_MS", "0")
	t.Setenv("NIGHTWATCH_COOLDOWN_MS", "soon")
	t.Setenv("NIGHTWATCH_UPLOAD_PER_MINUTE", "-3")
	t.Setenv("NIGHTWATCH_LOG_PRETTY", "maybe")

	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 {
		t.Fatalf("expected audio defaults, got %+v", cfg.Audio)
	}
	if cfg.Session.LocationInterval != 10*time.Second || cfg.Session.Cooldown != 5*time.Second {
		t.Fatalf("expected timing defaults, got %+v", cfg.Session)
	}
	if cfg.Upload.PerMinute != 6 {
		t.Fatalf("expected default rate, got %d", cfg.Upload.PerMinute)
	}
	if cfg.Log.Pretty {
		t.Fatalf("expected default pretty false")
	}
}

func TestLoadRejectsBadSink(t *testing.T) {
	t.Setenv("NIGHTWATCH_CONFIG_FILE", "")
	t.Setenv("NIGHTWATCH_SINK", "redis")
	if _, err := LoadFrom(""); err == nil {
		t.Fatalf("expected error for unknown sink")
	}

	t.Setenv("NIGHTWATCH_SINK", "firebase")
	t.Setenv("NIGHTWATCH_FIREBASE_URL", "")
	if _, err := LoadFrom(""); err == nil {
		t.Fatalf("expected error for firebase without url")
	}
}
