package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for the monitoring service.
type Config struct {
	Session  SessionConfig  `yaml:"session"`
	Audio    AudioConfig    `yaml:"audio"`
	Location LocationConfig `yaml:"location"`
	Sink     SinkConfig     `yaml:"sink"`
	Alert    AlertConfig    `yaml:"alert"`
	Upload   UploadConfig   `yaml:"upload"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

type SessionConfig struct {
	PositionKey      string        `yaml:"position_key"`
	LocationInterval time.Duration `yaml:"location_interval"`
	RecordDuration   time.Duration `yaml:"record_duration"`
	Cooldown         time.Duration `yaml:"cooldown"`
	FixTimeout       time.Duration `yaml:"fix_timeout"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	AlertTimeout     time.Duration `yaml:"alert_timeout"`
	UploadTimeout    time.Duration `yaml:"upload_timeout"`
}

type AudioConfig struct {
	RecorderCommand string `yaml:"recorder_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	Codec           string `yaml:"codec"`
	Container       string `yaml:"container"`
	MimeType        string `yaml:"mime_type"`
}

type LocationConfig struct {
	Command string `yaml:"command"`
	// Static, when set as "lat,lon", replaces the command source.
	Static string `yaml:"static"`
}

type SinkConfig struct {
	// Kind is memory, sqlite, postgres, mysql or firebase.
	Kind         string        `yaml:"kind"`
	DSN          string        `yaml:"dsn"`
	PollInterval time.Duration `yaml:"poll_interval"`
	FirebaseURL  string        `yaml:"firebase_url"`
	FirebaseAuth string        `yaml:"firebase_auth"`
}

type AlertConfig struct {
	URL string `yaml:"url"`
}

type UploadConfig struct {
	URL       string `yaml:"url"`
	PerMinute int    `yaml:"per_minute"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Session: SessionConfig{
			PositionKey:      "locations/current",
			LocationInterval: 10 * time.Second,
			RecordDuration:   15 * time.Second,
			Cooldown:         5 * time.Second,
			FixTimeout:       8 * time.Second,
			PublishTimeout:   10 * time.Second,
			AlertTimeout:     10 * time.Second,
			UploadTimeout:    30 * time.Second,
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			Codec:           "libopus",
			Container:       "ogg",
			MimeType:        "audio/ogg",
		},
		Location: LocationConfig{Command: "termux-location"},
		Sink: SinkConfig{
			Kind:         "memory",
			PollInterval: 2 * time.Second,
		},
		Alert:  AlertConfig{URL: "http://127.0.0.1:5000/send-sms"},
		Upload: UploadConfig{URL: "http://127.0.0.1:5000/predict", PerMinute: 6},
		HTTP:   HTTPConfig{Addr: ":8089"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load resolves configuration from defaults, an optional YAML file, a .env
// file in the working directory and the process environment, each layer
// overriding the previous one.
func Load() (Config, error) {
	return LoadFrom(".env")
}

// LoadFrom is Load with an explicit dotenv path. A missing file is ignored.
func LoadFrom(envFile string) (Config, error) {
	src := source{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", envFile, err)
		}
		src.dotenv = values
	}

	cfg := Defaults()
	if path := src.get("NIGHTWATCH_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	s := &cfg.Session
	s.PositionKey = src.orDefault("NIGHTWATCH_POSITION_KEY", s.PositionKey)
	s.LocationInterval = src.millisOrDefault("NIGHTWATCH_LOCATION_INTERVAL_MS", s.LocationInterval)
	s.RecordDuration = src.millisOrDefault("NIGHTWATCH_RECORD_DURATION_MS", s.RecordDuration)
	s.Cooldown = src.millisOrDefault("NIGHTWATCH_COOLDOWN_MS", s.Cooldown)
	s.FixTimeout = src.millisOrDefault("NIGHTWATCH_FIX_TIMEOUT_MS", s.FixTimeout)
	s.PublishTimeout = src.millisOrDefault("NIGHTWATCH_PUBLISH_TIMEOUT_MS", s.PublishTimeout)
	s.AlertTimeout = src.millisOrDefault("NIGHTWATCH_ALERT_TIMEOUT_MS", s.AlertTimeout)
	s.UploadTimeout = src.millisOrDefault("NIGHTWATCH_UPLOAD_TIMEOUT_MS", s.UploadTimeout)

	a := &cfg.Audio
	a.RecorderCommand = src.orDefault("NIGHTWATCH_FFMPEG_COMMAND", a.RecorderCommand)
	a.InputFormat = src.orDefault("NIGHTWATCH_AUDIO_INPUT_FORMAT", a.InputFormat)
	a.InputDevice = firstNonEmpty(src.get("NIGHTWATCH_AUDIO_INPUT_DEVICE"), src.get("PULSE_SOURCE"), a.InputDevice)
	a.SampleRate = src.intOrDefault("NIGHTWATCH_SAMPLE_RATE", a.SampleRate)
	a.Channels = src.intOrDefault("NIGHTWATCH_CHANNELS", a.Channels)
	a.Codec = src.orDefault("NIGHTWATCH_AUDIO_CODEC", a.Codec)
	a.Container = src.orDefault("NIGHTWATCH_AUDIO_CONTAINER", a.Container)
	a.MimeType = src.orDefault("NIGHTWATCH_AUDIO_MIME", a.MimeType)

	cfg.Location.Command = src.orDefault("NIGHTWATCH_LOCATION_COMMAND", cfg.Location.Command)
	cfg.Location.Static = src.orDefault("NIGHTWATCH_STATIC_POSITION", cfg.Location.Static)

	k := &cfg.Sink
	k.Kind = strings.ToLower(src.orDefault("NIGHTWATCH_SINK", k.Kind))
	k.DSN = src.orDefault("NIGHTWATCH_SINK_DSN", k.DSN)
	k.PollInterval = src.millisOrDefault("NIGHTWATCH_SINK_POLL_MS", k.PollInterval)
	k.FirebaseURL = src.orDefault("NIGHTWATCH_FIREBASE_URL", k.FirebaseURL)
	k.FirebaseAuth = src.orDefault("NIGHTWATCH_FIREBASE_AUTH", k.FirebaseAuth)

	cfg.Alert.URL = src.orDefault("NIGHTWATCH_ALERT_URL", cfg.Alert.URL)
	cfg.Upload.URL = src.orDefault("NIGHTWATCH_UPLOAD_URL", cfg.Upload.URL)
	cfg.Upload.PerMinute = src.intOrDefault("NIGHTWATCH_UPLOAD_PER_MINUTE", cfg.Upload.PerMinute)
	cfg.HTTP.Addr = src.orDefault("NIGHTWATCH_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Log.Level = strings.ToLower(src.orDefault("NIGHTWATCH_LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Pretty = src.boolOrDefault("NIGHTWATCH_LOG_PRETTY", cfg.Log.Pretty)

	clamp(&cfg)

	switch cfg.Sink.Kind {
	case "memory", "sqlite", "postgres", "mysql":
	case "firebase":
		if cfg.Sink.FirebaseURL == "" {
			return Config{}, errors.New("NIGHTWATCH_FIREBASE_URL is required for the firebase sink")
		}
	default:
		return Config{}, fmt.Errorf("unknown sink %q", cfg.Sink.Kind)
	}
	return cfg, nil
}

// clamp restores defaults for values that parsed but make no sense.
func clamp(cfg *Config) {
	d := Defaults()
	durations := []struct {
		value    *time.Duration
		fallback time.Duration
	}{
		{&cfg.Session.LocationInterval, d.Session.LocationInterval},
		{&cfg.Session.RecordDuration, d.Session.RecordDuration},
		{&cfg.Session.Cooldown, d.Session.Cooldown},
		{&cfg.Session.FixTimeout, d.Session.FixTimeout},
		{&cfg.Session.PublishTimeout, d.Session.PublishTimeout},
		{&cfg.Session.AlertTimeout, d.Session.AlertTimeout},
		{&cfg.Session.UploadTimeout, d.Session.UploadTimeout},
		{&cfg.Sink.PollInterval, d.Sink.PollInterval},
	}
	for _, entry := range durations {
		if *entry.value <= 0 {
			*entry.value = entry.fallback
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = d.Audio.SampleRate
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = d.Audio.Channels
	}
	if cfg.Upload.PerMinute < 0 {
		cfg.Upload.PerMinute = d.Upload.PerMinute
	}
	if strings.TrimSpace(cfg.Session.PositionKey) == "" {
		cfg.Session.PositionKey = d.Session.PositionKey
	}
}

// source looks keys up in the environment first, then in the dotenv file.
type source struct {
	dotenv map[string]string
}

func (s source) get(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(s.dotenv[key])
}

func (s source) orDefault(key string, fallback string) string {
	value := s.get(key)
	if value == "" {
		return fallback
	}
	return value
}

func (s source) intOrDefault(key string, fallback int) int {
	value := s.get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) millisOrDefault(key string, fallback time.Duration) time.Duration {
	value := s.get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

func (s source) boolOrDefault(key string, fallback bool) bool {
	switch strings.ToLower(s.get(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
