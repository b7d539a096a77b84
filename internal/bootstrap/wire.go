package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"nightwatch/internal/alert"
	"nightwatch/internal/audio"
	"nightwatch/internal/clock"
	"nightwatch/internal/config"
	"nightwatch/internal/location"
	"nightwatch/internal/ports"
	"nightwatch/internal/store/firebase"
	"nightwatch/internal/store/memory"
	"nightwatch/internal/store/sqlstore"
	"nightwatch/internal/upload"
	"nightwatch/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Session *usecase.MonitoringSession
	Sink    ports.RemoteSink
	Config  config.Config

	closeSink func() error
}

// Close disposes the session and releases the sink.
func (s Services) Close(ctx context.Context) error {
	var errs []error
	if s.Session != nil {
		if err := s.Session.Dispose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispose session: %w", err))
		}
	}
	if s.closeSink != nil {
		if err := s.closeSink(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Build wires all backend dependencies for the current runtime.
func Build(cfg config.Config, eventSink ports.EventSink, logger zerolog.Logger) (Services, error) {
	position, err := NewPositionSource(cfg)
	if err != nil {
		return Services{}, err
	}
	sink, closeSink, err := NewSink(cfg, logger)
	if err != nil {
		return Services{}, err
	}

	client := &http.Client{}
	session, err := usecase.NewMonitoringSession(usecase.Dependencies{
		Position: position,
		Audio:    audio.NewExclusive(audio.NewFFMPEGRecorder(cfg.Audio.RecorderCommand)),
		Sink:     sink,
		Uploader: upload.NewHTTPUploader(cfg.Upload.URL, cfg.Upload.PerMinute, client, logger),
		Alerter:  alert.NewHTTPAlerter(cfg.Alert.URL, client, logger),
		Events:   eventSink,
		Clock:    clock.Real{},
		Logger:   logger,
	}, SessionConfig(cfg))
	if err != nil {
		if closeSink != nil {
			_ = closeSink()
		}
		return Services{}, err
	}

	return Services{Session: session, Sink: sink, Config: cfg, closeSink: closeSink}, nil
}

// SessionConfig maps loaded configuration onto the session's settings.
func SessionConfig(cfg config.Config) usecase.Config {
	return usecase.Config{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
			Codec:       cfg.Audio.Codec,
			Container:   cfg.Audio.Container,
			MimeType:    cfg.Audio.MimeType,
		},
		PositionKey:      cfg.Session.PositionKey,
		LocationInterval: cfg.Session.LocationInterval,
		RecordDuration:   cfg.Session.RecordDuration,
		Cooldown:         cfg.Session.Cooldown,
		FixTimeout:       cfg.Session.FixTimeout,
		PublishTimeout:   cfg.Session.PublishTimeout,
		AlertTimeout:     cfg.Session.AlertTimeout,
		UploadTimeout:    cfg.Session.UploadTimeout,
	}
}

// NewPositionSource prefers a configured static position over the command.
func NewPositionSource(cfg config.Config) (ports.PositionSource, error) {
	if cfg.Location.Static != "" {
		static, err := location.ParseStatic(cfg.Location.Static)
		if err != nil {
			return nil, err
		}
		return static, nil
	}
	return location.NewCommandSource(cfg.Location.Command), nil
}

// NewSink opens the configured shared store. The returned close func may be
// nil.
func NewSink(cfg config.Config, logger zerolog.Logger) (ports.RemoteSink, func() error, error) {
	switch cfg.Sink.Kind {
	case "", "memory":
		return memory.New(), nil, nil
	case "sqlite", "postgres", "mysql":
		store, err := sqlstore.Open(sqlstore.Options{
			Kind:         cfg.Sink.Kind,
			DSN:          cfg.Sink.DSN,
			PollInterval: cfg.Sink.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "firebase":
		store, err := firebase.New(firebase.Options{
			URL:    cfg.Sink.FirebaseURL,
			Auth:   cfg.Sink.FirebaseAuth,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink %q", cfg.Sink.Kind)
	}
}
