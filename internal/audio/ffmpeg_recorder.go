package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"nightwatch/internal/domain"
	"nightwatch/internal/ports"
)

const (
	startupGrace = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

// FFMPEGRecorder records one encoded clip per Start using ffmpeg.
type FFMPEGRecorder struct {
	command string
}

func NewFFMPEGRecorder(command string) *FFMPEGRecorder {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGRecorder{command: command}
}

func (r *FFMPEGRecorder) Start(ctx context.Context, cfg ports.AudioConfig) (ports.Recording, error) {
	cfg = normalizeConfig(cfg)

	cmd := exec.CommandContext(ctx, r.command, buildArgs(cfg)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = stopGrace

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("start ffmpeg: %w: %v", domain.ErrDeviceUnavailable, err)
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("start ffmpeg: %w: %v", domain.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		return nil, classifyEarlyExit(err, stderr.String())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(startupGrace):
	}

	return &ffmpegRecording{
		process:  cmd.Process,
		waitErr:  waitErr,
		stdout:   &stdout,
		stderr:   &stderr,
		mimeType: cfg.MimeType,
	}, nil
}

func normalizeConfig(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.Codec == "" {
		cfg.Codec = "libopus"
	}
	if cfg.Container == "" {
		cfg.Container = "ogg"
	}
	if cfg.MimeType == "" {
		cfg.MimeType = "audio/ogg"
	}
	return cfg
}

func buildArgs(cfg ports.AudioConfig) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-c:a", cfg.Codec,
	}
	// Hard cap in case Stop is never called.
	if cfg.MaxDuration > 0 {
		args = append(args, "-t", strconv.FormatFloat(cfg.MaxDuration.Seconds(), 'f', 3, 64))
	}
	return append(args, "-f", cfg.Container, "pipe:1")
}

// classifyEarlyExit maps an ffmpeg that died during startup onto the domain
// error taxonomy using its stderr.
func classifyEarlyExit(err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	lower := strings.ToLower(detail)

	var sentinel error
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "access denied"):
		sentinel = domain.ErrPermissionDenied
	case strings.Contains(lower, "device or resource busy"):
		sentinel = domain.ErrResourceBusy
	default:
		sentinel = domain.ErrDeviceUnavailable
	}

	if err != nil {
		return fmt.Errorf("ffmpeg exited before capture started: %w: %v: %s", sentinel, err, detail)
	}
	return fmt.Errorf("ffmpeg exited before capture started: %w", sentinel)
}

type ffmpegRecording struct {
	process *os.Process
	waitErr <-chan error
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer

	mimeType string

	stopOnce sync.Once
	clip     domain.AudioClip
	stopErr  error
}

// Stop interrupts ffmpeg so it finalizes the container, falling back to kill
// when it does not exit in time. The buffers are only read after Wait.
func (r *ffmpegRecording) Stop() (domain.AudioClip, error) {
	r.stopOnce.Do(func() {
		_ = r.process.Signal(os.Interrupt)

		var err error
		select {
		case err = <-r.waitErr:
		case <-time.After(stopGrace):
			_ = r.process.Kill()
			err = <-r.waitErr
		}
		r.stopErr = normalizeStopErr(err)
		if r.stopErr != nil && r.stderr.Len() > 0 {
			r.stopErr = fmt.Errorf("%w: %s", r.stopErr, strings.TrimSpace(r.stderr.String()))
		}
		r.clip = domain.AudioClip{
			Bytes:    append([]byte(nil), r.stdout.Bytes()...),
			MimeType: r.mimeType,
		}
	})
	return r.clip, r.stopErr
}

// normalizeStopErr treats a non-zero exit as the expected result of the
// interrupt.
func normalizeStopErr(err error) error {
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
