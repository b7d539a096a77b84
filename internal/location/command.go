package location

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"nightwatch/internal/domain"
)

// DefaultArgs ask termux-location for a single high-accuracy GPS reading.
var DefaultArgs = []string{"-p", "gps", "-r", "once"}

// CommandSource obtains a fix by running a helper that prints one JSON
// object with latitude and longitude fields.
type CommandSource struct {
	command string
	args    []string
}

func NewCommandSource(command string, args ...string) *CommandSource {
	if command == "" {
		command = "termux-location"
	}
	if len(args) == 0 {
		args = append([]string(nil), DefaultArgs...)
	}
	return &CommandSource{command: command, args: args}
}

type commandFix struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	APIError  string   `json:"API_ERROR"`
}

func (s *CommandSource) Fix(ctx context.Context) (domain.PositionSample, error) {
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return domain.PositionSample{}, fmt.Errorf("location fix timed out: %w: %w", domain.ErrDeviceUnavailable, ctxErr)
			}
			return domain.PositionSample{}, ctxErr
		}
		return domain.PositionSample{}, classifyRunErr(err, stderr.String())
	}

	raw := bytes.TrimSpace(stdout.Bytes())
	if len(raw) == 0 {
		return domain.PositionSample{}, fmt.Errorf("location helper returned no fix: %w", domain.ErrDeviceUnavailable)
	}

	var fix commandFix
	if err := json.Unmarshal(raw, &fix); err != nil {
		return domain.PositionSample{}, fmt.Errorf("decode location fix: %w: %v", domain.ErrDeviceUnavailable, err)
	}
	if fix.APIError != "" {
		return domain.PositionSample{}, classifyMessage(fix.APIError)
	}
	if fix.Latitude == nil || fix.Longitude == nil {
		return domain.PositionSample{}, fmt.Errorf("location fix missing coordinates: %w", domain.ErrDeviceUnavailable)
	}
	return domain.PositionSample{Latitude: *fix.Latitude, Longitude: *fix.Longitude}, nil
}

func classifyRunErr(err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("location helper unavailable: %w: %v", domain.ErrDeviceUnavailable, err)
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("location helper not executable: %w: %v", domain.ErrPermissionDenied, err)
	}
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = err.Error()
	}
	return classifyMessage(detail)
}

func classifyMessage(detail string) error {
	lower := strings.ToLower(detail)
	if strings.Contains(lower, "permission") {
		return fmt.Errorf("location fix: %w: %s", domain.ErrPermissionDenied, detail)
	}
	return fmt.Errorf("location fix: %w: %s", domain.ErrDeviceUnavailable, detail)
}
