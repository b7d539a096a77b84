package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nightwatch/internal/domain"
)

const DefaultURL = "http://127.0.0.1:5000/send-sms"

// HTTPAlerter triggers the emergency contact notification with an empty
// POST and logs whatever the endpoint answers.
type HTTPAlerter struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewHTTPAlerter(url string, client *http.Client, logger zerolog.Logger) *HTTPAlerter {
	if url == "" {
		url = DefaultURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPAlerter{
		url:    url,
		client: client,
		log:    logger.With().Str("component", "alert").Logger(),
	}
}

func (a *HTTPAlerter) Dispatch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w: %w", domain.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("read alert response: %w: %w", domain.ErrNetworkFailure, err)
	}
	detail := strings.TrimSpace(string(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.log.Error().Int("status", resp.StatusCode).Str("body", detail).Msg("alert endpoint rejected request")
		return fmt.Errorf("send alert: %w: status %d: %s", domain.ErrNetworkFailure, resp.StatusCode, detail)
	}

	event := a.log.Info().Int("status", resp.StatusCode)
	if json.Valid(body) {
		event = event.RawJSON("response", body)
	} else {
		event = event.Str("response", detail)
	}
	event.Msg("alert endpoint answered")
	return nil
}
