package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"nightwatch/internal/domain"
)

const (
	DefaultURL       = "http://127.0.0.1:5000/predict"
	DefaultPerMinute = 6
)

// ErrShed is returned when a clip is dropped because uploads exceed the
// configured rate. It matches domain.ErrResourceBusy.
var ErrShed = fmt.Errorf("upload shed: %w", domain.ErrResourceBusy)

// HTTPUploader posts each clip as a multipart form with a single "file" part.
type HTTPUploader struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewHTTPUploader allows perMinute uploads per minute with an equal burst.
// perMinute <= 0 disables shedding.
func NewHTTPUploader(url string, perMinute int, client *http.Client, logger zerolog.Logger) *HTTPUploader {
	if url == "" {
		url = DefaultURL
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &HTTPUploader{
		url:     url,
		client:  client,
		limiter: limiter,
		log:     logger.With().Str("component", "upload").Logger(),
	}
}

func (u *HTTPUploader) Send(ctx context.Context, clip domain.AudioClip) error {
	if !u.limiter.Allow() {
		return fmt.Errorf("%w: more than the allowed clips per minute", ErrShed)
	}

	body, contentType, filename, err := encode(clip)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w: %w", filename, domain.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload %s: %w: status %d: %s", filename, domain.ErrNetworkFailure, resp.StatusCode, strings.TrimSpace(string(reply)))
	}
	u.log.Debug().Str("file", filename).Int("bytes", len(clip.Bytes)).Str("response", strings.TrimSpace(string(reply))).Msg("clip accepted")
	return nil
}

func encode(clip domain.AudioClip) (*bytes.Buffer, string, string, error) {
	mimeType := clip.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	filename := uuid.NewString() + extension(mimeType)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", mimeType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(clip.Bytes); err != nil {
		return nil, "", "", fmt.Errorf("write file part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", "", fmt.Errorf("close multipart body: %w", err)
	}
	return &buf, writer.FormDataContentType(), filename, nil
}

func extension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])) {
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/3gpp", "audio/3gp":
		return ".3gp"
	case "audio/mp4", "audio/aac":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	default:
		return ".bin"
	}
}
