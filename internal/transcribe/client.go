package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
)

// Speech client defaults
const (
	DefaultURL     = "https://api.openai.com/v1/audio/transcriptions"
	DefaultModel   = "whisper-1"
	DefaultTimeout = 5 * time.Minute
	maxErrorBody   = 2048
)

// Speech turns one audio file into text.
type Speech interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Client calls an OpenAI-compatible transcription endpoint.
type Client struct {
	URL    string
	Model  string
	APIKey string
	HTTP   *http.Client
}

// NewClient creates a speech client. Empty url and model use the defaults.
func NewClient(url, model, apiKey string) *Client {
	if url == "" {
		url = DefaultURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		URL:    url,
		Model:  model,
		APIKey: apiKey,
		HTTP:   &http.Client{Timeout: DefaultTimeout},
	}
}

// Transcribe uploads audioPath and returns the plain-text transcription.
// Rate limiting and server errors come back as retryable AppErrors.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if c.APIKey == "" {
		return "", apperrors.New(apperrors.CodeConfigInvalid, "speech api key not set: set API_KEY or ZOOMREC_API_KEY")
	}

	body, contentType, err := c.form(audioPath)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", apperrors.Wrap(err, apperrors.CodeUnavailable, "speech request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeUnavailable, "read speech response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp, respBody)
	}
	return string(respBody), nil
}

func (c *Client) form(audioPath string) (*bytes.Buffer, string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("model", c.Model); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("response_format", "text"); err != nil {
		return nil, "", err
	}
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("read audio: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func statusError(resp *http.Response, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	var code apperrors.Code
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = apperrors.CodeRateLimited
	case resp.StatusCode == http.StatusRequestTimeout:
		code = apperrors.CodeTimeout
	case resp.StatusCode >= 500:
		code = apperrors.CodeUnavailable
	default:
		code = apperrors.CodeTranscription
	}
	err := apperrors.Newf(code, "speech api returned HTTP %d", resp.StatusCode).
		WithMetadata("status", strconv.Itoa(resp.StatusCode)).
		WithMetadata("body", string(bytes.TrimSpace(body)))
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		err = err.WithMetadata("retry_after", ra)
	}
	return err
}
