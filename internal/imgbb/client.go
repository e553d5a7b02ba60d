// Package imgbb uploads base64-encoded images to the ImgBB hosting API.
package imgbb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultEndpoint is the public ImgBB upload API.
	DefaultEndpoint = "https://api.imgbb.com/1/upload"
	// DefaultTimeout bounds a single upload request.
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

var (
	ErrMissingAPIKey = errors.New("imgbb api key is empty")
	ErrEmptyImage    = errors.New("image payload is empty")
)

// StatusError is returned when ImgBB answers with a non-200 HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("imgbb HTTP %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

type ClientConfig struct {
	Endpoint   string // defaults to DefaultEndpoint
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{endpoint: cfg.Endpoint, http: cfg.HTTPClient, logger: cfg.Logger}
}

// uploadResponse is the subset of the ImgBB response the client reads.
type uploadResponse struct {
	Success bool `json:"success"`
	Status  int  `json:"status"`
	Data    struct {
		URL        string `json:"url"`
		DisplayURL string `json:"display_url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Upload posts the base64 image and returns its public URL. The request is
// bounded by DefaultTimeout regardless of the caller's deadline.
func (c *Client) Upload(ctx context.Context, apiKey, imageBase64 string) (string, error) {
	if apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if imageBase64 == "" {
		return "", ErrEmptyImage
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("key", apiKey)
	form.Set("image", imageBase64)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result uploadResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if !result.Success {
		msg := "success=false"
		if result.Error != nil && result.Error.Message != "" {
			msg = result.Error.Message
		}
		return "", fmt.Errorf("imgbb rejected upload: %s", msg)
	}
	if result.Data.URL == "" {
		return "", errors.New("imgbb response has no data.url")
	}

	c.logger.Debug("imgbb upload ok", "url", result.Data.URL)
	return result.Data.URL, nil
}
