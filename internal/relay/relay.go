// Package relay turns an inbound image message into a public image URL:
// it pulls the original bytes out of gewechat and pushes them to ImgBB.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"img2url/internal/config"
	"img2url/internal/domain"
	"img2url/internal/gewechat"
	"img2url/internal/httpclient"
	"img2url/internal/imgbb"
	"img2url/internal/metrics"
)

// MaxImageBytes caps the size of a downloaded image.
const MaxImageBytes int64 = 20 << 20

// DownloadTimeout bounds each gewechat call and the image GET when no
// HTTPClient is supplied, so a stalled gateway cannot hold a user's lock.
const DownloadTimeout = 60 * time.Second

const xmlDeclaration = "<?xml version="

// ImageDownloader is the part of the gewechat client the relay needs.
type ImageDownloader interface {
	DownloadImage(ctx context.Context, appID, xml string, imageType int) (*gewechat.Response, *gewechat.DownloadImageResult, error)
}

// Uploader stores base64 image data and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, apiKey, imageBase64 string) (string, error)
}

// Relay fetches image bytes from gewechat and uploads them to ImgBB.
type Relay struct {
	channelType string
	gewechat    config.GewechatConfig
	apiKey      string
	downloader  ImageDownloader
	uploader    Uploader
	http        *http.Client
	logger      *slog.Logger
}

type Config struct {
	ChannelType string // active channel; see ResolvesGewechatMedia
	Gewechat    config.GewechatConfig
	APIKey      string // imgbb_api_key

	// Optional overrides; built from Gewechat and defaults when nil.
	Downloader ImageDownloader
	Uploader   Uploader
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.New(DownloadTimeout)
	}
	if cfg.Downloader == nil {
		cfg.Downloader = gewechat.NewClient(gewechat.ClientConfig{
			BaseURL:    cfg.Gewechat.BaseURL,
			Token:      cfg.Gewechat.Token,
			HTTPClient: cfg.HTTPClient,
			Logger:     cfg.Logger,
		})
	}
	if cfg.Uploader == nil {
		cfg.Uploader = imgbb.NewClient(imgbb.ClientConfig{Logger: cfg.Logger})
	}
	return &Relay{
		channelType: cfg.ChannelType,
		gewechat:    cfg.Gewechat,
		apiKey:      cfg.APIKey,
		downloader:  cfg.Downloader,
		uploader:    cfg.Uploader,
		http:        cfg.HTTPClient,
		logger:      cfg.Logger,
	}
}

// ResolvesGewechatMedia reports whether image messages on channelType carry
// gewechat message XML. Besides the gewechat callback itself, the websocket
// bridge and the CLI replay forward captured gewechat XML as the envelope.
func ResolvesGewechatMedia(channelType string) bool {
	switch channelType {
	case config.ChannelGewechat, config.ChannelWebSocket, config.ChannelCLI:
		return true
	}
	return false
}

// Fetch returns the raw bytes of the image carried by msg.
func (r *Relay) Fetch(ctx context.Context, msg domain.InboundMessage) ([]byte, error) {
	if !ResolvesGewechatMedia(r.channelType) {
		return nil, fmt.Errorf("%w: active channel is %q", ErrNoSourceChannel, r.channelType)
	}
	if missing := r.gewechat.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %w: %s", ErrDownloadFailed, ErrConfigMissing, strings.Join(missing, ", "))
	}
	if msg.Envelope == nil {
		return nil, downloadFailed("message %s has no envelope", msg.ID)
	}
	raw, err := msg.Envelope.XMLPayload()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	xml := raw
	if idx := strings.Index(raw, xmlDeclaration); idx >= 0 {
		xml = raw[idx:]
	}

	appID := r.gewechat.AppID
	resp, result, err := r.downloader.DownloadImage(ctx, appID, xml, gewechat.ImageTypeNormal)
	if needsFallback(resp, err) {
		r.logger.Debug("downloadImage type=1 rejected, retrying original quality", "msg_id", msg.ID, "error", err)
		resp, result, err = r.downloader.DownloadImage(ctx, appID, xml, gewechat.ImageTypeOriginal)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: downloadImage: %w", ErrDownloadFailed, err)
	}
	if !resp.OK() {
		return nil, downloadFailed("downloadImage ret=%d: %s", resp.Ret, resp.Msg)
	}
	if result == nil || result.FileURL == "" {
		return nil, downloadFailed("downloadImage returned no fileUrl")
	}

	fullURL := strings.TrimRight(r.gewechat.DownloadURL, "/") + "/" + result.FileURL
	return r.download(ctx, fullURL)
}

// needsFallback reports whether the type=1 call should be retried with type=2:
// the gateway answered but refused (ret != 200 or a non-200 HTTP status).
// Transport errors are not retried.
func needsFallback(resp *gewechat.Response, err error) bool {
	if err != nil {
		var apiErr *gewechat.APIError
		return errors.As(err, &apiErr)
	}
	return resp != nil && !resp.OK()
}

func (r *Relay) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrDownloadFailed, err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrDownloadFailed, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, downloadFailed("GET %s: HTTP %d", url, resp.StatusCode)
	}
	data, err := readAllWithLimit(resp.Body, MaxImageBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	metrics.ImageBytes.Observe(float64(len(data)))
	r.logger.Debug("image downloaded", "url", url, "bytes", len(data))
	return data, nil
}

// Upload sends base64 image data to ImgBB and returns the hosted URL.
func (r *Relay) Upload(ctx context.Context, imageBase64 string) (string, error) {
	url, err := r.uploader.Upload(ctx, r.apiKey, imageBase64)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	return url, nil
}

// Run fetches the image behind msg, uploads it and returns the public URL.
// Errors wrap either a fetch-side kind (ErrNoSourceChannel, ErrDownloadFailed)
// or ErrUploadFailed.
func (r *Relay) Run(ctx context.Context, msg domain.InboundMessage) (string, error) {
	data, err := r.Fetch(ctx, msg)
	if err != nil {
		return "", err
	}
	return r.Upload(ctx, base64.StdEncoding.EncodeToString(data))
}
