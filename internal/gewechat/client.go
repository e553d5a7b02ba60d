// Package gewechat talks to a gewechat gateway: the image download API, text
// replies, and decoding of the callbacks it pushes for new messages.
package gewechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	// HeaderToken carries the gateway token on every request.
	HeaderToken = "X-GEWE-TOKEN"
	// RetSuccess is the "ret" value of a successful API call.
	RetSuccess = 200

	// Image qualities accepted by downloadImage.
	ImageTypeNormal   = 1
	ImageTypeOriginal = 2

	maxResponseBytes = 1 << 20
)

// APIError is returned when the gateway answers with a non-200 HTTP status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gewechat HTTP %d: %s", e.StatusCode, e.Body)
}

// Client is a minimal gewechat HTTP API client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

type ClientConfig struct {
	BaseURL    string // e.g. http://127.0.0.1:2531/v2/api
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// Response is the common gewechat response envelope.
type Response struct {
	Ret  int             `json:"ret"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the gateway accepted the call.
func (r *Response) OK() bool { return r.Ret == RetSuccess }

// DownloadImageResult is the payload of a successful downloadImage call.
type DownloadImageResult struct {
	FileURL string `json:"fileUrl"`
}

type downloadImageRequest struct {
	AppID string `json:"appId"`
	XML   string `json:"xml"`
	Type  int    `json:"type"`
}

// DownloadImage asks the gateway to fetch the image described by xml and returns
// the relative file path to download it from. A response with ret != 200 is not
// an error: the caller inspects Response.OK and decides whether to retry.
func (c *Client) DownloadImage(ctx context.Context, appID, xml string, imageType int) (*Response, *DownloadImageResult, error) {
	resp, err := c.postJSON(ctx, "/message/downloadImage", downloadImageRequest{
		AppID: appID,
		XML:   xml,
		Type:  imageType,
	})
	if err != nil {
		return nil, nil, err
	}
	if !resp.OK() || len(resp.Data) == 0 || string(resp.Data) == "null" {
		return resp, nil, nil
	}
	var result DownloadImageResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return resp, nil, fmt.Errorf("decode downloadImage data: %w", err)
	}
	return resp, &result, nil
}

type postTextRequest struct {
	AppID   string `json:"appId"`
	ToWxid  string `json:"toWxid"`
	Content string `json:"content"`
	Ats     string `json:"ats,omitempty"`
}

// PostText sends a text message to a user or group.
func (c *Client) PostText(ctx context.Context, appID, toWxid, content string) error {
	resp, err := c.postJSON(ctx, "/message/postText", postTextRequest{
		AppID:   appID,
		ToWxid:  toWxid,
		Content: content,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("postText ret=%d: %s", resp.Ret, resp.Msg)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, route string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", route, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", route, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(HeaderToken, c.token)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", route, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", route, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: httpResp.StatusCode, Body: string(data)}
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", route, err)
	}
	c.logger.Debug("gewechat call", "route", route, "ret", resp.Ret)
	return &resp, nil
}
