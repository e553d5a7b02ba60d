package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"img2url/internal/config"
	"img2url/internal/domain"
	"img2url/internal/gewechat"
	"img2url/internal/imgbb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 1, 2, 3}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gateway fakes a gewechat API plus its file download host.
type gateway struct {
	mu        sync.Mutex
	types     []int
	xml       []string
	retByType map[int]int
	fileURL   string
	fileCode  int
	fileBody  []byte
	filePaths []string
	srv       *httptest.Server
}

func newGateway(t *testing.T) *gateway {
	g := &gateway{
		retByType: map[int]int{1: 200, 2: 200},
		fileURL:   "download/img/a.png",
		fileCode:  http.StatusOK,
		fileBody:  pngBytes,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/message/downloadImage", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AppID string `json:"appId"`
			XML   string `json:"xml"`
			Type  int    `json:"type"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		g.mu.Lock()
		g.types = append(g.types, req.Type)
		g.xml = append(g.xml, req.XML)
		ret := g.retByType[req.Type]
		g.mu.Unlock()
		if ret != 200 {
			w.Write([]byte(`{"ret":500,"msg":"failed","data":null}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ret": 200, "msg": "ok", "data": map[string]string{"fileUrl": g.fileURL}})
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.filePaths = append(g.filePaths, r.URL.Path)
		g.mu.Unlock()
		w.WriteHeader(g.fileCode)
		w.Write(g.fileBody)
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) config() config.GewechatConfig {
	return config.GewechatConfig{
		BaseURL:     g.srv.URL + "/api",
		AppID:       "wx_app",
		Token:       "tok",
		DownloadURL: g.srv.URL + "/files/",
	}
}

func (g *gateway) calls() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.types...)
}

func (g *gateway) sentXML() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.xml...)
}

func (g *gateway) downloads() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.filePaths...)
}

type fakeUploader struct {
	calls atomic.Int32
	got   string
	url   string
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, apiKey, image string) (string, error) {
	f.calls.Add(1)
	f.got = image
	return f.url, f.err
}

func imageMessage(content string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:       "m1",
		Channel:  config.ChannelGewechat,
		SenderID: "wxid_alice",
		Type:     domain.ContentImage,
		Envelope: gewechat.Envelope{Data: gewechat.CallbackData{
			MsgType: gewechat.MsgTypeImage,
			Content: gewechat.StringField{String: content},
		}},
	}
}

const imageXML = `<?xml version="1.0"?><msg><img aeskey="k" cdnmidimgurl="u"/></msg>`

func newRelay(g *gateway, up Uploader) *Relay {
	return New(Config{
		ChannelType: config.ChannelGewechat,
		Gewechat:    g.config(),
		APIKey:      "key",
		Uploader:    up,
		Logger:      testLogger(),
	})
}

func TestFetch_TypeNormalSucceeds(t *testing.T) {
	g := newGateway(t)
	data, err := newRelay(g, &fakeUploader{}).Fetch(context.Background(), imageMessage(imageXML))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
	assert.Equal(t, []int{1}, g.calls())
	assert.Equal(t, []string{"/files/download/img/a.png"}, g.downloads())
}

func TestFetch_FallsBackToOriginal(t *testing.T) {
	g := newGateway(t)
	g.retByType[1] = 500

	data, err := newRelay(g, &fakeUploader{}).Fetch(context.Background(), imageMessage(imageXML))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
	assert.Equal(t, []int{1, 2}, g.calls())
}

func TestFetch_BothTypesFail(t *testing.T) {
	g := newGateway(t)
	g.retByType[1] = 500
	g.retByType[2] = 500

	_, err := newRelay(g, &fakeUploader{}).Fetch(context.Background(), imageMessage(imageXML))
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.Equal(t, []int{1, 2}, g.calls())
	assert.Empty(t, g.downloads())
}

func TestFetch_SlicesFromXMLDeclaration(t *testing.T) {
	g := newGateway(t)
	_, err := newRelay(g, &fakeUploader{}).Fetch(context.Background(), imageMessage("wxid_bob:\n"+imageXML))
	require.NoError(t, err)
	assert.Equal(t, []string{imageXML}, g.sentXML())
}

func TestFetch_NoDeclarationSendsWholeContent(t *testing.T) {
	g := newGateway(t)
	_, err := newRelay(g, &fakeUploader{}).Fetch(context.Background(), imageMessage("<msg/>"))
	require.NoError(t, err)
	assert.Equal(t, []string{"<msg/>"}, g.sentXML())
}

func TestFetch_DownloadNon200(t *testing.T) {
	g := newGateway(t)
	g.fileCode = http.StatusNotFound

	_, err := newRelay(g, &fakeUploader{}).Fetch(context.Background(), imageMessage(imageXML))
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestFetch_ImageTooLarge(t *testing.T) {
	_, err := readAllWithLimit(strings.NewReader("abcdef"), 5)
	assert.ErrorIs(t, err, ErrImageTooLarge)

	data, err := readAllWithLimit(strings.NewReader("abcde"), 5)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(data))
}

func TestFetch_NonGewechatChannel(t *testing.T) {
	g := newGateway(t)
	r := New(Config{ChannelType: config.ChannelTelegram, Gewechat: g.config(), Logger: testLogger()})

	_, err := r.Fetch(context.Background(), imageMessage(imageXML))
	assert.ErrorIs(t, err, ErrNoSourceChannel)
	assert.True(t, IsFetchError(err))
	assert.Empty(t, g.calls())
}

// xmlEnvelope stands in for the raw envelopes the websocket and CLI channels attach.
type xmlEnvelope string

func (e xmlEnvelope) XMLPayload() (string, error) { return string(e), nil }

func TestFetch_SourceChannels(t *testing.T) {
	cases := map[string]bool{
		config.ChannelGewechat:  true,
		config.ChannelWebSocket: true,
		config.ChannelCLI:       true,
		config.ChannelTelegram:  false,
		config.ChannelDiscord:   false,
		config.ChannelSlack:     false,
	}
	for channelType, resolves := range cases {
		t.Run(channelType, func(t *testing.T) {
			g := newGateway(t)
			r := New(Config{ChannelType: channelType, Gewechat: g.config(), Logger: testLogger()})
			msg := imageMessage(imageXML)
			msg.Channel = channelType
			msg.Envelope = xmlEnvelope("bridge header\n" + imageXML)

			data, err := r.Fetch(context.Background(), msg)
			assert.Equal(t, resolves, ResolvesGewechatMedia(channelType))
			if !resolves {
				assert.ErrorIs(t, err, ErrNoSourceChannel)
				assert.Empty(t, g.calls())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, pngBytes, data)
			assert.Equal(t, []string{imageXML}, g.sentXML())
		})
	}
}

func TestFetch_BridgedEnvelopeStillNeedsGewechatConfig(t *testing.T) {
	g := newGateway(t)
	cfg := g.config()
	cfg.Token = ""
	r := New(Config{ChannelType: config.ChannelWebSocket, Gewechat: cfg, Logger: testLogger()})
	msg := imageMessage(imageXML)
	msg.Envelope = xmlEnvelope(imageXML)

	_, err := r.Fetch(context.Background(), msg)
	assert.ErrorIs(t, err, ErrConfigMissing)
	assert.Empty(t, g.calls())
}

func TestFetch_ConfigMissing(t *testing.T) {
	g := newGateway(t)
	for _, field := range []string{"baseUrl", "appId", "token", "downloadUrl"} {
		t.Run(field, func(t *testing.T) {
			cfg := g.config()
			switch field {
			case "baseUrl":
				cfg.BaseURL = ""
			case "appId":
				cfg.AppID = ""
			case "token":
				cfg.Token = ""
			case "downloadUrl":
				cfg.DownloadURL = ""
			}
			r := New(Config{ChannelType: config.ChannelGewechat, Gewechat: cfg, Logger: testLogger()})
			_, err := r.Fetch(context.Background(), imageMessage(imageXML))
			assert.ErrorIs(t, err, ErrDownloadFailed)
			assert.ErrorIs(t, err, ErrConfigMissing)
			assert.Contains(t, err.Error(), field)
		})
	}
	assert.Empty(t, g.calls())
}

func TestFetch_NoEnvelope(t *testing.T) {
	g := newGateway(t)
	msg := imageMessage(imageXML)
	msg.Envelope = nil

	_, err := newRelay(g, &fakeUploader{}).Fetch(context.Background(), msg)
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.Empty(t, g.calls())
}

type scriptedDownloader struct {
	types []int
	errs  []error
}

func (s *scriptedDownloader) DownloadImage(_ context.Context, _, _ string, imageType int) (*gewechat.Response, *gewechat.DownloadImageResult, error) {
	s.types = append(s.types, imageType)
	err := s.errs[len(s.types)-1]
	if err != nil {
		return nil, nil, err
	}
	return &gewechat.Response{Ret: 200}, &gewechat.DownloadImageResult{FileURL: "a.png"}, nil
}

func TestFetch_TransportErrorDoesNotFallBack(t *testing.T) {
	g := newGateway(t)
	d := &scriptedDownloader{errs: []error{errors.New("connection refused"), nil}}
	r := New(Config{ChannelType: config.ChannelGewechat, Gewechat: g.config(), Downloader: d, Logger: testLogger()})

	_, err := r.Fetch(context.Background(), imageMessage(imageXML))
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.Equal(t, []int{1}, d.types)
}

func TestFetch_HTTPStatusFallsBack(t *testing.T) {
	g := newGateway(t)
	d := &scriptedDownloader{errs: []error{&gewechat.APIError{StatusCode: 500}, nil}}
	r := New(Config{ChannelType: config.ChannelGewechat, Gewechat: g.config(), Downloader: d, Logger: testLogger()})

	data, err := r.Fetch(context.Background(), imageMessage(imageXML))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
	assert.Equal(t, []int{1, 2}, d.types)
}

func TestRun_Success(t *testing.T) {
	g := newGateway(t)
	up := &fakeUploader{url: "https://i.ibb.co/x/a.png"}

	url, err := newRelay(g, up).Run(context.Background(), imageMessage(imageXML))
	require.NoError(t, err)
	assert.Equal(t, "https://i.ibb.co/x/a.png", url)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pngBytes), up.got)
}

func TestRun_UploadFailed(t *testing.T) {
	g := newGateway(t)
	up := &fakeUploader{err: errors.New("imgbb HTTP 400")}

	_, err := newRelay(g, up).Run(context.Background(), imageMessage(imageXML))
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.False(t, IsFetchError(err))
}

func TestRun_FetchFailureSkipsUpload(t *testing.T) {
	g := newGateway(t)
	g.retByType[1] = 500
	g.retByType[2] = 500
	up := &fakeUploader{url: "unused"}

	_, err := newRelay(g, up).Run(context.Background(), imageMessage(imageXML))
	assert.True(t, IsFetchError(err))
	assert.Zero(t, up.calls.Load())
}

func TestUpload_MissingKeyMakesNoRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	r := New(Config{
		ChannelType: config.ChannelGewechat,
		Uploader:    imgbb.NewClient(imgbb.ClientConfig{Endpoint: srv.URL, Logger: testLogger()}),
		Logger:      testLogger(),
	})
	_, err := r.Upload(context.Background(), "aGVsbG8=")
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.ErrorIs(t, err, imgbb.ErrMissingAPIKey)
	assert.Zero(t, hits.Load())
}

func TestRun_EmptyDownloadIsUploadFailure(t *testing.T) {
	g := newGateway(t)
	g.fileBody = nil
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()
	up := imgbb.NewClient(imgbb.ClientConfig{Endpoint: srv.URL, Logger: testLogger()})

	data, err := newRelay(g, up).Fetch(context.Background(), imageMessage(imageXML))
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = newRelay(g, up).Run(context.Background(), imageMessage(imageXML))
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.ErrorIs(t, err, imgbb.ErrEmptyImage)
	assert.False(t, IsFetchError(err))
	assert.Zero(t, hits.Load())
}

func TestNew_DefaultHTTPClientTimeout(t *testing.T) {
	r := New(Config{ChannelType: config.ChannelGewechat, Logger: testLogger()})
	assert.Equal(t, DownloadTimeout, r.http.Timeout)
}

func TestUpload_EmptyPayload(t *testing.T) {
	r := New(Config{ChannelType: config.ChannelGewechat, APIKey: "key", Logger: testLogger()})
	_, err := r.Upload(context.Background(), "")
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.ErrorIs(t, err, imgbb.ErrEmptyImage)
}
