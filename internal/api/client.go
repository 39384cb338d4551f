package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/nuvion/edge-agent/internal/auth"
	"github.com/nuvion/edge-agent/internal/logging"
)

var log = logging.L("api")

const (
	requestTimeout = 10 * time.Second
	uploadTimeout  = 60 * time.Second
)

// Clip upload lifecycle states reported to the server.
const (
	ClipStatusUploading = "UPLOADING"
	ClipStatusReady     = "READY"
	ClipStatusFailed    = "FAILED"
)

// Client performs authenticated JSON requests against the signaling server.
// Failures never surface as errors to callers: they are logged and reported
// as a nil/false result, matching the agent's log-and-drop policy.
type Client struct {
	baseURL    string
	serverHost string
	tokens     *auth.Holder
	hc         *http.Client
	uploadHC   *http.Client
}

// New creates an API client. tokens supplies the bearer credential and is
// refreshed once on a 401 response.
func New(baseURL string, tokens *auth.Holder) *Client {
	host := ""
	if u, err := url.Parse(baseURL); err == nil {
		host = u.Host
	}
	return &Client{
		baseURL:    baseURL,
		serverHost: host,
		tokens:     tokens,
		hc:         &http.Client{Timeout: requestTimeout},
		uploadHC:   &http.Client{Timeout: uploadTimeout},
	}
}

// Request performs an authenticated JSON request and returns the raw response
// body, or nil on any failure. A 401 clears the token, refreshes it and
// retries exactly once.
func (c *Client) Request(ctx context.Context, method, path string, payload any) json.RawMessage {
	return c.do(ctx, method, path, payload, true)
}

func (c *Client) do(ctx context.Context, method, path string, payload any, retry bool) json.RawMessage {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			log.Warn("request payload marshal failed", "path", path, "error", err)
			return nil
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		log.Warn("request build failed", "path", path, "error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	token := c.tokens.Get()
	if token == "" {
		token = c.tokens.Refresh()
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		log.Warn("request failed", "method", method, "path", path, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && retry {
		c.tokens.Set("")
		if c.tokens.Refresh() != "" {
			return c.do(ctx, method, path, payload, false)
		}
		log.Warn("request unauthorized and re-login failed", "method", method, "path", path)
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("request rejected", "method", method, "path", path, "status", resp.StatusCode)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn("response read failed", "method", method, "path", path, "error", err)
		return nil
	}
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}

// UploadTarget is the server-issued destination for one media object.
type UploadTarget struct {
	ObjectName string `json:"objectName"`
	UploadURL  string `json:"uploadUrl"`
}

// RequestUploadURL asks the server for a clip upload target. Returns nil on
// failure or when the response is missing either field.
func (c *Client) RequestUploadURL(ctx context.Context, contentType string) *UploadTarget {
	raw := c.Request(ctx, http.MethodPost, "/devices/media/upload-url", map[string]string{
		"type":        "CLIP",
		"contentType": contentType,
	})
	if raw == nil {
		return nil
	}

	var parsed struct {
		Data UploadTarget `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		log.Warn("upload-url response decode failed", "error", err)
		return nil
	}
	if parsed.Data.ObjectName == "" || parsed.Data.UploadURL == "" {
		log.Warn("upload-url response incomplete")
		return nil
	}
	return &parsed.Data
}

// UpdateClipStatus reports the clip lifecycle state for an object.
func (c *Client) UpdateClipStatus(ctx context.Context, objectName, status string) {
	c.Request(ctx, http.MethodPatch, "/devices/media/clip-status", map[string]string{
		"objectName": objectName,
		"status":     status,
	})
}

// UploadFile PUTs the file at path to uploadURL. The bearer token is attached
// only when the upload host matches the signaling server host; presigned URLs
// are self-authenticating.
func (c *Client) UploadFile(ctx context.Context, uploadURL, path, contentType string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("clip read failed", "path", path, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		log.Warn("upload request build failed", "error", err)
		return false
	}
	req.Header.Set("Content-Type", contentType)

	if u, err := url.Parse(uploadURL); err == nil && c.serverHost != "" && u.Host == c.serverHost {
		if token := c.tokens.Get(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.uploadHC.Do(req)
	if err != nil {
		log.Warn("upload failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("upload rejected", "status", resp.StatusCode)
		return false
	}
	return true
}
