package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hivault/internal/models"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	httpTimeoutEnvKey  = "HIVAULT_HTTP_TIMEOUT"
	apiTokenEnvKey     = "HIVAULT_API_TOKEN"

	// MaxUploadBytes is the largest payload the media upload service accepts.
	MaxUploadBytes = 10 << 20
	// MaxFetchBytes bounds how much of a source URL is read into memory.
	MaxFetchBytes = 64 << 20
)

// Client talks to the signing and media upload services and fetches asset
// bytes from arbitrary source URLs.
type Client struct {
	baseURL   string
	http      *http.Client
	authToken string
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: httpTimeoutFromEnv()},
		authToken: strings.TrimSpace(os.Getenv(apiTokenEnvKey)),
	}
}

// WithHTTPClient replaces the transport, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.http = hc
	}
	return c
}

// SignRead asks the signing service for a fresh download url for key.
func (c *Client) SignRead(ctx context.Context, key string) (models.SignedRead, error) {
	var resp models.SignedRead
	if strings.TrimSpace(key) == "" {
		return resp, fmt.Errorf("key is required")
	}
	if err := c.do(ctx, http.MethodPost, "/api/upload/sign-read", SignReadRequest{Key: key}, &resp); err != nil {
		return resp, err
	}
	if strings.TrimSpace(resp.DownloadURL) == "" {
		return resp, &APIError{Status: http.StatusOK, Message: "signing service returned no downloadUrl"}
	}
	return resp, nil
}

// UploadMedia sends data as a multipart file to the media upload service.
func (c *Client) UploadMedia(ctx context.Context, filename string, data []byte) (models.MediaUpload, error) {
	var resp models.MediaUpload
	if len(data) == 0 {
		return resp, fmt.Errorf("empty file is not allowed")
	}
	if len(data) > MaxUploadBytes {
		return resp, fmt.Errorf("file too large for media upload (max %d bytes)", MaxUploadBytes)
	}
	filename = strings.TrimSpace(filepath.Base(filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		filename = fmt.Sprintf("upload-%d.bin", time.Now().UnixMilli())
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return resp, err
	}
	if _, err := part.Write(data); err != nil {
		return resp, err
	}
	if err := writer.Close(); err != nil {
		return resp, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/media/upload", body)
	if err != nil {
		return resp, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setAuthHeader(req)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return resp, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return resp, decodeError(httpResp)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("decode upload response: %w", err)
	}
	if strings.TrimSpace(resp.ID) == "" {
		return resp, &APIError{Status: httpResp.StatusCode, Message: "upload response missing id"}
	}
	return resp, nil
}

// Fetch downloads rawURL. Non-2xx responses are returned as *APIError.
func (c *Client) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	var result FetchResult
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return result, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return result, &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("fetch %s: %s", rawURL, resp.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBytes+1))
	if err != nil {
		return result, err
	}
	if len(data) > MaxFetchBytes {
		return result, fmt.Errorf("fetch %s: body exceeds %d bytes", rawURL, MaxFetchBytes)
	}

	result.Data = data
	result.ContentType = resp.Header.Get("Content-Type")
	if result.ContentType == "" {
		result.ContentType = http.DetectContentType(data)
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errResp); err == nil && errResp.Error != "" {
		return &APIError{Status: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
	}
	return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("api error: %s", resp.Status)}
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.authToken == "" || req == nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
}

func httpTimeoutFromEnv() time.Duration {
	value := strings.TrimSpace(os.Getenv(httpTimeoutEnvKey))
	if value == "" {
		return defaultHTTPTimeout
	}

	if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
		return duration
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return defaultHTTPTimeout
}
