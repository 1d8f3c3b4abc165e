package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 5 * time.Minute}}
}

type apiError struct {
	Status int `json:"status"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *apiClient) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	return json.Unmarshal(data, out)
}

func decodeError(status int, data []byte) error {
	var e apiError
	if err := json.Unmarshal(data, &e); err != nil || e.Error.Code == "" {
		return fmt.Errorf("coordinator returned %d: %s", status, strings.TrimSpace(string(data)))
	}
	return fmt.Errorf("%s: %s", e.Error.Code, e.Error.Message)
}

func (c *apiClient) upload(ctx context.Context, path, owner, visibility string, out any) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	_ = mw.WriteField("owner", owner)
	_ = mw.WriteField("visibility", visibility)
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/content", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req, out)
}

// fetch returns the content, or the pending-state body when the coordinator
// is still reconstructing it. sig is the device's signature over the read.
func (c *apiClient) fetch(ctx context.Context, contentID, identity string, sig []byte, wait time.Duration) ([]byte, json.RawMessage, error) {
	url := c.base + "/content/" + contentID
	if wait > 0 {
		url += "?wait=" + wait.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("X-Recovery-Identity", identity)
	req.Header.Set("X-Recovery-Signature", hex.EncodeToString(sig))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return data, nil, nil
	case http.StatusAccepted:
		return nil, data, nil
	default:
		return nil, nil, decodeError(resp.StatusCode, data)
	}
}
