/**
 * @description
 * This package provides a client for the content-addressed artifact store,
 * speaking the IPFS HTTP API. Uploads are pinned and return a CID; fetching
 * a CID back is how the artifact emitter verifies an upload landed intact.
 */
package casclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for an IPFS-compatible content-addressed store.
type Client struct {
	apiURL string
	client *http.Client
}

// NewClient creates a new content-addressed store client.
func NewClient(apiURL string) *Client {
	if strings.TrimSpace(apiURL) == "" {
		apiURL = "http://127.0.0.1:5001"
	}
	return &Client{
		apiURL: strings.TrimRight(strings.TrimSpace(apiURL), "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Add uploads and pins a blob, returning its content identifier.
func (c *Client) Add(ctx context.Context, name string, data []byte) (string, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		part, err := writer.CreateFormFile("file", name)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, bytes.NewReader(data)); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = writer.Close()
	}()

	reqURL := fmt.Sprintf("%s/api/v0/add?pin=true&cid-version=1", c.apiURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if len(body) == 0 {
			return "", fmt.Errorf("cas add failed: %s", resp.Status)
		}
		return "", fmt.Errorf("cas add failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	// The add endpoint streams NDJSON; the final entry carries the root CID.
	var lastHash string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var entry struct {
			Hash string `json:"Hash"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err == nil && entry.Hash != "" {
			lastHash = entry.Hash
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if lastHash == "" {
		return "", fmt.Errorf("cas add returned empty hash")
	}
	return lastHash, nil
}

// Cat fetches a blob by content identifier.
func (c *Client) Cat(ctx context.Context, cid string) ([]byte, error) {
	if strings.TrimSpace(cid) == "" {
		return nil, fmt.Errorf("cas cat missing cid")
	}
	reqURL := fmt.Sprintf("%s/api/v0/cat?arg=%s", c.apiURL, url.QueryEscape(cid))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if len(body) == 0 {
			return nil, fmt.Errorf("cas cat failed: %s", resp.Status)
		}
		return nil, fmt.Errorf("cas cat failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}
