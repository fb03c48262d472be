package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// APIClient is a thin JSON client for the daemon HTTP API.
type APIClient struct {
	baseURL string
	http    *http.Client
}

// NewAPIClient creates a client for the given base URL.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// GetClient builds an APIClient from the current CLI globals.
func GetClient() *APIClient {
	return NewAPIClient(GetAPIEndpoint())
}

// GetClientOrDie probes the daemon and exits with a styled error when it is
// unreachable.
func GetClientOrDie() *APIClient {
	c := GetClient()
	var out map[string]any
	if err := c.Get("/health", &out); err != nil {
		Error(fmt.Sprintf("daemon not reachable at %s: %v", c.baseURL, err))
		Info("start it with: solverbondd --config <path>")
		os.Exit(1)
	}
	return c
}

// Get issues a GET and decodes the JSON response into out.
func (c *APIClient) Get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (c *APIClient) Post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *APIClient) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// loadJSONFile parses an arbitrary JSON document for pass-through posting.
func loadJSONFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// printJSON writes v as indented JSON to stdout, for --output json.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
