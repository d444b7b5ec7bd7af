package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fentz26/jetdeploy/internal/loghub"
	"github.com/fentz26/jetdeploy/internal/tui"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// apiClient is the shared HTTP client with timeout. Deploy and run requests
// return as soon as the job is accepted, so the timeout also covers them.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

func apiDo(method, path string, data interface{}) ([]byte, error) {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(jsonData)
	}
	req, err := http.NewRequest(method, apiAddr+path, body)
	if err != nil {
		return nil, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var er struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(out, &er) == nil && er.Error != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, er.Kind, er.Error)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(out))
	}
	return out, nil
}

// apiGet performs a GET request to the API with timeout.
func apiGet(path string, out interface{}) error {
	body, err := apiDo(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeInto(body, out)
}

// apiPost performs a POST request to the API with timeout.
func apiPost(path string, data, out interface{}) error {
	body, err := apiDo(http.MethodPost, path, data)
	if err != nil {
		return err
	}
	return decodeInto(body, out)
}

// apiDelete performs a DELETE request to the API with timeout.
func apiDelete(path string) error {
	_, err := apiDo(http.MethodDelete, path, nil)
	return err
}

func decodeInto(body []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// followLogs prints a job's log until its end event.
func followLogs(ctx context.Context, path string) error {
	return tui.NewClient(apiAddr).Follow(ctx, path, func(e loghub.Entry) error {
		switch e.Kind {
		case loghub.KindStatus:
			fmt.Printf("==> %s\n", e.Line)
		case loghub.KindLog:
			if e.Stream == "stderr" {
				fmt.Fprintln(os.Stderr, e.Line)
			} else {
				fmt.Println(e.Line)
			}
		}
		return nil
	})
}

// CheckHealth checks if the daemon is healthy and returns the health response.
// Unlike other API calls, this returns the parsed HealthResponse even on non-200
// responses, allowing callers to inspect the health payload alongside the error.
func CheckHealth() (*HealthResponse, error) {
	resp, err := apiClient.Get(apiAddr + "/health")
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, string(body))
	}
	return &health, nil
}

// HealthResponse matches the server's health response structure.
type HealthResponse struct {
	OK       bool   `json:"ok"`
	DB       string `json:"db"`
	Version  string `json:"version"`
	Time     string `json:"time"`
	Sessions int    `json:"sessions"`
}
