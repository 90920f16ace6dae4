package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultClientTimeout is the default timeout for API requests. Pipeline
// creation waits for the engine, so it gets the longer start timeout.
const (
	DefaultClientTimeout = 10 * time.Second
	StartClientTimeout   = 10 * time.Minute
)

// apiClient is the shared HTTP client with timeout.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if json.Unmarshal([]byte(e.Body), &body) == nil && body.Error != "" {
		msg := fmt.Sprintf("API error (%d): %s", e.Status, body.Error)
		if body.Message != "" {
			msg += ": " + body.Message
		}
		if body.Details != "" {
			msg += "\n" + body.Details
		}
		return msg
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

func apiDo(client *http.Client, method, path string, data any) ([]byte, error) {
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

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// apiGet performs a GET request to the API with timeout.
func apiGet(path string) ([]byte, error) {
	return apiDo(apiClient, http.MethodGet, path, nil)
}

// apiPost performs a POST request to the API with timeout.
func apiPost(path string, data any) ([]byte, error) {
	return apiDo(apiClient, http.MethodPost, path, data)
}

// apiPostSlow is apiPost for calls that wait on the engine.
func apiPostSlow(path string, data any) ([]byte, error) {
	return apiDo(&http.Client{Timeout: StartClientTimeout}, http.MethodPost, path, data)
}

func apiPut(path string, data any) ([]byte, error) {
	return apiDo(&http.Client{Timeout: StartClientTimeout}, http.MethodPut, path, data)
}

func apiDelete(path string) ([]byte, error) {
	return apiDo(apiClient, http.MethodDelete, path, nil)
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
	OK      bool   `json:"ok"`
	Storage string `json:"storage"`
	Version string `json:"version"`
	Time    string `json:"time"`
}
