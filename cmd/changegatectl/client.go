package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const apiBase = "/api/v1"

type gateClient struct {
	baseURL string
	http    *http.Client
}

func newClient() *gateClient {
	return &gateClient{
		baseURL: serverURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// newRequest builds a request carrying the acting principal headers.
func (c *gateClient) newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	if actAs != "" {
		req.Header.Set("X-User-Principal", actAs)
	}
	if actRoles != "" {
		req.Header.Set("X-User-Roles", actRoles)
	}
	return req, nil
}

// getJSON performs a GET request and decodes the response.
func (c *gateClient) getJSON(path string, v any) error {
	req, err := c.newRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// postJSON performs a POST request with an optional JSON body and decodes
// the response.
func (c *gateClient) postJSON(path string, body any, v any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := c.newRequest(http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return serverError(resp)
	}
	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// serverError surfaces the server's error code and message when the body
// carries the standard error shape, or the raw body otherwise.
func serverError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != "" {
		return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, payload.Code, payload.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
}
