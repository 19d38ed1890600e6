package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// client calls the autopilotd API.
type client struct {
	base  string
	actor string
	http  *http.Client
}

func newClient(timeout time.Duration) *client {
	return &client{
		base:  strings.TrimRight(serverURL, "/"),
		actor: actor,
		http:  &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status   int
	Message  string
	Problems []string
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
	for _, p := range e.Problems {
		msg += "\n  - " + p
	}
	return msg
}

// do sends one request and decodes a JSON response into out, which may
// be nil.
func (c *client) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Actor", c.actor)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", c.base+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error    string   `json:"error"`
			Message  string   `json:"message"`
			Problems []string `json:"problems"`
		}
		apiErr := &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		if json.Unmarshal(body, &e) == nil {
			if e.Error != "" {
				apiErr.Message = e.Error
			} else if e.Message != "" {
				apiErr.Message = e.Message
			}
			apiErr.Problems = e.Problems
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
