package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// client talks to a running npcworld server.
type client struct {
	base string
	http *http.Client
}

func newClient(server string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// do sends body (if not nil) as JSON and decodes a 2xx response into out (if not nil).
func (c *client) do(method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
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

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			if e.Kind != "" {
				return fmt.Errorf("server error (%d, %s): %s", resp.StatusCode, e.Kind, e.Error)
			}
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

type character struct {
	Name           string `json:"name"`
	Location       string `json:"location"`
	Activity       string `json:"activity"`
	ActiveContract string `json:"active_contract,omitempty"`
	NextPrompt     string `json:"next_prompt,omitempty"`
}

type worldStatus struct {
	Characters map[string]character `json:"characters"`
	Contracts  map[string]struct {
		Participants []string `json:"participants"`
	} `json:"contracts"`
	Turns        int  `json:"turns"`
	ClockRunning bool `json:"clock_running"`
}

type turnResult struct {
	Number     int `json:"number"`
	Resolution struct {
		Narrative string `json:"narrative"`
	} `json:"resolution"`
	Intents []struct {
		Character string `json:"character"`
		Action    string `json:"action"`
		Dialogue  string `json:"dialogue,omitempty"`
	} `json:"intents"`
	Warnings []struct {
		Phase     string `json:"phase"`
		Character string `json:"character,omitempty"`
		Message   string `json:"message"`
	} `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}
