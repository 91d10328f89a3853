// SPDX-License-Identifier: MIT

// Package streamconfig provides a client for the stream-configuration store
// (spec.md §6): the external collaborator the Session Supervisor re-reads
// each segment for the current segment duration and audio-recording flag,
// independent of the local on-disk stream definitions in internal/config.
//
// This split exists because spec.md treats the configuration store as a
// logically distinct, per-segment-polled collaborator, whereas
// internal/config's local YAML file is read once at startup to learn which
// streams to start in the first place.
package streamconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Config is the tuning parameters the Session Supervisor re-reads each
// segment (spec.md §4.3(b)).
type Config struct {
	SegmentDuration time.Duration
	RecordAudio     bool
}

// Store is the collaborator interface consumed by the Session Supervisor
// (spec.md §6 "get_config(stream_name) -> (segment_duration, record_audio,
// …) | not_found"). ok reports whether a record exists for streamName; if
// not, the Session Supervisor keeps its own current values per spec.md
// §4.3(b).
type Store interface {
	GetConfig(ctx context.Context, streamName string) (cfg Config, ok bool, err error)
}

// DefaultTimeout is the default HTTP request timeout for Client.
const DefaultTimeout = 5 * time.Second

// Client is an HTTP client for the stream-configuration store's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient returns a Client talking to the configuration store at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type configResponse struct {
	SegmentDurationSeconds int  `json:"segment_duration_seconds"`
	RecordAudio            bool `json:"record_audio"`
}

// GetConfig fetches the current tuning parameters for streamName. A 404
// response is reported as ok == false, matching spec.md's "not_found" case
// rather than as an error.
func (c *Client) GetConfig(ctx context.Context, streamName string) (Config, bool, error) {
	url := fmt.Sprintf("%s/v1/streams/%s/config", c.baseURL, streamName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Config{}, false, fmt.Errorf("streamconfig: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Config{}, false, fmt.Errorf("streamconfig: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return Config{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Config{}, false, fmt.Errorf("streamconfig: unexpected status %d", resp.StatusCode)
	}

	var raw configResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Config{}, false, fmt.Errorf("streamconfig: decode response: %w", err)
	}

	return Config{
		SegmentDuration: time.Duration(raw.SegmentDurationSeconds) * time.Second,
		RecordAudio:     raw.RecordAudio,
	}, true, nil
}
