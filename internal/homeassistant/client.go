// Package homeassistant drives switch entities through the Home Assistant REST
// and websocket APIs.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/sceneswitch/internal/switches"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	URL          string
	Token        string
	Timeout      time.Duration
	RateLimitRPS float64 // service calls per second, 0 = unlimited
	Retry        RetryConfig
}

// Client talks to the Home Assistant REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryConfig
}

// EntityState is one entry of GET /api/states.
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	LastChanged string                 `json:"last_changed,omitempty"`
}

// NewClient creates a new Home Assistant client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimitRPS > 0 {
		burst := int(cfg.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		retry:      cfg.Retry,
	}
}

// Ping checks that the API is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodGet, "/api/", nil); err != nil {
		return fmt.Errorf("failed to reach Home Assistant: %w", err)
	}
	return nil
}

// States fetches the state of every entity.
func (c *Client) States(ctx context.Context) ([]EntityState, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/states", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching states: %w", err)
	}

	var entities []EntityState
	if err := json.Unmarshal(resp, &entities); err != nil {
		return nil, fmt.Errorf("parsing states: %w", err)
	}
	return entities, nil
}

// SetState switches every entity in ids with a single homeassistant.turn_on/turn_off call.
func (c *Client) SetState(ctx context.Context, ids []string, state switches.State) error {
	var service string
	switch state {
	case switches.On:
		service = "turn_on"
	case switches.Off:
		service = "turn_off"
	default:
		return fmt.Errorf("cannot set state %q", state)
	}
	return c.CallService(ctx, "homeassistant", service, ids)
}

// CallService invokes a service against the given entities.
func (c *Client) CallService(ctx context.Context, domain, service string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]interface{}{"entity_id": ids})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	if _, err := c.doRequest(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("calling %s.%s: %w", domain, service, err)
	}

	log.Debug().
		Str("service", domain+"."+service).
		Strs("entities", ids).
		Msg("Home Assistant service called")
	return nil
}

// WebsocketURL returns the websocket endpoint derived from the REST base URL.
func (c *Client) WebsocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid Home Assistant URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// Close closes the client
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var respBody []byte

	err := withRetry(ctx, c.retry, func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return permanent(fmt.Errorf("creating request: %w", err))
		}

		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return permanent(fmt.Errorf("unauthorized: check your Home Assistant token"))
		case isRetryableHTTPStatus(resp.StatusCode):
			return fmt.Errorf("home assistant API error %d (retryable): %s", resp.StatusCode, string(respBody))
		case resp.StatusCode >= 400:
			return permanent(fmt.Errorf("home assistant API error %d: %s", resp.StatusCode, string(respBody)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return respBody, nil
}
