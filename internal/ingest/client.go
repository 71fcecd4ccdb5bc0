package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradepilot/companion/internal/store"
)

const (
	// DefaultBackendURL is used when no backend URL is configured
	DefaultBackendURL = "http://localhost:8000"
	// DefaultRequestTimeout bounds every backend request
	DefaultRequestTimeout = 10 * time.Second
	// DefaultMaxRecentErrors caps the error log kept from a health sample
	DefaultMaxRecentErrors = 5

	maxBodyBytes = 1 << 20
)

// ClientConfig configures a backend Client.
type ClientConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRecentErrors   int
}

// Client talks to the trading backend over HTTP+JSON.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	rateLimiter     *rate.Limiter
	maxRecentErrors int
}

// NewClient creates a backend client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBackendURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.MaxRecentErrors <= 0 {
		cfg.MaxRecentErrors = DefaultMaxRecentErrors
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &Client{
		baseURL:         strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		rateLimiter:     rate.NewLimiter(limit, burst),
		maxRecentErrors: cfg.MaxRecentErrors,
	}
}

// ChatReply is the assistant's answer to a chat message.
type ChatReply struct {
	Response string `json:"response"`

	// ConfirmationRequired is set by backends that flag trade proposals
	// explicitly instead of relying on the prompt text.
	ConfirmationRequired bool `json:"confirmation_required,omitempty"`
}

// controlResponse is the common {status, error} envelope.
type controlResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type chatRequest struct {
	Message       string `json:"message"`
	WalletAddress string `json:"wallet_address"`
}

type alertRequest struct {
	PriceLevel json.Number `json:"price_level"`
	AlertType  string      `json:"alert_type"`
	Expiry     *string     `json:"expiry"`
}

type alertResponse struct {
	controlResponse
	Alert struct {
		ID string `json:"id"`
	} `json:"alert"`
}

type healthResponse struct {
	controlResponse
	Health struct {
		PriceFeed          string `json:"price_feed"`
		PositionMonitoring string `json:"position_monitoring"`
		ActiveMonitors     int    `json:"active_monitors"`
		RecentErrors       []struct {
			Timestamp string `json:"timestamp"`
			Error     string `json:"error"`
		} `json:"recent_errors"`
		LastPriceUpdate   *string `json:"last_price_update"`
		LastPositionCheck *string `json:"last_position_check"`
	} `json:"health"`
}

// StartMonitoring asks the backend to begin monitoring subject.
func (c *Client) StartMonitoring(ctx context.Context, subject store.Subject) error {
	return c.control(ctx, http.MethodPost, "/api/monitor/start/"+url.PathEscape(string(subject)), nil)
}

// StopMonitoring asks the backend to stop monitoring subject.
func (c *Client) StopMonitoring(ctx context.Context, subject store.Subject) error {
	return c.control(ctx, http.MethodPost, "/api/monitor/stop/"+url.PathEscape(string(subject)), nil)
}

// AddAlert registers a price alert with the backend and returns the id the
// backend assigned to it.
func (c *Client) AddAlert(ctx context.Context, subject store.Subject, alert store.PriceAlert) (string, error) {
	body := alertRequest{
		PriceLevel: json.Number(alert.PriceLevel.String()),
		AlertType:  string(alert.Direction),
	}

	q := url.Values{}
	q.Set("price_level", alert.PriceLevel.String())
	q.Set("alert_type", string(alert.Direction))
	if alert.Expiry != nil {
		expiry := alert.Expiry.UTC().Format(time.RFC3339)
		body.Expiry = &expiry
		q.Set("expiry", expiry)
	}

	path := "/api/monitor/alerts/add/" + url.PathEscape(string(subject)) + "?" + q.Encode()

	var resp alertResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if err := resp.check(); err != nil {
		return "", err
	}
	return resp.Alert.ID, nil
}

// RemoveAlert deletes a backend alert by its backend id.
func (c *Client) RemoveAlert(ctx context.Context, subject store.Subject, id string) error {
	path := "/api/monitor/alerts/" + url.PathEscape(string(subject)) + "/" + url.PathEscape(id)
	return c.control(ctx, http.MethodDelete, path, nil)
}

// FetchHealth samples the backend monitoring health for subject.
func (c *Client) FetchHealth(ctx context.Context, subject store.Subject) (store.HealthSnapshot, error) {
	var resp healthResponse
	if err := c.do(ctx, http.MethodGet, "/api/monitor/health/"+url.PathEscape(string(subject)), nil, &resp); err != nil {
		return store.HealthSnapshot{}, err
	}
	if err := resp.check(); err != nil {
		return store.HealthSnapshot{}, err
	}

	h := resp.Health
	snap := store.HealthSnapshot{
		Subsystems: map[string]store.HealthStatus{
			store.SubsystemPriceFeed:          parseHealthStatus(h.PriceFeed),
			store.SubsystemPositionMonitoring: parseHealthStatus(h.PositionMonitoring),
		},
		ActiveMonitors: h.ActiveMonitors,
		LastUpdate:     make(map[string]time.Time),
	}

	if h.LastPriceUpdate != nil {
		if t := parseTimestamp(*h.LastPriceUpdate); !t.IsZero() {
			snap.LastUpdate[store.SubsystemPriceFeed] = t
		}
	}
	if h.LastPositionCheck != nil {
		if t := parseTimestamp(*h.LastPositionCheck); !t.IsZero() {
			snap.LastUpdate[store.SubsystemPositionMonitoring] = t
		}
	}

	errs := h.RecentErrors
	if len(errs) > c.maxRecentErrors {
		errs = errs[len(errs)-c.maxRecentErrors:]
	}
	for _, e := range errs {
		snap.RecentErrors = append(snap.RecentErrors, store.HealthError{
			Timestamp: parseTimestamp(e.Timestamp),
			Message:   e.Error,
		})
	}

	snap.Status = overallHealth(snap.Subsystems)
	return snap, nil
}

// FetchPositions returns the open positions for subject.
func (c *Client) FetchPositions(ctx context.Context, subject store.Subject) ([]store.Position, error) {
	var raw json.RawMessage
	path := "/api/v1/positions?" + url.Values{"wallet": {string(subject)}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	// Plain list, or wrapped in {status, positions}
	var positions []store.Position
	if err := json.Unmarshal(raw, &positions); err == nil {
		return positions, nil
	}

	var wrapped struct {
		controlResponse
		Positions []store.Position `json:"positions"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}
	if err := wrapped.check(); err != nil {
		return nil, err
	}
	return wrapped.Positions, nil
}

// SendChat sends a user message to the assistant.
func (c *Client) SendChat(ctx context.Context, subject store.Subject, text string) (ChatReply, error) {
	var reply ChatReply
	req := chatRequest{Message: text, WalletAddress: string(subject)}
	if err := c.do(ctx, http.MethodPost, "/api/ai_agent/chat", req, &reply); err != nil {
		return ChatReply{}, err
	}
	return reply, nil
}

// ExecuteTrade asks the backend to execute the trade described by request.
func (c *Client) ExecuteTrade(ctx context.Context, subject store.Subject, request string) error {
	req := chatRequest{Message: request, WalletAddress: string(subject)}
	return c.control(ctx, http.MethodPost, "/api/ai_agent/execute-trade", req)
}

// control performs a request whose answer is a {status, error} envelope.
func (c *Client) control(ctx context.Context, method, path string, body any) error {
	var resp controlResponse
	if err := c.do(ctx, method, path, body, &resp); err != nil {
		return err
	}
	return resp.check()
}

func (r controlResponse) check() error {
	if r.Status == "" || r.Status == "success" {
		return nil
	}
	reason := r.Error
	if reason == "" {
		reason = r.Status
	}
	return &store.RemoteRejection{Reason: reason}
}

// do sends one rate-limited request. Non-2xx answers become a
// *store.RemoteRejection; network failures wrap store.ErrTransport.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait cancelled: %v", store.ErrTransport, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", store.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", store.ErrTransport, err)
	}

	slog.Debug("backend_request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &store.RemoteRejection{
			Status: resp.StatusCode,
			Reason: rejectionReason(data, resp.StatusCode),
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// rejectionReason extracts a human-readable reason from an error body.
func rejectionReason(body []byte, status int) string {
	var payload struct {
		Error   string          `json:"error"`
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		var detail string
		if len(payload.Detail) > 0 && json.Unmarshal(payload.Detail, &detail) == nil && detail != "" {
			return detail
		}
		if payload.Message != "" {
			return payload.Message
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}

func parseHealthStatus(s string) store.HealthStatus {
	switch store.HealthStatus(s) {
	case store.HealthHealthy, store.HealthWarning, store.HealthUnhealthy:
		return store.HealthStatus(s)
	}
	return store.HealthWarning
}

// overallHealth is the worst subsystem status.
func overallHealth(subsystems map[string]store.HealthStatus) store.HealthStatus {
	overall := store.HealthHealthy
	for _, s := range subsystems {
		switch s {
		case store.HealthUnhealthy:
			return store.HealthUnhealthy
		case store.HealthWarning:
			overall = store.HealthWarning
		}
	}
	return overall
}
