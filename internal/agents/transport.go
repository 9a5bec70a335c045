package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"showrunner/internal/config"
	"showrunner/internal/failover"
	"showrunner/internal/services"
)

const (
	userAgent       = "Showrunner-Go/0.1.0"
	executePath     = "/v1/execute"
	maxErrorBody    = 2048
	maxAudioBody    = 64 << 20
	defaultBodySize = 8 << 20
)

// executeEnvelope is the typed JSON response every non-audio provider call
// returns under the execute contract.
type executeEnvelope struct {
	Output       any `json:"output"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Characters   int `json:"characters"`
}

// Transport builds provider HTTP requests for the failover manager. One
// instance serves every provider; per-call timeouts come from the manager.
type Transport struct {
	client *http.Client
	clock  func() time.Time
}

// TransportOption customizes transport construction.
type TransportOption func(*Transport)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *Transport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithTransportClock overrides the time source (tests).
func WithTransportClock(clock func() time.Time) TransportOption {
	return func(t *Transport) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTransport returns a transport usable as the failover manager's Call.
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		client: &http.Client{},
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Call satisfies the failover.Call contract: it posts the operation payload
// to the provider's execute endpoint and decodes the typed response. Audio
// responses (non-JSON content types) are passed through as raw bytes.
func (t *Transport) Call(ctx context.Context, provider config.Provider, req failover.Request) (*failover.Response, error) {
	body, err := json.Marshal(map[string]any{
		"operation": req.Operation,
		"model":     req.Model,
		"payload":   req.Payload,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrPermanent, "", req.Operation, "encode provider request", err)
	}

	endpoint := strings.TrimRight(provider.BaseURL, "/") + executePath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrPermanent, "", req.Operation, "build provider request", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Content-Type", "application/json")
	if key := provider.APIKey(); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	start := t.clock()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		// Network errors never carry the request; the URL in err is safe, the
		// Authorization header is not part of it.
		return nil, services.Wrap(services.ErrTransient, "", req.Operation, "provider request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, statusError(resp, req.Operation, provider.Name)
	}

	out := &failover.Response{
		Provider: provider.Name,
		Model:    req.Model,
		Latency:  t.clock().Sub(start),
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var envelope executeEnvelope
		if err := json.NewDecoder(io.LimitReader(resp.Body, defaultBodySize)).Decode(&envelope); err != nil {
			return nil, services.Wrap(services.ErrTransient, "", req.Operation, "decode provider response", err)
		}
		out.Output = envelope.Output
		out.InputTokens = envelope.InputTokens
		out.OutputTokens = envelope.OutputTokens
		out.Characters = envelope.Characters
		return out, nil
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBody))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "", req.Operation, "read audio response", err)
	}
	out.Output = audio
	return out, nil
}

// statusError maps provider HTTP status codes onto the error taxonomy:
// 429 is rate limited, other 4xx are permanent, everything else transient.
func statusError(resp *http.Response, operation, provider string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(body))
	message := fmt.Sprintf("provider %s returned %d", provider, resp.StatusCode)
	if detail != "" {
		message = fmt.Sprintf("%s: %s", message, detail)
	}

	marker := services.ErrTransient
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		marker = services.ErrRateLimited
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		marker = services.ErrPermanent
	}
	return services.Wrap(marker, "", operation, message, nil)
}
