package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fieldline/internal/domain"
)

// ErrUnavailable marks a gateway fetch/send failure. Callers degrade the
// affected operation only; prior state is never invalidated.
var ErrUnavailable = errors.New("messaging gateway unavailable")

// InboundMessage is the raw shape the external gateway returns before it is
// translated into the common conversation model.
type InboundMessage struct {
	ID        string `json:"id"`
	Chat      string `json:"chat"`
	From      string `json:"from"`
	FromName  string `json:"from_name,omitempty"`
	Body      string `json:"body"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	FromMe    bool   `json:"from_me"`
	Timestamp int64  `json:"timestamp"`
}

// Client is the external messaging surface the engine consumes. The gateway
// is pull-only: inbound traffic is fetched by chat identifier, never pushed.
type Client interface {
	FetchInbound(ctx context.Context, identifier string, sinceCheckpoint int64) ([]InboundMessage, error)
	Send(ctx context.Context, identifier, body string) error
}

// Translate converts raw gateway messages into the common Message shape for
// an order's conversation.
func Translate(in []InboundMessage, orderID string) []domain.Message {
	var out []domain.Message
	for _, raw := range in {
		out = append(out, domain.Message{
			ID:          raw.ID,
			OrderID:     orderID,
			Channel:     domain.ChannelExternal,
			SenderID:    raw.From,
			SenderName:  raw.FromName,
			Body:        raw.Body,
			MediaRef:    raw.MediaURL,
			MediaType:   raw.MediaType,
			FromCompany: raw.FromMe,
			Read:        raw.FromMe,
			Timestamp:   raw.Timestamp,
		})
	}
	return out
}

// HTTPClient talks to a gateway over its REST surface.
type HTTPClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTP(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		Token:      token,
		Timeout:    10 * time.Second,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) FetchInbound(ctx context.Context, identifier string, sinceCheckpoint int64) ([]InboundMessage, error) {
	endpoint := fmt.Sprintf("messages?chat=%s", url.QueryEscape(identifier))
	if sinceCheckpoint > 0 {
		endpoint = fmt.Sprintf("%s&since=%d", endpoint, sinceCheckpoint)
	}
	var resp struct {
		Items []InboundMessage `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp.Items, nil
}

func (c *HTTPClient) Send(ctx context.Context, identifier, body string) error {
	payload := map[string]any{"chat": identifier, "body": body}
	if err := c.do(ctx, http.MethodPost, "messages", payload, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body any, out any) error {
	// never written after construction, so concurrent callers share it safely
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
