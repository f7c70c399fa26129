package fieldlinesdk

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
)

// Client is a minimal Fieldline HTTP API client.
type Client struct {
	BaseURL     string
	CompanyID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, companyID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		CompanyID: companyID,
		Timeout:   10 * time.Second,
	}
}

// Order represents the API work order model (partial).
type Order struct {
	ID          string  `json:"id"`
	CompanyID   string  `json:"company_id"`
	Code        string  `json:"code"`
	ClientName  string  `json:"client_name"`
	Address     string  `json:"address"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	Description string  `json:"description"`
}

// Message is one entry in an order conversation.
type Message struct {
	ID          string `json:"id"`
	Channel     string `json:"channel"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name,omitempty"`
	Body        string `json:"body"`
	FromCompany bool   `json:"from_company"`
	Timestamp   int64  `json:"timestamp"`
}

// Conversation is the merged timeline for an order.
type Conversation struct {
	Items    []Message `json:"items"`
	Degraded bool      `json:"degraded,omitempty"`
}

// Notification is a milestone notice.
type Notification struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	OrderID   string `json:"order_id,omitempty"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Audience  string `json:"audience,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedOrders wraps list responses with cursors.
type PaginatedOrders struct {
	Items      []Order `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateOrder creates a work order.
func (c *Client) CreateOrder(ctx context.Context, clientName, address, assigneeID, description string) (Order, error) {
	body := map[string]any{
		"client_name": clientName,
		"address":     address,
		"assignee_id": assigneeID,
		"description": description,
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, c.companyPath("orders"), body, &resp)
	return resp, err
}

// Orders returns a paginated order listing.
func (c *Client) Orders(ctx context.Context, limit int, cursor string) (PaginatedOrders, error) {
	endpoint := c.companyPath("orders")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedOrders
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetOrder fetches a work order by id.
func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var resp Order
	endpoint := fmt.Sprintf("v0/orders/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetStatus moves an order along the status graph.
func (c *Client) SetStatus(ctx context.Context, id, status string) (Order, error) {
	var resp Order
	endpoint := fmt.Sprintf("v0/orders/%s/status", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// AcceptOrder accepts an order as the authenticated actor.
func (c *Client) AcceptOrder(ctx context.Context, id string) (Order, error) {
	var resp Order
	endpoint := fmt.Sprintf("v0/orders/%s/accept", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// WriteStage writes one checklist stage of an order.
func (c *Client) WriteStage(ctx context.Context, orderID string, stage int, payload any) error {
	endpoint := fmt.Sprintf("v0/orders/%s/stages/%d", url.PathEscape(orderID), stage)
	return c.do(ctx, http.MethodPut, endpoint, map[string]any{"payload": payload}, nil)
}

// GetConversation returns the merged conversation for an order.
func (c *Client) GetConversation(ctx context.Context, orderID string) (Conversation, error) {
	var resp Conversation
	endpoint := fmt.Sprintf("v0/orders/%s/conversation", url.PathEscape(orderID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SendMessage posts a message to an order conversation.
func (c *Client) SendMessage(ctx context.Context, orderID, body string, external bool) (Message, error) {
	var resp Message
	endpoint := fmt.Sprintf("v0/orders/%s/messages", url.PathEscape(orderID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"body": body, "external": external}, &resp)
	return resp, err
}

// Notifications returns recent notifications for the company.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := c.companyPath("notifications")
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.companyPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) companyPath(p string) string {
	company := url.PathEscape(c.CompanyID)
	return fmt.Sprintf("v0/companies/%s/%s", company, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
