package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// RESTClient talks to the durable chat endpoints that back the socket
// channel: message persistence, history, conversation listing and the
// unread-count fallback.
type RESTClient struct {
	baseURL       string
	token         string
	correlationID string
	httpClient    *http.Client
	logger        zerolog.Logger
}

// RESTOptions configures a RESTClient.
type RESTOptions struct {
	// BaseURL is the gateway origin, e.g. https://host.
	BaseURL       string
	Token         string
	CorrelationID string
	HTTPClient    *http.Client
	Logger        zerolog.Logger
}

// NewRESTClient builds a client for the chat REST collaborator.
func NewRESTClient(opts RESTOptions) *RESTClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &RESTClient{
		baseURL:       opts.BaseURL,
		token:         opts.Token,
		correlationID: opts.CorrelationID,
		httpClient:    httpClient,
		logger:        opts.Logger.With().Str("component", "rest_client").Logger(),
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// SendMessage persists a message durably and returns the stored row. The
// payload carries the same clientRef as the socket emit so the gateway
// collapses the two paths into one message.
func (c *RESTClient) SendMessage(ctx context.Context, payload SendMessagePayload) (Message, error) {
	var message Message
	err := c.do(ctx, http.MethodPost, "/api/chat/messages", nil, payload, &message)
	return message, err
}

// History fetches the message history for a conversation in chronological
// order. Limit of zero uses the server default; before, when non-zero,
// pages backwards from that timestamp.
func (c *RESTClient) History(ctx context.Context, applicationID uint, limit int, before time.Time) ([]Message, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		query.Set("before", before.Format(time.RFC3339))
	}

	var messages []Message
	path := fmt.Sprintf("/api/chat/messages/%d", applicationID)
	err := c.do(ctx, http.MethodGet, path, query, nil, &messages)
	return messages, err
}

// Conversations lists the caller's conversations with per-conversation
// unread tallies.
func (c *RESTClient) Conversations(ctx context.Context) ([]Conversation, error) {
	var conversations []Conversation
	err := c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, nil, &conversations)
	return conversations, err
}

// MarkMessageRead marks a single message as read on behalf of the caller.
func (c *RESTClient) MarkMessageRead(ctx context.Context, messageID uint) error {
	path := fmt.Sprintf("/api/chat/messages/%d/read", messageID)
	return c.do(ctx, http.MethodPut, path, nil, nil, nil)
}

// DeleteMessage removes one of the caller's own messages.
func (c *RESTClient) DeleteMessage(ctx context.Context, messageID uint) error {
	path := fmt.Sprintf("/api/chat/messages/%d", messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// DeleteConversation removes every message in a conversation.
func (c *RESTClient) DeleteConversation(ctx context.Context, applicationID uint) error {
	path := fmt.Sprintf("/api/chat/conversations/%d", applicationID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

type unreadCountResponse struct {
	Total int64 `json:"total"`
}

// UnreadCount fetches the authoritative total unread tally. Used as the
// fallback baseline when the conversations call fails.
func (c *RESTClient) UnreadCount(ctx context.Context) (int64, error) {
	var response unreadCountResponse
	err := c.do(ctx, http.MethodGet, "/api/chat/unread-count", nil, nil, &response)
	return response.Total, err
}

// SearchApplications lists the caller's applications, optionally narrowed
// to those shared with a counterpart. Used during placeholder resolution.
func (c *RESTClient) SearchApplications(ctx context.Context, counterpartID string) ([]Application, error) {
	query := url.Values{}
	if counterpartID != "" {
		query.Set("counterpartId", counterpartID)
	}

	var applications []Application
	err := c.do(ctx, http.MethodGet, "/api/applications/", query, nil, &applications)
	return applications, err
}

// ApplicationCreate is the request body for creating an inquiry application.
type ApplicationCreate struct {
	TeacherID   string `json:"teacherId"`
	SchoolID    string `json:"schoolId"`
	TeacherName string `json:"teacherName,omitempty"`
	SchoolName  string `json:"schoolName,omitempty"`
}

// CreateApplication resolves or creates the application record backing a
// conversation between two parties.
func (c *RESTClient) CreateApplication(ctx context.Context, req ApplicationCreate) (Application, error) {
	var application Application
	err := c.do(ctx, http.MethodPost, "/api/applications/", nil, req, &application)
	return application, err
}

func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.correlationID != "" {
		req.Header.Set("X-Correlation-ID", c.correlationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s %s: decode response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !envelope.Success {
		return fmt.Errorf("%s %s: %s (status %d)", method, path, envelope.Message, resp.StatusCode)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}
