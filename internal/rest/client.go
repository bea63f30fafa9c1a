package rest

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

	"go.uber.org/zap"

	"github.com/reclaimapp/messenger/internal/config"
	"github.com/reclaimapp/messenger/internal/model"
	"github.com/reclaimapp/messenger/internal/transport"
)

// APIError is a non-2xx REST response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Body)
}

// Temporary reports whether retrying the request could help.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Client talks to the Reclaim REST API. It shares the push channel's message
// wire format so both paths normalize identically.
type Client struct {
	base       string
	credential string
	http       *http.Client
	log        *zap.Logger
}

func New(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		base:       cfg.ServerURL,
		credential: cfg.Credential,
		http:       &http.Client{Timeout: 30 * time.Second},
		log:        logger.Named("rest"),
	}
}

// wireConversation is the REST representation of a conversation. Timestamps
// are unix milliseconds.
type wireConversation struct {
	ID           string                 `json:"id"`
	Participants []string               `json:"participants"`
	LastMessage  *transport.WireMessage `json:"last_message,omitempty"`
	UnreadCount  int                    `json:"unread_count"`
	UpdatedAt    int64                  `json:"updated_at"`
}

func (w *wireConversation) toModel() *model.Conversation {
	c := &model.Conversation{
		ID:           w.ID,
		Participants: w.Participants,
		UnreadCount:  w.UnreadCount,
		UpdatedAt:    time.UnixMilli(w.UpdatedAt),
	}
	if w.LastMessage != nil {
		c.LastMessage = w.LastMessage.ToModel(w.ID)
	}
	return c
}

// Conversations fetches the full conversation list.
func (c *Client) Conversations(ctx context.Context) ([]*model.Conversation, error) {
	var wire []*wireConversation
	if err := c.get(ctx, "/conversations", &wire); err != nil {
		return nil, err
	}
	out := make([]*model.Conversation, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toModel())
	}
	return out, nil
}

// Messages fetches one page of a conversation's messages, newest-last.
func (c *Client) Messages(ctx context.Context, convID string, limit, offset int) ([]*model.Message, error) {
	path := fmt.Sprintf("/conversations/%s/messages?limit=%s&offset=%s",
		url.PathEscape(convID), strconv.Itoa(limit), strconv.Itoa(offset))
	var wire []*transport.WireMessage
	if err := c.get(ctx, path, &wire); err != nil {
		return nil, err
	}
	out := make([]*model.Message, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.ToModel(convID))
	}
	return out, nil
}

// SendMessage posts a message over REST, the fallback path when a push-channel
// send was never confirmed. The client temp id rides along so the server can
// deduplicate against a send that did arrive; the returned message always
// carries it for correlation.
func (c *Client) SendMessage(ctx context.Context, convID, tempID, body string) (*model.Message, error) {
	path := "/conversations/" + url.PathEscape(convID) + "/messages"
	req := transport.WireMessage{ClientTempID: tempID, Content: body}
	var resp transport.WireMessage
	if err := c.post(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	m := resp.ToModel(convID)
	if m.TempID == "" {
		m.TempID = tempID
	}
	return m, nil
}

// MarkRead reports the given messages as read.
func (c *Client) MarkRead(ctx context.Context, convID string, messageIDs []string) error {
	path := "/conversations/" + url.PathEscape(convID) + "/read"
	req := struct {
		MessageIDs []string `json:"message_ids"`
	}{MessageIDs: messageIDs}
	return c.post(ctx, path, req, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.credential)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn("request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Path),
			zap.Int("status", resp.StatusCode))
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
