// Package telegram delivers bot messages via the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/tidwall/gjson"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Sender defines the interface for message delivery implementations.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Client sends messages through the Bot API.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	token   string
}

// New creates a Bot API client. An empty baseURL selects DefaultBaseURL.
func New(client *http.Client, token, baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:  client,
		logger:  logger,
		baseURL: baseURL,
		token:   token,
	}
}

// sendRequest is the Bot API sendMessage payload. All outgoing messages use
// HTML parse mode.
type sendRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
	NoPreview bool   `json:"disable_web_page_preview"`
}

// Send delivers an HTML-formatted message to chatID. Client-side API
// rejections are not retried.
func (c *Client) Send(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(sendRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
		NoPreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.baseURL+"/bot"+c.token+"/sendMessage", bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			startTime := time.Now()
			resp, err := c.client.Do(req)
			if err != nil {
				c.logger.Warn("Bot API request failed, will retry",
					"chat_id", chatID,
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("Bot API request completed",
				"method", "sendMessage",
				"chat_id", chatID,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(startTime).Milliseconds())

			if resp.StatusCode == http.StatusOK {
				return nil
			}

			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			sendErr := fmt.Errorf("sendMessage HTTP %d: %s", resp.StatusCode, respBody)

			// 429 and server errors are transient; everything else
			// (blocked bot, bad chat id, markup errors) is final
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
				return sendErr
			}
			return retry.Unrecoverable(sendErr)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Telegram send after error", "attempt", n, "chat_id", chatID, "error", err)
		}),
	)
}

// memberStatuses are the getChatMember statuses that count as belonging to
// the chat.
var memberStatuses = map[string]bool{
	"creator":       true,
	"administrator": true,
	"member":        true,
	"restricted":    true,
}

// IsMember reports whether userID belongs to the given channel or group.
func (c *Client) IsMember(ctx context.Context, chat string, userID int64) (bool, error) {
	url := fmt.Sprintf("%s/bot%s/getChatMember?chat_id=%s&user_id=%d", c.baseURL, c.token, chat, userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("get chat member: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}

	result := gjson.ParseBytes(body)
	if !result.Get("ok").Bool() {
		return false, fmt.Errorf("getChatMember failed: %s", result.Get("description").String())
	}

	status := result.Get("result.status").String()
	c.logger.Debug("Membership checked", "chat", chat, "user_id", userID, "status", status)
	return memberStatuses[status], nil
}

// ErrSendFailed is the error injected by a failing Mock.
var ErrSendFailed = errors.New("mock send failed")

// SentMessage records one delivery through a Mock.
type SentMessage struct {
	ChatID string
	Text   string
}

// Mock is a recording sender for local development and tests. Background
// workers send concurrently with webhook replies, so recording is locked.
type Mock struct {
	logger *slog.Logger
	Fail   map[string]bool // chat ids whose sends fail
	mu     sync.Mutex
	Sent   []SentMessage
}

// NewMock creates a recording sender.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// Send records the message instead of delivering it.
func (m *Mock) Send(_ context.Context, chatID, text string) error {
	if m.Fail[chatID] {
		return ErrSendFailed
	}
	m.logger.Info("MOCK MESSAGE", "chat_id", chatID, "text_length", len(text))
	m.mu.Lock()
	m.Sent = append(m.Sent, SentMessage{ChatID: chatID, Text: text})
	m.mu.Unlock()
	return nil
}

// Messages returns a snapshot of everything sent so far.
func (m *Mock) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

// IsMember treats everyone as a member.
func (m *Mock) IsMember(_ context.Context, chat string, userID int64) (bool, error) {
	m.logger.Debug("MOCK MEMBERSHIP", "chat", chat, "user_id", userID)
	return true, nil
}
