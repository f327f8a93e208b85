package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const webhookTimeout = 10 * time.Second

// WebhookNotifier delivers user-facing messages through the bot gateway's
// HTTP API. The gateway owns the chat transport; this side only speaks JSON.
type WebhookNotifier struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewWebhookNotifier(baseURL, token string) *WebhookNotifier {
	return &WebhookNotifier{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: webhookTimeout},
	}
}

type webhookSendRequest struct {
	UserID   int64      `json:"userId"`
	Text     string     `json:"text"`
	Keyboard [][]string `json:"keyboard,omitempty"`
}

type webhookSendResponse struct {
	MessageID int64 `json:"messageId"`
}

type webhookDeleteRequest struct {
	UserID    int64 `json:"userId"`
	MessageID int64 `json:"messageId"`
}

func (w *WebhookNotifier) SendMain(ctx context.Context, userID int64, msg Message) (int64, error) {
	var resp webhookSendResponse
	err := w.post(ctx, "/send", webhookSendRequest{UserID: userID, Text: msg.Text, Keyboard: msg.Keyboard}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.MessageID, nil
}

func (w *WebhookNotifier) SendNotification(ctx context.Context, userID int64, text string) error {
	return w.post(ctx, "/send", webhookSendRequest{UserID: userID, Text: text}, nil)
}

func (w *WebhookNotifier) DeleteUserMessage(ctx context.Context, userID, messageID int64) error {
	return w.post(ctx, "/delete", webhookDeleteRequest{UserID: userID, MessageID: messageID}, nil)
}

func (w *WebhookNotifier) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("notify: %s: gateway status %d: %s", path, resp.StatusCode, snippet)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("notify: decode %s response: %w", path, err)
		}
	}
	return nil
}

// LogNotifier writes every message to the log instead of a chat transport.
// It stands in when no gateway is configured, which keeps local runs and
// integration tests free of network dependencies.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *LogNotifier) SendMain(ctx context.Context, userID int64, msg Message) (int64, error) {
	l.logger().Info("main message", "component", "notify", "user", userID, "text", msg.Text)
	return 0, nil
}

func (l *LogNotifier) SendNotification(ctx context.Context, userID int64, text string) error {
	l.logger().Info("notification", "component", "notify", "user", userID, "text", text)
	return nil
}

func (l *LogNotifier) DeleteUserMessage(ctx context.Context, userID, messageID int64) error {
	return ErrDeletionUnsupported
}
