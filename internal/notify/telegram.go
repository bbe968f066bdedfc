package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TelegramSender delivers via the Telegram Bot API sendMessage endpoint.
type TelegramSender struct {
	token   string
	chatIDs []string
	client  *http.Client
}

// NewTelegramSender creates a sender posting to one or more chat IDs.
func NewTelegramSender(token string, chatIDs []string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatIDs: chatIDs,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the message to every configured chat. Titles render bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	text := fmt.Sprintf("*%s*\n%s", title, message)

	for _, chatID := range t.chatIDs {
		payload, err := json.Marshal(map[string]string{
			"chat_id":    chatID,
			"text":       text,
			"parse_mode": "Markdown",
		})
		if err != nil {
			return fmt.Errorf("telegram: marshal payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("telegram: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("telegram: send to chat %s: %w", chatID, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return fmt.Errorf("telegram: chat %s status %d: %s", chatID, resp.StatusCode, string(body))
		}
		resp.Body.Close()
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }
