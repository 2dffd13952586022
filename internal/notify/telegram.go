package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"

	// requestTimeout bounds one sendMessage round trip so a stalled
	// endpoint cannot hold the calling poll cycle open.
	requestTimeout = 30 * time.Second
)

// TelegramNotifier sends digests through the Telegram Bot API.
type TelegramNotifier struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewTelegramNotifier creates a notifier for the given bot token.
func NewTelegramNotifier(token string, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		token:   token,
		baseURL: defaultTelegramAPI,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// WithBaseURL points the notifier at an alternate API endpoint.
func (n *TelegramNotifier) WithBaseURL(baseURL string) *TelegramNotifier {
	n.baseURL = baseURL
	return n
}

// sendMessageRequest is the Bot API sendMessage payload.
type sendMessageRequest struct {
	ChatID         string `json:"chat_id"`
	Text           string `json:"text"`
	ParseMode      string `json:"parse_mode,omitempty"`
	ProtectContent bool   `json:"protect_content,omitempty"`
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers text to the tenant's chat.
func (n *TelegramNotifier) Send(
	ctx context.Context,
	tenantID, text string,
	richFormatting, protectContent bool,
) error {
	payload := sendMessageRequest{
		ChatID:         tenantID,
		Text:           text,
		ProtectContent: protectContent,
	}
	if richFormatting {
		payload.ParseMode = "Markdown"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling sendMessage payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendMessage request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading sendMessage response: %w", err)
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("parsing sendMessage response (%d): %w", resp.StatusCode, err)
	}
	if !result.OK {
		return fmt.Errorf("sendMessage rejected (%d): %s", resp.StatusCode, result.Description)
	}

	n.logger.Debug("digest delivered",
		zap.String("tenant", tenantID),
		zap.Int("bytes", len(text)),
	)
	return nil
}
