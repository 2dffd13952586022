// Package bot runs the messaging-channel command loop. It long-polls
// for tenant commands and dispatches them to the management service;
// all mail processing lives in the poller, the bot only carries
// commands and replies.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ndhoang/sparrowmail/internal/admin"
	"github.com/ndhoang/sparrowmail/internal/notify"
)

const (
	defaultAPI     = "https://api.telegram.org"
	longPollWindow = 30 * time.Second
)

// update is one entry from the Bot API getUpdates response.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

// Bot dispatches tenant commands to the management service.
type Bot struct {
	token    string
	baseURL  string
	client   *http.Client
	admin    *admin.Service
	notifier notify.Notifier
	logger   *zap.Logger

	offset int64
}

// New creates the command bot.
func New(token string, adminSvc *admin.Service, notifier notify.Notifier, logger *zap.Logger) *Bot {
	return &Bot{
		token:    token,
		baseURL:  defaultAPI,
		client:   &http.Client{Timeout: longPollWindow + 10*time.Second},
		admin:    adminSvc,
		notifier: notifier,
		logger:   logger,
	}
}

// WithBaseURL points the bot at an alternate API endpoint.
func (b *Bot) WithBaseURL(baseURL string) *Bot {
	b.baseURL = baseURL
	return b
}

// Run long-polls for commands until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			b.logger.Info("bot stopped")
			return
		}

		updates, err := b.fetchUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			b.logger.Warn("fetching updates", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			b.dispatch(ctx, strconv.FormatInt(u.Message.Chat.ID, 10), u.Message.Text)
		}
	}
}

func (b *Bot) fetchUpdates(ctx context.Context) ([]update, error) {
	q := url.Values{}
	q.Set("timeout", strconv.Itoa(int(longPollWindow/time.Second)))
	if b.offset > 0 {
		q.Set("offset", strconv.FormatInt(b.offset, 10))
	}

	reqURL := fmt.Sprintf("%s/bot%s/getUpdates?%s", b.baseURL, b.token, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building getUpdates request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getUpdates request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading getUpdates response: %w", err)
	}

	var result updatesResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing getUpdates response: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("getUpdates rejected (%d)", resp.StatusCode)
	}
	return result.Result, nil
}

// dispatch routes one command to the management service and sends the
// reply back to the chat.
func (b *Bot) dispatch(ctx context.Context, tenantID, text string) {
	command, args := splitCommand(text)

	var reply string
	switch command {
	case "/start", "/help":
		reply = helpText
	case "/checkmail":
		reply = b.admin.PollNow(tenantID)
	case "/accounts":
		reply = b.admin.ListAccounts(tenantID)
	case "/name":
		parts := strings.SplitN(args, " ", 2)
		if len(parts) < 2 || parts[1] == "" {
			reply = "Usage: /name <number or address> <new name>"
		} else {
			reply = b.admin.SetDescriptor(tenantID, parts[0], parts[1])
		}
	case "/protect":
		reply = b.admin.ToggleProtection(ctx, tenantID)
	case "/prune":
		reply = b.admin.PruneCache(ctx, tenantID)
	default:
		return
	}

	if err := b.notifier.Send(ctx, tenantID, reply, false, false); err != nil {
		b.logger.Warn("sending command reply",
			zap.String("tenant", tenantID),
			zap.Error(err),
		)
	}
}

// splitCommand separates the command word from its arguments and
// strips the @botname suffix Telegram appends in group chats.
func splitCommand(text string) (command, args string) {
	text = strings.TrimSpace(text)
	command, args, _ = strings.Cut(text, " ")
	command, _, _ = strings.Cut(command, "@")
	return command, strings.TrimSpace(args)
}

const helpText = `Commands:
/checkmail - check your mail now
/accounts - list linked mailboxes
/name <number or address> <new name> - rename a mailbox
/protect - toggle digest forwarding protection`
