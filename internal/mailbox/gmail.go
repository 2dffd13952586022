package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/ndhoang/sparrowmail/internal/credential"
	"github.com/ndhoang/sparrowmail/internal/model"
)

// gmailUser is the special user id meaning "the authorized account".
const gmailUser = "me"

// unreadLabel is the provider label removed when a message is consumed.
const unreadLabel = "UNREAD"

// authorizedUserBlob mirrors the on-disk authorized-user credential
// record written by the authorization flow.
type authorizedUserBlob struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	Token        string `json:"token"`
	Expiry       string `json:"expiry"`
}

// GmailFactory builds Gmail API clients from per-account credential blobs.
type GmailFactory struct {
	maxResults int64
	logger     *zap.Logger
}

// NewGmailFactory creates a factory for Gmail provider clients.
func NewGmailFactory(maxResults int, logger *zap.Logger) *GmailFactory {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &GmailFactory{
		maxResults: int64(maxResults),
		logger:     logger,
	}
}

// ClientFor reads the account's credential blob, builds a self-refreshing
// OAuth2 client, and wraps it in a Gmail provider client. A missing or
// unusable credential yields a CredentialError so the poller can skip the
// account for the cycle.
func (f *GmailFactory) ClientFor(
	ctx context.Context,
	acct model.Account,
) (Client, error) {
	raw, err := os.ReadFile(acct.CredentialPath)
	if err != nil {
		return nil, &CredentialError{
			Account: acct.Key(),
			Message: fmt.Sprintf("reading credential: %v", err),
		}
	}

	var blob authorizedUserBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, &CredentialError{
			Account: acct.Key(),
			Message: fmt.Sprintf("parsing credential: %v", err),
		}
	}
	if blob.RefreshToken == "" {
		return nil, &CredentialError{
			Account: acct.Key(),
			Message: "credential has no refresh token",
		}
	}
	// Older blobs omit the client secret; it then comes from the keyring.
	if blob.ClientSecret == "" {
		secret, err := credential.Get(credential.KeyOAuthClientSecret)
		if err != nil {
			return nil, &CredentialError{
				Account: acct.Key(),
				Message: fmt.Sprintf("no client secret in blob or keyring: %v", err),
			}
		}
		blob.ClientSecret = secret
	}

	conf := &oauth2.Config{
		ClientID:     blob.ClientID,
		ClientSecret: blob.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	token := &oauth2.Token{
		AccessToken:  blob.Token,
		RefreshToken: blob.RefreshToken,
		TokenType:    "Bearer",
		// Force a refresh on first use; the stored access token is
		// usually stale between polling cycles anyway.
		Expiry: time.Now(),
	}

	httpClient := oauth2.NewClient(ctx, conf.TokenSource(ctx, token))
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, &CredentialError{
			Account: acct.Key(),
			Message: fmt.Sprintf("building gmail service: %v", err),
		}
	}

	return &GmailClient{
		svc:        svc,
		maxResults: f.maxResults,
		logger: f.logger.With(
			zap.String("provider", "gmail"),
			zap.String("account", acct.Key()),
		),
	}, nil
}

// GmailClient implements Client over the Gmail REST API.
type GmailClient struct {
	svc        *gmail.Service
	maxResults int64
	logger     *zap.Logger
}

// ListNewIDs lists unread messages received after since, in the order
// the provider returns them. Provider errors degrade to an empty list.
func (c *GmailClient) ListNewIDs(ctx context.Context, since time.Time) []string {
	query := "is:unread"
	if !since.IsZero() {
		query += fmt.Sprintf(" after:%d", since.Unix())
	}

	resp, err := c.svc.Users.Messages.List(gmailUser).
		Q(query).
		MaxResults(c.maxResults).
		Context(ctx).
		Do()
	if err != nil {
		c.logger.Warn("listing messages failed", zap.Error(err))
		return nil
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids
}

// Fetch retrieves the full message and extracts sender, subject, and a
// readable body.
func (c *GmailClient) Fetch(
	ctx context.Context,
	id string,
) (*model.Envelope, error) {
	msg, err := c.svc.Users.Messages.Get(gmailUser, id).
		Format("full").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", id, err)
	}

	env := &model.Envelope{
		ID:      id,
		Sender:  "Unknown Sender",
		Subject: "No Subject",
	}
	if msg.InternalDate > 0 {
		env.Received = time.UnixMilli(msg.InternalDate)
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				env.Subject = h.Value
			case "From":
				env.Sender = h.Value
			}
		}
		env.Body = extractBody(msg.Payload)
	} else {
		env.Body = NoReadableBody
	}

	return env, nil
}

// MarkConsumed removes the unread label. Failure is logged only; the
// message is already recorded as processed on our side.
func (c *GmailClient) MarkConsumed(ctx context.Context, id string) {
	_, err := c.svc.Users.Messages.Modify(gmailUser, id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{unreadLabel},
	}).Context(ctx).Do()
	if err != nil {
		c.logger.Warn("marking message consumed failed",
			zap.String("message_id", id),
			zap.Error(err),
		)
	}
}

// extractBody pulls a readable text body out of a possibly multi-part
// payload. Preference order: a text/plain part, then a text/html part
// with markup stripped, then recursion into nested parts. When nothing
// readable exists the sentinel body is returned.
func extractBody(payload *gmail.MessagePart) string {
	if len(payload.Parts) > 0 {
		for _, part := range payload.Parts {
			if part.MimeType == "text/plain" {
				if text := decodePartData(part); usableText(text) {
					return NormalizeWhitespace(text)
				}
			}
		}

		for _, part := range payload.Parts {
			if part.MimeType == "text/html" {
				if raw := decodePartData(part); raw != "" {
					return StripMarkup(raw)
				}
			}
		}

		for _, part := range payload.Parts {
			if len(part.Parts) > 0 {
				if body := extractBody(part); usableText(body) && body != NoReadableBody {
					return body
				}
			}
		}

		return NoReadableBody
	}

	// Non-multipart message.
	if raw := decodePartData(payload); raw != "" {
		if payload.MimeType == "text/html" {
			return StripMarkup(raw)
		}
		return NormalizeWhitespace(raw)
	}

	return NoReadableBody
}

// decodePartData decodes a part's base64url body data, or returns "".
func decodePartData(part *gmail.MessagePart) string {
	if part.Body == nil || part.Body.Data == "" {
		return ""
	}
	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).
		DecodeString(strings.TrimRight(part.Body.Data, "="))
	if err != nil {
		return ""
	}
	return string(data)
}

// usableText reports whether extracted text has actual content. Some
// senders ship a literal "null" plain part alongside the HTML one.
func usableText(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed != "" && !strings.EqualFold(trimmed, "null")
}
