package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/ndhoang/sparrowmail/internal/model"
)

// IMAPClient implements Client over IMAP for accounts linked against a
// generic mail server rather than the Gmail API. Each operation opens
// its own short-lived connection; polling is infrequent enough that
// holding sessions open buys nothing.
type IMAPClient struct {
	host       string
	port       string
	username   string
	password   string
	tls        bool
	maxResults int
	logger     *zap.Logger
}

// NewIMAPClient creates an IMAP provider client.
func NewIMAPClient(
	host, port, username, password string,
	tls bool,
	maxResults int,
	logger *zap.Logger,
) *IMAPClient {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &IMAPClient{
		host:       host,
		port:       port,
		username:   username,
		password:   password,
		tls:        tls,
		maxResults: maxResults,
		logger: logger.With(
			zap.String("provider", "imap"),
			zap.String("account", username),
		),
	}
}

// connect establishes a connection, authenticates, and selects INBOX.
// The caller must Logout the returned client. The whole session
// inherits ctx's deadline, so a stalled server cannot hold the poll
// cycle open past it.
func (c *IMAPClient) connect(ctx context.Context) (*imapclient.Client, error) {
	addr := c.host + ":" + c.port

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var client *imapclient.Client
	if c.tls {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: c.host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", addr, err)
		}
		client = imapclient.New(tlsConn, nil)
	} else {
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: c.host},
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starting TLS with %s: %w", addr, err)
		}
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &CredentialError{
			Account: c.username,
			Message: fmt.Sprintf("authentication failed: %v", err),
		}
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}

	return client, nil
}

// ListNewIDs searches for unseen messages received after since.
// Provider errors degrade to an empty list.
func (c *IMAPClient) ListNewIDs(ctx context.Context, since time.Time) []string {
	client, err := c.connect(ctx)
	if err != nil {
		c.logger.Warn("listing messages failed", zap.Error(err))
		return nil
	}
	defer func() { _ = client.Logout().Wait() }()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	if !since.IsZero() {
		criteria.Since = since
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		c.logger.Warn("searching messages failed", zap.Error(err))
		return nil
	}

	uids := searchData.AllUIDs()
	if len(uids) > c.maxResults {
		uids = uids[len(uids)-c.maxResults:]
	}

	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids
}

// Fetch retrieves the full message for a UID and extracts a readable body.
func (c *IMAPClient) Fetch(
	ctx context.Context,
	id string,
) (*model.Envelope, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP uid %q: %w", id, err)
	}

	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	uidSet := imap.UIDSetNum(imap.UID(uid))

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}

	env := &model.Envelope{
		ID:      id,
		Sender:  "Unknown Sender",
		Subject: "No Subject",
		Body:    NoReadableBody,
	}

	if buf.Envelope != nil {
		if buf.Envelope.Subject != "" {
			env.Subject = buf.Envelope.Subject
		}
		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				env.Sender = fmt.Sprintf("%s <%s>", from.Name, from.Addr())
			} else {
				env.Sender = from.Addr()
			}
		}
		env.Received = buf.Envelope.Date
	}

	if raw := buf.FindBodySection(bodySection); raw != nil {
		textBody, htmlBody := parseMIMEBody(raw)
		switch {
		case usableText(textBody):
			env.Body = NormalizeWhitespace(textBody)
		case htmlBody != "":
			env.Body = StripMarkup(htmlBody)
		}
	}

	return env, nil
}

// MarkConsumed sets the \Seen flag. Failure is logged only.
func (c *IMAPClient) MarkConsumed(ctx context.Context, id string) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		c.logger.Warn("marking message consumed failed",
			zap.String("message_id", id),
			zap.Error(err),
		)
		return
	}

	client, err := c.connect(ctx)
	if err != nil {
		c.logger.Warn("marking message consumed failed",
			zap.String("message_id", id),
			zap.Error(err),
		)
		return
	}
	defer func() { _ = client.Logout().Wait() }()

	uidSet := imap.UIDSetNum(imap.UID(uid))
	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		c.logger.Warn("marking message consumed failed",
			zap.String("message_id", id),
			zap.Error(err),
		)
	}
}

// parseMIMEBody parses a raw RFC 2822 message using go-message and
// extracts the text/plain and text/html bodies.
func parseMIMEBody(raw []byte) (textBody, htmlBody string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, treat the whole thing as plain text.
		return string(raw), ""
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := header.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}

	return textBody, htmlBody
}
