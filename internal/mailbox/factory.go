package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ndhoang/sparrowmail/internal/model"
)

// imapCredentialBlob is the on-disk credential record for an IMAP-linked
// account. Gmail accounts use the authorized-user blob instead; the
// provider field tells them apart.
type imapCredentialBlob struct {
	Provider string `json:"provider"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	TLS      bool   `json:"tls"`
}

// ProviderFactory builds the right provider client for an account by
// inspecting its credential blob. Gmail is the default; accounts whose
// blob carries provider "imap" get the IMAP client.
type ProviderFactory struct {
	gmail      *GmailFactory
	maxResults int
	logger     *zap.Logger
}

// NewProviderFactory creates the dispatching factory.
func NewProviderFactory(maxResults int, logger *zap.Logger) *ProviderFactory {
	return &ProviderFactory{
		gmail:      NewGmailFactory(maxResults, logger),
		maxResults: maxResults,
		logger:     logger,
	}
}

// ClientFor returns a provider client for the account, or a
// CredentialError when its stored credential is unusable.
func (f *ProviderFactory) ClientFor(
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

	var blob imapCredentialBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, &CredentialError{
			Account: acct.Key(),
			Message: fmt.Sprintf("parsing credential: %v", err),
		}
	}

	if blob.Provider == "imap" {
		if blob.Host == "" || blob.Username == "" {
			return nil, &CredentialError{
				Account: acct.Key(),
				Message: "imap credential missing host or username",
			}
		}
		port := blob.Port
		if port == "" {
			port = "993"
		}
		return NewIMAPClient(
			blob.Host, port, blob.Username, blob.Password,
			blob.TLS, f.maxResults, f.logger,
		), nil
	}

	return f.gmail.ClientFor(ctx, acct)
}
