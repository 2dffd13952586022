package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ndhoang/sparrowmail/internal/model"
)

// CredentialError indicates that an account's stored credential is missing,
// invalid, or could not be refreshed. The poller skips the account for the
// current cycle when it sees one.
type CredentialError struct {
	Account string
	Message string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential error (%s): %s", e.Account, e.Message)
}

// IsCredentialError reports whether err (or any error in its chain) is a
// CredentialError.
func IsCredentialError(err error) bool {
	var credErr *CredentialError
	return errors.As(err, &credErr)
}

// Client abstracts the external mail provider for a single account.
type Client interface {
	// ListNewIDs returns the ids of unread messages received after
	// since, in provider order. Transient provider failures yield an
	// empty list; they are logged, never raised.
	ListNewIDs(ctx context.Context, since time.Time) []string

	// Fetch retrieves the full message envelope for id, with a
	// readable plain-text body extracted per the body policy.
	Fetch(ctx context.Context, id string) (*model.Envelope, error)

	// MarkConsumed marks the message as handled on the provider.
	// Best-effort: failure is logged and not propagated, since the
	// message is already consumed from the system's point of view
	// once it enters the seen set.
	MarkConsumed(ctx context.Context, id string)
}

// Factory builds a provider client for an account. It returns a
// CredentialError when the account's stored credential is unusable.
type Factory interface {
	ClientFor(ctx context.Context, acct model.Account) (Client, error)
}
