package model

import "time"

// Account identifies one linked mailbox belonging to a tenant.
//
// A tenant that authorized a single mailbox before multi-account support
// existed is stored as a flat record with no label; Label is empty for
// such legacy accounts and the tenant id alone keys the account.
type Account struct {
	// TenantID is the opaque stable identifier of the recipient
	// (the chat the digests are delivered to).
	TenantID string

	// Label distinguishes multiple mailboxes under one tenant,
	// typically the mailbox address. Empty for legacy accounts.
	Label string

	// Descriptor is the optional human-chosen name for this mailbox,
	// shown as a prefix when the tenant has more than one account.
	Descriptor string

	// Watermark is the earliest-eligible receive time; messages older
	// than this are never considered. Set once at authorization time.
	Watermark time.Time

	// CredentialPath is the on-disk credential blob for this mailbox.
	CredentialPath string
}

// IsLegacy reports whether this account uses the flat single-account shape.
func (a Account) IsLegacy() bool {
	return a.Label == ""
}

// Key returns the unique (tenant, label) identity of the account.
func (a Account) Key() string {
	return a.TenantID + "/" + a.Label
}

// DisplayName returns the descriptor if set, otherwise the raw label.
func (a Account) DisplayName() string {
	if a.Descriptor != "" {
		return a.Descriptor
	}
	return a.Label
}

// Envelope is the transient per-message payload handed from the mailbox
// client to the summarizer. It is never persisted; after delivery and the
// seen-set update it is discarded.
type Envelope struct {
	ID       string
	Sender   string
	Subject  string
	Body     string
	Received time.Time
}
