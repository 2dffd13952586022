// Package admin implements the tenant-facing management operations:
// on-demand polling, account listing and naming, protection toggling,
// and the operator-only cache prune. Every operation returns the reply
// text the messaging channel should show.
package admin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ndhoang/sparrowmail/internal/model"
)

// Trigger requests an immediate poll of one tenant's accounts.
type Trigger interface {
	TriggerTenant(tenantID string)
}

// AccountAdmin is the account-enumeration surface the admin operations use.
type AccountAdmin interface {
	ListAccountsForTenant(tenantID string) ([]model.Account, error)
	SetDescriptor(tenantID, label, descriptor string) error
}

// ProtectionToggler flips a tenant's content-protection preference.
type ProtectionToggler interface {
	Toggle(ctx context.Context, tenantID string) (bool, error)
}

// CachePruner deletes summaries older than the horizon.
type CachePruner interface {
	PruneSummaries(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Service executes management commands on behalf of tenants.
type Service struct {
	trigger       Trigger
	accounts      AccountAdmin
	prefs         ProtectionToggler
	pruner        CachePruner
	retention     time.Duration
	adminTenantID string
	logger        *zap.Logger
}

// NewService wires the management surface.
func NewService(
	trigger Trigger,
	accounts AccountAdmin,
	prefs ProtectionToggler,
	pruner CachePruner,
	retention time.Duration,
	adminTenantID string,
	logger *zap.Logger,
) *Service {
	return &Service{
		trigger:       trigger,
		accounts:      accounts,
		prefs:         prefs,
		pruner:        pruner,
		retention:     retention,
		adminTenantID: adminTenantID,
		logger:        logger,
	}
}

// PollNow schedules an immediate poll of the tenant's accounts.
func (s *Service) PollNow(tenantID string) string {
	s.trigger.TriggerTenant(tenantID)
	return "Checking your mail now..."
}

// ListAccounts renders the tenant's linked accounts as a numbered list.
func (s *Service) ListAccounts(tenantID string) string {
	accounts, err := s.accounts.ListAccountsForTenant(tenantID)
	if err != nil {
		s.logger.Error("listing accounts", zap.String("tenant", tenantID), zap.Error(err))
		return "Could not read your accounts, try again later."
	}
	if len(accounts) == 0 {
		return "No mailboxes are linked yet."
	}

	var b strings.Builder
	b.WriteString("Linked mailboxes:\n")
	for i, acct := range accounts {
		name := acct.DisplayName()
		if name == "" {
			name = "(primary)"
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, name)
	}
	return strings.TrimRight(b.String(), "\n")
}

// SetDescriptor names one of the tenant's accounts. The account is
// selected by its 1-based position in the ListAccounts output or by
// its label.
func (s *Service) SetDescriptor(tenantID, selector, descriptor string) string {
	accounts, err := s.accounts.ListAccountsForTenant(tenantID)
	if err != nil {
		s.logger.Error("listing accounts", zap.String("tenant", tenantID), zap.Error(err))
		return "Could not read your accounts, try again later."
	}

	acct, ok := selectAccount(accounts, selector)
	if !ok {
		return fmt.Sprintf("No account matches %q. Use /accounts to see the list.", selector)
	}

	if err := s.accounts.SetDescriptor(tenantID, acct.Label, descriptor); err != nil {
		s.logger.Error("setting descriptor",
			zap.String("account", acct.Key()),
			zap.Error(err),
		)
		return "Could not save the name, try again later."
	}
	return fmt.Sprintf("Mailbox renamed to %q.", descriptor)
}

// ToggleProtection flips the tenant's forwarding-protection preference.
func (s *Service) ToggleProtection(ctx context.Context, tenantID string) string {
	protected, err := s.prefs.Toggle(ctx, tenantID)
	if err != nil {
		s.logger.Error("toggling protection", zap.String("tenant", tenantID), zap.Error(err))
		return "Could not update the setting, try again later."
	}
	if protected {
		return "Digests are now protected: forwarding and saving are disabled."
	}
	return "Digests can now be forwarded and saved."
}

// PruneCache deletes expired summaries. Operator-only.
func (s *Service) PruneCache(ctx context.Context, requesterTenantID string) string {
	if s.adminTenantID == "" || requesterTenantID != s.adminTenantID {
		return "This command is not available."
	}

	deleted, err := s.pruner.PruneSummaries(ctx, s.retention)
	if err != nil {
		s.logger.Error("pruning summary cache", zap.Error(err))
		return "Prune failed, check the logs."
	}
	return fmt.Sprintf("Pruned %d expired summaries.", deleted)
}

// selectAccount resolves a 1-based index or a label to an account.
func selectAccount(accounts []model.Account, selector string) (model.Account, bool) {
	if n, err := strconv.Atoi(selector); err == nil {
		if n >= 1 && n <= len(accounts) {
			return accounts[n-1], true
		}
		return model.Account{}, false
	}
	for _, acct := range accounts {
		if acct.Label == selector {
			return acct, true
		}
	}
	return model.Account{}, false
}
