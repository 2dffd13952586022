// Package accounts discovers the set of linked mailbox accounts from the
// on-disk credential layout and resolves their watermarks and descriptors.
//
// Two layouts coexist. The original single-account shape keeps a flat
// credential file per tenant (users/<tenant>.json); multi-account tenants
// keep one file per mailbox under a tenant directory
// (users/<tenant>/<label>.json). Both are merged into tagged
// model.Account values here so nothing downstream ever re-inspects the
// raw layout.
package accounts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ndhoang/sparrowmail/internal/model"
)

const (
	credentialExt = ".json"
	metaSuffix    = "_meta"
)

// accountMeta is the per-account sidecar record written at authorization
// time. StartTime is the watermark; the core only ever reads it.
type accountMeta struct {
	StartTime  int64  `json:"start_time"`
	Descriptor string `json:"descriptor,omitempty"`
}

// Enumerator lists linked accounts from the users directory.
type Enumerator struct {
	usersDir string
	logger   *zap.Logger
}

// NewEnumerator creates an account enumerator over usersDir.
func NewEnumerator(usersDir string, logger *zap.Logger) *Enumerator {
	return &Enumerator{
		usersDir: usersDir,
		logger:   logger,
	}
}

// ListAccounts returns every linked account across all tenants, deduped
// by (tenant, label) and ordered by tenant then label. A missing users
// directory yields an empty list. An unreadable tenant directory is
// skipped, not fatal.
func (e *Enumerator) ListAccounts() ([]model.Account, error) {
	entries, err := os.ReadDir(e.usersDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading users dir %s: %w", e.usersDir, err)
	}

	byKey := make(map[string]model.Account)

	for _, entry := range entries {
		name := entry.Name()

		if entry.IsDir() {
			for _, acct := range e.tenantAccounts(name) {
				byKey[acct.Key()] = acct
			}
			continue
		}

		// Legacy flat shape: users/<tenant>.json.
		tenant, ok := credentialName(name)
		if !ok {
			continue
		}
		acct := model.Account{
			TenantID:       tenant,
			CredentialPath: filepath.Join(e.usersDir, name),
		}
		e.applyMeta(&acct, filepath.Join(e.usersDir, tenant+metaSuffix+credentialExt))
		// A nested record with the same tenant and no label wins the
		// key; either way the account is enumerated exactly once.
		if _, exists := byKey[acct.Key()]; !exists {
			byKey[acct.Key()] = acct
		}
	}

	accounts := make([]model.Account, 0, len(byKey))
	for _, acct := range byKey {
		accounts = append(accounts, acct)
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].TenantID != accounts[j].TenantID {
			return accounts[i].TenantID < accounts[j].TenantID
		}
		return accounts[i].Label < accounts[j].Label
	})

	return accounts, nil
}

// ListAccountsForTenant returns the tenant's accounts with the legacy
// unlabeled account first, then labeled accounts in label order.
func (e *Enumerator) ListAccountsForTenant(tenantID string) ([]model.Account, error) {
	all, err := e.ListAccounts()
	if err != nil {
		return nil, err
	}

	var accounts []model.Account
	for _, acct := range all {
		if acct.TenantID == tenantID {
			accounts = append(accounts, acct)
		}
	}

	sort.Slice(accounts, func(i, j int) bool {
		// Empty label sorts first already, but keep the intent explicit.
		if accounts[i].IsLegacy() != accounts[j].IsLegacy() {
			return accounts[i].IsLegacy()
		}
		return accounts[i].Label < accounts[j].Label
	})

	return accounts, nil
}

// SetDescriptor writes the descriptor into the account's meta record,
// preserving the watermark.
func (e *Enumerator) SetDescriptor(tenantID, label, descriptor string) error {
	var metaPath string
	if label == "" {
		metaPath = filepath.Join(e.usersDir, tenantID+metaSuffix+credentialExt)
	} else {
		metaPath = filepath.Join(e.usersDir, tenantID, label+metaSuffix+credentialExt)
	}

	var meta accountMeta
	if raw, err := os.ReadFile(metaPath); err == nil {
		// Best effort: a corrupt meta record is rewritten from scratch.
		_ = json.Unmarshal(raw, &meta)
	}
	meta.Descriptor = descriptor

	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling meta for %s/%s: %w", tenantID, label, err)
	}
	if err := os.WriteFile(metaPath, raw, 0o600); err != nil {
		return fmt.Errorf("writing meta for %s/%s: %w", tenantID, label, err)
	}
	return nil
}

// tenantAccounts lists the labeled accounts under one tenant directory.
func (e *Enumerator) tenantAccounts(tenantID string) []model.Account {
	dir := filepath.Join(e.usersDir, tenantID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		e.logger.Warn("skipping unreadable tenant directory",
			zap.String("tenant", tenantID),
			zap.Error(err),
		)
		return nil
	}

	var accounts []model.Account
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		label, ok := credentialName(entry.Name())
		if !ok {
			continue
		}
		acct := model.Account{
			TenantID:       tenantID,
			Label:          label,
			CredentialPath: filepath.Join(dir, entry.Name()),
		}
		e.applyMeta(&acct, filepath.Join(dir, label+metaSuffix+credentialExt))
		accounts = append(accounts, acct)
	}

	return accounts
}

// applyMeta fills watermark and descriptor from the sidecar record.
// A missing or corrupt record leaves the zero watermark, which means
// "no lower bound" to the mailbox client.
func (e *Enumerator) applyMeta(acct *model.Account, metaPath string) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return
	}

	var meta accountMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		e.logger.Warn("ignoring corrupt account meta",
			zap.String("path", metaPath),
			zap.Error(err),
		)
		return
	}

	if meta.StartTime > 0 {
		acct.Watermark = time.Unix(meta.StartTime, 0)
	}
	acct.Descriptor = meta.Descriptor
}

// credentialName extracts the account name from a credential filename.
// Meta sidecars and non-JSON files are not credentials.
func credentialName(filename string) (string, bool) {
	if !strings.HasSuffix(filename, credentialExt) {
		return "", false
	}
	name := strings.TrimSuffix(filename, credentialExt)
	if name == "" || strings.HasSuffix(name, metaSuffix) {
		return "", false
	}
	return name, true
}
