// Package poll runs the mail digest cycle: enumerate linked accounts,
// fetch what is new in each mailbox, summarize it, and deliver the
// digest to the owning tenant. One tenant's broken account never
// affects another tenant; each account is an isolated unit of work.
package poll

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ndhoang/sparrowmail/internal/mailbox"
	"github.com/ndhoang/sparrowmail/internal/model"
	"github.com/ndhoang/sparrowmail/internal/notify"
)

// AccountSource enumerates the linked accounts to poll.
type AccountSource interface {
	ListAccounts() ([]model.Account, error)
	ListAccountsForTenant(tenantID string) ([]model.Account, error)
}

// SeenStore persists the per-account dedupe window.
type SeenStore interface {
	LoadSeen(ctx context.Context, tenantID, label string) ([]string, error)
	SaveSeen(ctx context.Context, tenantID, label string, ids []string) error
}

// Summarizer produces a digest for one message. It never fails; broken
// backends degrade to a deterministic excerpt.
type Summarizer interface {
	Summarize(ctx context.Context, sender, subject, body string) string
}

// Prefs answers delivery-preference questions for a tenant.
type Prefs interface {
	Protected(tenantID string) bool
}

// callTimeout is the maximum time allowed for a single provider or
// delivery call. A stalled endpoint costs one bounded call, never the
// cycle goroutine.
const callTimeout = 30 * time.Second

// Options tunes the poll loop.
type Options struct {
	// Interval between cycles.
	Interval time.Duration
	// SeenLimit bounds the per-account dedupe window.
	SeenLimit int
	// MaxPayload bounds the delivered digest size.
	MaxPayload int
	// CallTimeout bounds each provider and delivery call.
	CallTimeout time.Duration
}

// Poller drives the periodic digest cycle.
type Poller struct {
	accounts   AccountSource
	factory    mailbox.Factory
	summarizer Summarizer
	notifier   notify.Notifier
	seen       SeenStore
	prefs      Prefs
	opts       Options
	logger     *zap.Logger

	triggers chan string
}

// NewPoller wires the digest cycle.
func NewPoller(
	accounts AccountSource,
	factory mailbox.Factory,
	summarizer Summarizer,
	notifier notify.Notifier,
	seen SeenStore,
	prefs Prefs,
	opts Options,
	logger *zap.Logger,
) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	if opts.SeenLimit <= 0 {
		opts.SeenLimit = 20
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = callTimeout
	}
	return &Poller{
		accounts:   accounts,
		factory:    factory,
		summarizer: summarizer,
		notifier:   notifier,
		seen:       seen,
		prefs:      prefs,
		opts:       opts,
		logger:     logger,
		triggers:   make(chan string, 16),
	}
}

// TriggerTenant requests an immediate out-of-band poll of one tenant's
// accounts. Non-blocking: if the trigger queue is full the next regular
// cycle covers the tenant anyway.
func (p *Poller) TriggerTenant(tenantID string) {
	select {
	case p.triggers <- tenantID:
	default:
	}
}

// Run polls on the configured interval until ctx is cancelled. Cycles
// never overlap: triggers received while a cycle is in flight queue up
// behind it.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case tenantID := <-p.triggers:
			p.pollTenant(ctx, tenantID)
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle polls every linked account once.
func (p *Poller) cycle(ctx context.Context) {
	logger := p.logger.With(zap.String("cycle", uuid.NewString()))

	accounts, err := p.accounts.ListAccounts()
	if err != nil {
		logger.Error("enumerating accounts", zap.Error(err))
		return
	}

	perTenant := make(map[string]int)
	for _, acct := range accounts {
		perTenant[acct.TenantID]++
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		p.pollAccount(ctx, logger, acct, perTenant[acct.TenantID] > 1)
	}
}

// pollTenant polls only the accounts of one tenant.
func (p *Poller) pollTenant(ctx context.Context, tenantID string) {
	logger := p.logger.With(
		zap.String("cycle", uuid.NewString()),
		zap.String("tenant", tenantID),
	)

	accounts, err := p.accounts.ListAccountsForTenant(tenantID)
	if err != nil {
		logger.Error("enumerating tenant accounts", zap.Error(err))
		return
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		p.pollAccount(ctx, logger, acct, len(accounts) > 1)
	}
}

// pollAccount handles one account end to end. Nothing raises out of
// here: every failure is contained to this account and this cycle.
func (p *Poller) pollAccount(
	ctx context.Context,
	logger *zap.Logger,
	acct model.Account,
	multiAccount bool,
) {
	logger = logger.With(zap.String("account", acct.Key()))

	client, err := p.factory.ClientFor(ctx, acct)
	if err != nil {
		if mailbox.IsCredentialError(err) {
			logger.Warn("skipping account with unusable credential", zap.Error(err))
		} else {
			logger.Warn("building mailbox client", zap.Error(err))
		}
		return
	}

	seenIDs, err := p.seen.LoadSeen(ctx, acct.TenantID, acct.Label)
	if err != nil {
		// Without the dedupe window a poll would re-deliver everything;
		// sit this cycle out instead.
		logger.Error("loading seen set", zap.Error(err))
		return
	}
	seenSet := make(map[string]bool, len(seenIDs))
	for _, id := range seenIDs {
		seenSet[id] = true
	}

	listCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	ids := client.ListNewIDs(listCtx, acct.Watermark)
	cancel()

	delivered := 0
	recorded := 0
	for _, id := range ids {
		if seenSet[id] {
			continue
		}
		if p.deliverMessage(ctx, logger, client, acct, id, multiAccount) {
			delivered++
		}
		// Seen regardless of what happened after fetch: a message is
		// consumed the moment the poller picks it up, so a failing
		// summarizer or channel cannot re-deliver it forever.
		seenIDs = append(seenIDs, id)
		seenSet[id] = true
		recorded++
	}

	// Persist once per batch, and only when the batch changed the set.
	if recorded > 0 {
		if len(seenIDs) > p.opts.SeenLimit {
			seenIDs = seenIDs[len(seenIDs)-p.opts.SeenLimit:]
		}
		if err := p.seen.SaveSeen(ctx, acct.TenantID, acct.Label, seenIDs); err != nil {
			logger.Error("saving seen set", zap.Error(err))
		}
	}

	if delivered > 0 {
		logger.Info("digests delivered", zap.Int("count", delivered))
	}
}

// deliverMessage fetches, summarizes, and sends one message. Returns
// whether a digest reached the tenant.
func (p *Poller) deliverMessage(
	ctx context.Context,
	logger *zap.Logger,
	client mailbox.Client,
	acct model.Account,
	id string,
	multiAccount bool,
) bool {
	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	env, err := client.Fetch(fetchCtx, id)
	cancel()
	if err != nil {
		logger.Warn("fetching message", zap.String("id", id), zap.Error(err))
		return false
	}

	digest := p.summarizer.Summarize(ctx, env.Sender, env.Subject, env.Body)
	if multiAccount && acct.DisplayName() != "" {
		digest = "[" + acct.DisplayName() + "]\n" + digest
	}
	digest = notify.Truncate(digest, p.opts.MaxPayload)

	sendCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	err = p.notifier.Send(sendCtx, acct.TenantID, digest, false, p.prefs.Protected(acct.TenantID))
	cancel()
	if err != nil {
		logger.Warn("delivering digest", zap.String("id", id), zap.Error(err))
		return false
	}

	markCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	client.MarkConsumed(markCtx, id)
	cancel()
	return true
}
