package poll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ndhoang/sparrowmail/internal/mailbox"
	"github.com/ndhoang/sparrowmail/internal/model"
)

type fakeAccounts struct {
	accounts []model.Account
}

func (f *fakeAccounts) ListAccounts() ([]model.Account, error) {
	return f.accounts, nil
}

func (f *fakeAccounts) ListAccountsForTenant(tenantID string) ([]model.Account, error) {
	var out []model.Account
	for _, a := range f.accounts {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeClient struct {
	ids      []string
	fetchErr map[string]error
	consumed []string

	sawListDeadline  bool
	sawFetchDeadline bool
}

func (c *fakeClient) ListNewIDs(ctx context.Context, _ time.Time) []string {
	_, c.sawListDeadline = ctx.Deadline()
	return c.ids
}

func (c *fakeClient) Fetch(ctx context.Context, id string) (*model.Envelope, error) {
	_, c.sawFetchDeadline = ctx.Deadline()
	if err := c.fetchErr[id]; err != nil {
		return nil, err
	}
	return &model.Envelope{
		ID:      id,
		Sender:  "sender@example.com",
		Subject: "Subject " + id,
		Body:    "body of " + id,
	}, nil
}

func (c *fakeClient) MarkConsumed(_ context.Context, id string) {
	c.consumed = append(c.consumed, id)
}

type fakeFactory struct {
	clients map[string]*fakeClient // account key -> client
	errs    map[string]error
}

func (f *fakeFactory) ClientFor(_ context.Context, acct model.Account) (mailbox.Client, error) {
	if err := f.errs[acct.Key()]; err != nil {
		return nil, err
	}
	return f.clients[acct.Key()], nil
}

type fakeSeen struct {
	loaded map[string][]string
	saved  map[string][]string
}

func newFakeSeen() *fakeSeen {
	return &fakeSeen{
		loaded: make(map[string][]string),
		saved:  make(map[string][]string),
	}
}

func (s *fakeSeen) LoadSeen(_ context.Context, tenantID, label string) ([]string, error) {
	return s.loaded[tenantID+"/"+label], nil
}

func (s *fakeSeen) SaveSeen(_ context.Context, tenantID, label string, ids []string) error {
	s.saved[tenantID+"/"+label] = ids
	return nil
}

type fakeSummarizer struct {
	calls int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _, subject, _ string) string {
	f.calls++
	return "digest: " + subject
}

type sentMessage struct {
	tenantID  string
	text      string
	protected bool
}

type fakeNotifier struct {
	sent    []sentMessage
	sendErr error
}

func (f *fakeNotifier) Send(_ context.Context, tenantID, text string, _, protectContent bool) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{tenantID: tenantID, text: text, protected: protectContent})
	return nil
}

type fakePrefs struct {
	protected map[string]bool
}

func (f *fakePrefs) Protected(tenantID string) bool {
	return f.protected[tenantID]
}

func newTestPoller(
	accounts *fakeAccounts,
	factory *fakeFactory,
	seen *fakeSeen,
	notifier *fakeNotifier,
) (*Poller, *fakeSummarizer) {
	summarizer := &fakeSummarizer{}
	p := NewPoller(
		accounts, factory, summarizer, notifier, seen,
		&fakePrefs{protected: map[string]bool{}},
		Options{SeenLimit: 20, MaxPayload: 4000},
		zap.NewNop(),
	)
	return p, summarizer
}

func TestCycle_DeliversNewMessage(t *testing.T) {
	acct := model.Account{TenantID: "1001", CredentialPath: "unused"}
	client := &fakeClient{ids: []string{"m1"}}
	factory := &fakeFactory{clients: map[string]*fakeClient{acct.Key(): client}}
	seen := newFakeSeen()
	notifier := &fakeNotifier{}
	p, summarizer := newTestPoller(&fakeAccounts{accounts: []model.Account{acct}}, factory, seen, notifier)

	p.cycle(context.Background())

	if summarizer.calls != 1 {
		t.Errorf("summarizer called %d times, want 1", summarizer.calls)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].tenantID != "1001" {
		t.Fatalf("sent = %+v, want one digest to 1001", notifier.sent)
	}
	if !strings.Contains(notifier.sent[0].text, "digest: Subject m1") {
		t.Errorf("digest text = %q", notifier.sent[0].text)
	}
	if got := seen.saved["1001/"]; len(got) != 1 || got[0] != "m1" {
		t.Errorf("seen set = %v, want [m1]", got)
	}
	if len(client.consumed) != 1 || client.consumed[0] != "m1" {
		t.Errorf("consumed = %v, want [m1]", client.consumed)
	}
}

func TestCycle_SkipsAlreadySeen(t *testing.T) {
	acct := model.Account{TenantID: "1001"}
	client := &fakeClient{ids: []string{"old", "new"}}
	factory := &fakeFactory{clients: map[string]*fakeClient{acct.Key(): client}}
	seen := newFakeSeen()
	seen.loaded["1001/"] = []string{"old"}
	notifier := &fakeNotifier{}
	p, _ := newTestPoller(&fakeAccounts{accounts: []model.Account{acct}}, factory, seen, notifier)

	p.cycle(context.Background())

	if len(notifier.sent) != 1 || !strings.Contains(notifier.sent[0].text, "new") {
		t.Errorf("sent = %+v, want only the unseen message", notifier.sent)
	}
}

func TestCycle_AccountIsolation(t *testing.T) {
	// Tenant A's credential is broken; tenant B must still get both
	// of its digests.
	acctA := model.Account{TenantID: "A"}
	acctB := model.Account{TenantID: "B"}
	clientB := &fakeClient{ids: []string{"b1", "b2"}}
	factory := &fakeFactory{
		clients: map[string]*fakeClient{acctB.Key(): clientB},
		errs: map[string]error{
			acctA.Key(): &mailbox.CredentialError{Account: acctA.Key(), Message: "token revoked"},
		},
	}
	seen := newFakeSeen()
	notifier := &fakeNotifier{}
	p, _ := newTestPoller(&fakeAccounts{accounts: []model.Account{acctA, acctB}}, factory, seen, notifier)

	p.cycle(context.Background())

	if len(notifier.sent) != 2 {
		t.Fatalf("sent %d digests, want 2", len(notifier.sent))
	}
	for _, m := range notifier.sent {
		if m.tenantID != "B" {
			t.Errorf("digest sent to %s, want B", m.tenantID)
		}
	}
}

func TestCycle_SeenSetBounded(t *testing.T) {
	acct := model.Account{TenantID: "1001"}
	var ids []string
	for i := 0; i < 25; i++ {
		ids = append(ids, fmt.Sprintf("m%02d", i))
	}
	client := &fakeClient{ids: ids}
	factory := &fakeFactory{clients: map[string]*fakeClient{acct.Key(): client}}
	seen := newFakeSeen()
	notifier := &fakeNotifier{}
	p, _ := newTestPoller(&fakeAccounts{accounts: []model.Account{acct}}, factory, seen, notifier)

	p.cycle(context.Background())

	saved := seen.saved["1001/"]
	if len(saved) != 20 {
		t.Fatalf("seen set size = %d, want 20", len(saved))
	}
	// Most recent ids survive, oldest are evicted, order preserved.
	if saved[0] != "m05" || saved[19] != "m24" {
		t.Errorf("seen window = [%s .. %s], want [m05 .. m24]", saved[0], saved[19])
	}
}

func TestCycle_FetchFailureStillMarksSeen(t *testing.T) {
	acct := model.Account{TenantID: "1001"}
	client := &fakeClient{
		ids:      []string{"bad", "good"},
		fetchErr: map[string]error{"bad": errors.New("gone")},
	}
	factory := &fakeFactory{clients: map[string]*fakeClient{acct.Key(): client}}
	seen := newFakeSeen()
	notifier := &fakeNotifier{}
	p, _ := newTestPoller(&fakeAccounts{accounts: []model.Account{acct}}, factory, seen, notifier)

	p.cycle(context.Background())

	if len(notifier.sent) != 1 {
		t.Errorf("sent %d digests, want 1", len(notifier.sent))
	}
	saved := seen.saved["1001/"]
	if len(saved) != 2 {
		t.Errorf("seen set = %v, want both ids marked", saved)
	}
}

func TestCycle_SendFailureStillMarksSeen(t *testing.T) {
	acct := model.Account{TenantID: "1001"}
	client := &fakeClient{ids: []string{"m1"}}
	factory := &fakeFactory{clients: map[string]*fakeClient{acct.Key(): client}}
	seen := newFakeSeen()
	notifier := &fakeNotifier{sendErr: errors.New("channel down")}
	p, _ := newTestPoller(&fakeAccounts{accounts: []model.Account{acct}}, factory, seen, notifier)

	p.cycle(context.Background())

	if got := seen.saved["1001/"]; len(got) != 1 || got[0] != "m1" {
		t.Errorf("seen set = %v, want [m1] despite failed send", got)
	}
	if len(client.consumed) != 0 {
		t.Errorf("consumed = %v, want none after failed send", client.consumed)
	}
}

func TestCycle_DescriptorPrefixForMultiAccountTenant(t *testing.T) {
	work := model.Account{TenantID: "1001", Label: "work@example.com", Descriptor: "Work"}
	home := model.Account{TenantID: "1001", Label: "home@example.com"}
	factory := &fakeFactory{clients: map[string]*fakeClient{
		work.Key(): {ids: []string{"w1"}},
		home.Key(): {ids: []string{"h1"}},
	}}
	seen := newFakeSeen()
	notifier := &fakeNotifier{}
	p, _ := newTestPoller(&fakeAccounts{accounts: []model.Account{work, home}}, factory, seen, notifier)

	p.cycle(context.Background())

	if len(notifier.sent) != 2 {
		t.Fatalf("sent %d digests, want 2", len(notifier.sent))
	}
	var sawWork, sawHome bool
	for _, m := range notifier.sent {
		if strings.HasPrefix(m.text, "[Work]\n") {
			sawWork = true
		}
		if strings.HasPrefix(m.text, "[home@example.com]\n") {
			sawHome = true
		}
	}
	if !sawWork || !sawHome {
		t.Errorf("missing account prefixes: %+v", notifier.sent)
	}
}

func TestCycle_NoPrefixForSingleAccountTenant(t *testing.T) {
	acct := model.Account{TenantID: "1001", Label: "only@example.com", Descriptor: "Only"}
	factory := &fakeFactory{clients: map[string]*fakeClient{
		acct.Key(): {ids: []string{"m1"}},
	}}
	seen := newFakeSeen()
	notifier := &fakeNotifier{}
	p, _ := newTestPoller(&fakeAccounts{accounts: []model.Account{acct}}, factory, seen, notifier)

	p.cycle(context.Background())

	if len(notifier.sent) != 1 || strings.HasPrefix(notifier.sent[0].text, "[") {
		t.Errorf("sent = %+v, want unprefixed digest", notifier.sent)
	}
}

func TestCycle_TruncatesOversizedDigest(t *testing.T) {
	acct := model.Account{TenantID: "1001"}
	client := &fakeClient{ids: []string{"m1"}}
	factory := &fakeFactory{clients: map[string]*fakeClient{acct.Key(): client}}
	seen := newFakeSeen()
	notifier := &fakeNotifier{}
	p := NewPoller(
		&fakeAccounts{accounts: []model.Account{acct}},
		factory,
		longSummarizer{},
		notifier, seen,
		&fakePrefs{protected: map[string]bool{}},
		Options{SeenLimit: 20, MaxPayload: 100},
		zap.NewNop(),
	)

	p.cycle(context.Background())

	if len(notifier.sent) != 1 {
		t.Fatalf("sent %d digests, want 1", len(notifier.sent))
	}
	if got := notifier.sent[0].text; len(got) != 100 || !strings.HasSuffix(got, "...") {
		t.Errorf("digest length = %d, want 100 with marker", len(got))
	}
}

type longSummarizer struct{}

func (longSummarizer) Summarize(context.Context, string, string, string) string {
	return strings.Repeat("z", 500)
}

func TestCycle_ProtectedTenantFlag(t *testing.T) {
	acct := model.Account{TenantID: "1001"}
	factory := &fakeFactory{clients: map[string]*fakeClient{
		acct.Key(): {ids: []string{"m1"}},
	}}
	seen := newFakeSeen()
	notifier := &fakeNotifier{}
	p := NewPoller(
		&fakeAccounts{accounts: []model.Account{acct}},
		factory, &fakeSummarizer{}, notifier, seen,
		&fakePrefs{protected: map[string]bool{"1001": true}},
		Options{SeenLimit: 20, MaxPayload: 4000},
		zap.NewNop(),
	)

	p.cycle(context.Background())

	if len(notifier.sent) != 1 || !notifier.sent[0].protected {
		t.Errorf("sent = %+v, want protected delivery", notifier.sent)
	}
}

func TestCycle_NoNewMessagesSkipsPersist(t *testing.T) {
	acct := model.Account{TenantID: "1001"}
	client := &fakeClient{ids: []string{"old1", "old2"}}
	factory := &fakeFactory{clients: map[string]*fakeClient{acct.Key(): client}}
	seen := newFakeSeen()
	seen.loaded["1001/"] = []string{"old1", "old2"}
	notifier := &fakeNotifier{}
	p, _ := newTestPoller(&fakeAccounts{accounts: []model.Account{acct}}, factory, seen, notifier)

	p.cycle(context.Background())

	if len(notifier.sent) != 0 {
		t.Errorf("sent = %+v, want none", notifier.sent)
	}
	if _, wrote := seen.saved["1001/"]; wrote {
		t.Errorf("seen set persisted although nothing new was recorded")
	}
}

func TestCycle_ProviderCallsCarryDeadline(t *testing.T) {
	acct := model.Account{TenantID: "1001"}
	client := &fakeClient{ids: []string{"m1"}}
	factory := &fakeFactory{clients: map[string]*fakeClient{acct.Key(): client}}
	p, _ := newTestPoller(&fakeAccounts{accounts: []model.Account{acct}}, factory, newFakeSeen(), &fakeNotifier{})

	p.cycle(context.Background())

	if !client.sawListDeadline {
		t.Error("list call had no deadline")
	}
	if !client.sawFetchDeadline {
		t.Error("fetch call had no deadline")
	}
}

type hangingNotifier struct{}

func (hangingNotifier) Send(ctx context.Context, _, _ string, _, _ bool) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCycle_StalledDeliveryIsBounded(t *testing.T) {
	acct := model.Account{TenantID: "1001"}
	client := &fakeClient{ids: []string{"m1"}}
	factory := &fakeFactory{clients: map[string]*fakeClient{acct.Key(): client}}
	seen := newFakeSeen()
	p := NewPoller(
		&fakeAccounts{accounts: []model.Account{acct}},
		factory, &fakeSummarizer{}, hangingNotifier{}, seen,
		&fakePrefs{protected: map[string]bool{}},
		Options{SeenLimit: 20, MaxPayload: 4000, CallTimeout: 20 * time.Millisecond},
		zap.NewNop(),
	)

	done := make(chan struct{})
	go func() {
		p.cycle(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle wedged on a delivery that never responds")
	}
	// The message is still consumed from our side.
	if got := seen.saved["1001/"]; len(got) != 1 || got[0] != "m1" {
		t.Errorf("seen set = %v, want [m1]", got)
	}
}

func TestTriggerTenant_PollsOnlyThatTenant(t *testing.T) {
	acctA := model.Account{TenantID: "A"}
	acctB := model.Account{TenantID: "B"}
	clientA := &fakeClient{ids: []string{"a1"}}
	clientB := &fakeClient{ids: []string{"b1"}}
	factory := &fakeFactory{clients: map[string]*fakeClient{
		acctA.Key(): clientA,
		acctB.Key(): clientB,
	}}
	seen := newFakeSeen()
	notifier := &fakeNotifier{}
	p, _ := newTestPoller(&fakeAccounts{accounts: []model.Account{acctA, acctB}}, factory, seen, notifier)

	p.pollTenant(context.Background(), "A")

	if len(notifier.sent) != 1 || notifier.sent[0].tenantID != "A" {
		t.Errorf("sent = %+v, want only tenant A", notifier.sent)
	}
}
