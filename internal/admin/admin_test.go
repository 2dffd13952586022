package admin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ndhoang/sparrowmail/internal/model"
)

type fakeTrigger struct {
	triggered []string
}

func (f *fakeTrigger) TriggerTenant(tenantID string) {
	f.triggered = append(f.triggered, tenantID)
}

type fakeAccountAdmin struct {
	accounts   []model.Account
	descriptor map[string]string
	listErr    error
}

func (f *fakeAccountAdmin) ListAccountsForTenant(string) ([]model.Account, error) {
	return f.accounts, f.listErr
}

func (f *fakeAccountAdmin) SetDescriptor(tenantID, label, descriptor string) error {
	if f.descriptor == nil {
		f.descriptor = make(map[string]string)
	}
	f.descriptor[tenantID+"/"+label] = descriptor
	return nil
}

type fakeToggler struct {
	state map[string]bool
	err   error
}

func (f *fakeToggler) Toggle(_ context.Context, tenantID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.state[tenantID] = !f.state[tenantID]
	return f.state[tenantID], nil
}

type fakePruner struct {
	deleted int64
	horizon time.Duration
}

func (f *fakePruner) PruneSummaries(_ context.Context, olderThan time.Duration) (int64, error) {
	f.horizon = olderThan
	return f.deleted, nil
}

func newTestService(accounts *fakeAccountAdmin) (*Service, *fakeTrigger, *fakeToggler, *fakePruner) {
	trigger := &fakeTrigger{}
	toggler := &fakeToggler{state: map[string]bool{}}
	pruner := &fakePruner{deleted: 7}
	svc := NewService(trigger, accounts, toggler, pruner,
		365*24*time.Hour, "admin-1", zap.NewNop())
	return svc, trigger, toggler, pruner
}

func TestPollNow(t *testing.T) {
	svc, trigger, _, _ := newTestService(&fakeAccountAdmin{})

	reply := svc.PollNow("1001")
	if len(trigger.triggered) != 1 || trigger.triggered[0] != "1001" {
		t.Errorf("triggered = %v, want [1001]", trigger.triggered)
	}
	if !strings.Contains(reply, "Checking") {
		t.Errorf("reply = %q", reply)
	}
}

func TestListAccounts(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeAccountAdmin{accounts: []model.Account{
		{TenantID: "1001"},
		{TenantID: "1001", Label: "work@example.com", Descriptor: "Work"},
	}})

	reply := svc.ListAccounts("1001")
	if !strings.Contains(reply, "1. (primary)") || !strings.Contains(reply, "2. Work") {
		t.Errorf("reply = %q", reply)
	}
}

func TestListAccounts_Empty(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeAccountAdmin{})
	if reply := svc.ListAccounts("1001"); !strings.Contains(reply, "No mailboxes") {
		t.Errorf("reply = %q", reply)
	}
}

func TestSetDescriptor_ByIndex(t *testing.T) {
	accounts := &fakeAccountAdmin{accounts: []model.Account{
		{TenantID: "1001"},
		{TenantID: "1001", Label: "work@example.com"},
	}}
	svc, _, _, _ := newTestService(accounts)

	reply := svc.SetDescriptor("1001", "2", "Work")
	if accounts.descriptor["1001/work@example.com"] != "Work" {
		t.Errorf("descriptor not written: %v", accounts.descriptor)
	}
	if !strings.Contains(reply, "Work") {
		t.Errorf("reply = %q", reply)
	}
}

func TestSetDescriptor_ByLabel(t *testing.T) {
	accounts := &fakeAccountAdmin{accounts: []model.Account{
		{TenantID: "1001", Label: "work@example.com"},
	}}
	svc, _, _, _ := newTestService(accounts)

	svc.SetDescriptor("1001", "work@example.com", "Work")
	if accounts.descriptor["1001/work@example.com"] != "Work" {
		t.Errorf("descriptor not written: %v", accounts.descriptor)
	}
}

func TestSetDescriptor_BadSelector(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeAccountAdmin{accounts: []model.Account{
		{TenantID: "1001"},
	}})

	for _, selector := range []string{"0", "5", "nope@example.com"} {
		reply := svc.SetDescriptor("1001", selector, "X")
		if !strings.Contains(reply, "No account matches") {
			t.Errorf("selector %q: reply = %q", selector, reply)
		}
	}
}

func TestToggleProtection(t *testing.T) {
	svc, _, toggler, _ := newTestService(&fakeAccountAdmin{})

	on := svc.ToggleProtection(context.Background(), "1001")
	if !toggler.state["1001"] || !strings.Contains(on, "protected") {
		t.Errorf("first toggle: state=%v reply=%q", toggler.state, on)
	}

	off := svc.ToggleProtection(context.Background(), "1001")
	if toggler.state["1001"] || !strings.Contains(off, "forwarded") {
		t.Errorf("second toggle: state=%v reply=%q", toggler.state, off)
	}
}

func TestToggleProtection_Error(t *testing.T) {
	svc, _, toggler, _ := newTestService(&fakeAccountAdmin{})
	toggler.err = errors.New("db locked")

	reply := svc.ToggleProtection(context.Background(), "1001")
	if !strings.Contains(reply, "Could not update") {
		t.Errorf("reply = %q", reply)
	}
}

func TestPruneCache_AdminOnly(t *testing.T) {
	svc, _, _, pruner := newTestService(&fakeAccountAdmin{})

	if reply := svc.PruneCache(context.Background(), "1001"); !strings.Contains(reply, "not available") {
		t.Errorf("non-admin reply = %q", reply)
	}

	reply := svc.PruneCache(context.Background(), "admin-1")
	if !strings.Contains(reply, "7") {
		t.Errorf("admin reply = %q", reply)
	}
	if pruner.horizon != 365*24*time.Hour {
		t.Errorf("horizon = %v, want the retention window", pruner.horizon)
	}
}
