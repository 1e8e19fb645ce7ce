package campaign_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/couponledger/internal/campaign"
	"github.com/terminal-bench/couponledger/internal/holdings"
	"github.com/terminal-bench/couponledger/internal/store"
	"github.com/terminal-bench/couponledger/internal/treasury"
	"github.com/terminal-bench/couponledger/pkg/currency"
	"github.com/terminal-bench/couponledger/shared/events"
)

const (
	owner     = campaign.Address("0xowner")
	holder    = campaign.Address("0xholder")
	referrer  = campaign.Address("0xreferrer")
	funder    = campaign.Address("0xfunder")
	projSlug  = "summer-drop"
	usdc      = currency.Currency("USDC")
	tokenGold = uint64(1)
)

// fixture wires a campaign service to real in-process collaborators
// plus enough hooks to steer time and inject failures.
type fixture struct {
	svc   *campaign.Service
	bank  *flakyBank
	book  *holdings.Book
	store *flakyStore
	clock *fakeClock
	sink  *eventSink
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyBank delegates to a real memory bank and can be told to refuse
// the next transfer.
type flakyBank struct {
	*treasury.MemoryBank
	mu       sync.Mutex
	failNext error
}

func (b *flakyBank) Transfer(ctx context.Context, cur currency.Currency, from, to string, amount currency.Amount) error {
	b.mu.Lock()
	err := b.failNext
	b.failNext = nil
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.MemoryBank.Transfer(ctx, cur, from, to, amount)
}

func (b *flakyBank) FailNext(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

// flakyStore delegates to a real memory store and can be told to refuse
// the next apply.
type flakyStore struct {
	*store.Memory
	mu       sync.Mutex
	failNext error
}

func (s *flakyStore) Apply(ctx context.Context, cs campaign.ChangeSet) error {
	s.mu.Lock()
	err := s.failNext
	s.failNext = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Memory.Apply(ctx, cs)
}

func (s *flakyStore) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// eventSink records every emitted event in order.
type eventSink struct {
	mu     sync.Mutex
	events []*events.BaseEvent
}

func (s *eventSink) Emit(ctx context.Context, event *events.BaseEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *eventSink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *eventSink) Last() *events.BaseEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	bank := &flakyBank{MemoryBank: treasury.NewMemoryBank(zerolog.Nop())}
	book := holdings.NewBook(zerolog.Nop())
	st := &flakyStore{Memory: store.NewMemory()}
	sink := &eventSink{}

	svc := campaign.NewService(st, bank, book, sink, zerolog.Nop())
	svc.SetNowFunc(clock.Now)

	return &fixture{svc: svc, bank: bank, book: book, store: st, clock: clock, sink: sink}
}

// newProject creates the standard test project and funds the usual
// wallets.
func (f *fixture) newProject(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	_, err := f.svc.CreateProject(ctx, owner, projSlug, "Summer Drop", "ipfs://meta")
	require.NoError(t, err)

	for _, account := range []campaign.Address{owner, funder, holder} {
		require.NoError(t, f.bank.Deposit(ctx, usdc, string(account), currency.MustParse("10000")))
	}
}

// goldSpec is a fee-bearing coupon: 5 supply, 2.5 fee, funded for 4
// affiliate claims.
func goldSpec(f *fixture) campaign.CouponSpec {
	now := f.clock.Now()
	return campaign.CouponSpec{
		TokenID:          tokenGold,
		URI:              "ipfs://gold",
		MaxSupply:        5,
		ClaimStart:       now.Add(-time.Hour),
		ClaimEnd:         now.Add(24 * time.Hour),
		RedeemExpiration: now.Add(48 * time.Hour),
		Fee:              currency.MustParse("2.5"),
		Currency:         usdc,
		InitialBudget:    currency.MustParse("10"),
	}
}

func (f *fixture) createGold(t *testing.T) *campaign.Coupon {
	t.Helper()
	c, err := f.svc.CreateCoupon(context.Background(), projSlug, owner, goldSpec(f), campaign.Payment{Currency: usdc})
	require.NoError(t, err)
	return c
}

func (f *fixture) register(t *testing.T, addr campaign.Address) {
	t.Helper()
	_, err := f.svc.RegisterAffiliate(context.Background(), projSlug, addr)
	require.NoError(t, err)
}

// requireSolvent asserts the budget invariant on one coupon.
func (f *fixture) requireSolvent(t *testing.T, tokenID uint64) {
	t.Helper()
	report, err := f.svc.BudgetReport(projSlug, tokenID)
	require.NoError(t, err)
	require.False(t, report.LockedBudget.LessThan(report.RequiredBudget),
		"locked budget %s must cover required %s", report.LockedBudget, report.RequiredBudget)
}

var errBoom = errors.New("boom")
