package treasury

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/terminal-bench/couponledger/pkg/currency"
)

// MemoryBank keeps balances in process. One mutex guards every account
// so a transfer debits and credits atomically; there is no lock
// ordering to get wrong.
type MemoryBank struct {
	balances map[currency.Currency]map[string]currency.Amount
	mu       sync.Mutex
	logger   zerolog.Logger
}

// NewMemoryBank creates an empty in-process bank.
func NewMemoryBank(logger zerolog.Logger) *MemoryBank {
	return &MemoryBank{
		balances: make(map[currency.Currency]map[string]currency.Amount),
		logger:   logger.With().Str("component", "treasury").Logger(),
	}
}

// Deposit credits an account out of thin air. This is the entry point
// for attached native value and for operator funding.
func (b *MemoryBank) Deposit(ctx context.Context, cur currency.Currency, account string, amount currency.Amount) error {
	if account == "" {
		return ErrInvalidAccount
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.credit(cur, account, amount)
	b.logger.Debug().
		Str("currency", string(cur)).
		Str("account", account).
		Str("amount", amount.String()).
		Msg("deposit")
	return nil
}

// Transfer moves funds between two accounts. Zero amounts are a no-op.
func (b *MemoryBank) Transfer(ctx context.Context, cur currency.Currency, from, to string, amount currency.Amount) error {
	if amount.IsZero() {
		return nil
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if from == "" || to == "" {
		return ErrInvalidAccount
	}
	if from == to {
		return ErrSameAccount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	have := b.balance(cur, from)
	if have.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from, have, amount)
	}
	remaining, err := have.Sub(amount)
	if err != nil {
		return err
	}
	b.balances[cur][from] = remaining
	b.credit(cur, to, amount)

	b.logger.Debug().
		Str("currency", string(cur)).
		Str("from", from).
		Str("to", to).
		Str("amount", amount.String()).
		Msg("transfer")
	return nil
}

// Balance returns an account's balance, zero for unknown accounts.
func (b *MemoryBank) Balance(ctx context.Context, cur currency.Currency, account string) (currency.Amount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance(cur, account), nil
}

// Total sums every balance in one currency. Deposits are the only mint,
// so the total only moves when Deposit runs.
func (b *MemoryBank) Total(cur currency.Currency) currency.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := currency.Zero()
	for _, amount := range b.balances[cur] {
		total = total.Add(amount)
	}
	return total
}

func (b *MemoryBank) balance(cur currency.Currency, account string) currency.Amount {
	accounts := b.balances[cur]
	if accounts == nil {
		return currency.Zero()
	}
	return accounts[account]
}

func (b *MemoryBank) credit(cur currency.Currency, account string, amount currency.Amount) {
	accounts := b.balances[cur]
	if accounts == nil {
		accounts = make(map[string]currency.Amount)
		b.balances[cur] = accounts
	}
	accounts[account] = accounts[account].Add(amount)
}
