package treasury

import (
	"context"
	"errors"

	"github.com/terminal-bench/couponledger/pkg/circuit"
	"github.com/terminal-bench/couponledger/pkg/currency"
)

// BreakerBank routes every call to an inner bank through a circuit
// breaker so a failing funds backend sheds load instead of stalling
// every request. Rule rejections like insufficient funds mean the
// backend answered; they do not count against the breaker.
type BreakerBank struct {
	inner   Bank
	breaker *circuit.Breaker
}

// WithBreaker wraps a bank in a circuit breaker.
func WithBreaker(inner Bank, breaker *circuit.Breaker) *BreakerBank {
	return &BreakerBank{inner: inner, breaker: breaker}
}

func (b *BreakerBank) Deposit(ctx context.Context, cur currency.Currency, account string, amount currency.Amount) error {
	return b.run(ctx, func() error {
		return b.inner.Deposit(ctx, cur, account, amount)
	})
}

func (b *BreakerBank) Transfer(ctx context.Context, cur currency.Currency, from, to string, amount currency.Amount) error {
	return b.run(ctx, func() error {
		return b.inner.Transfer(ctx, cur, from, to, amount)
	})
}

func (b *BreakerBank) Balance(ctx context.Context, cur currency.Currency, account string) (currency.Amount, error) {
	var balance currency.Amount
	err := b.run(ctx, func() error {
		var err error
		balance, err = b.inner.Balance(ctx, cur, account)
		return err
	})
	return balance, err
}

func (b *BreakerBank) run(ctx context.Context, fn func() error) error {
	var opErr error
	err := b.breaker.Execute(ctx, func() error {
		opErr = fn()
		if isRejection(opErr) {
			return nil
		}
		return opErr
	})
	if opErr != nil {
		return opErr
	}
	return err
}

func isRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrSameAccount)
}
