// Package treasury holds custodial currency balances: caller deposits,
// project vaults and affiliate earnings. Transfers are all-or-nothing.
package treasury

import (
	"context"
	"errors"

	"github.com/terminal-bench/couponledger/pkg/currency"
)

var (
	ErrInvalidAmount     = errors.New("treasury: amount must be positive")
	ErrInvalidAccount    = errors.New("treasury: account name required")
	ErrSameAccount       = errors.New("treasury: transfer to the same account")
	ErrInsufficientFunds = errors.New("treasury: insufficient funds")
)

// Bank is the full treasury surface. The campaign engine only consumes
// the Transfer part; deposits and balance reads serve the API.
type Bank interface {
	Deposit(ctx context.Context, cur currency.Currency, account string, amount currency.Amount) error
	Transfer(ctx context.Context, cur currency.Currency, from, to string, amount currency.Amount) error
	Balance(ctx context.Context, cur currency.Currency, account string) (currency.Amount, error)
}
