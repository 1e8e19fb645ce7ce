package treasury

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/couponledger/pkg/circuit"
	"github.com/terminal-bench/couponledger/pkg/currency"
)

// deadBank fails every call the way an unreachable backend would.
type deadBank struct {
	err error
}

func (b *deadBank) Deposit(ctx context.Context, cur currency.Currency, account string, amount currency.Amount) error {
	return b.err
}

func (b *deadBank) Transfer(ctx context.Context, cur currency.Currency, from, to string, amount currency.Amount) error {
	return b.err
}

func (b *deadBank) Balance(ctx context.Context, cur currency.Currency, account string) (currency.Amount, error) {
	return currency.Zero(), b.err
}

func TestBreakerBankTripsOnBackendFailures(t *testing.T) {
	ctx := context.Background()
	br := circuit.NewBreaker(circuit.Config{Name: "treasury", MaxFailures: 2, Timeout: time.Minute})
	bank := WithBreaker(&deadBank{err: errors.New("connection refused")}, br)

	one := currency.MustParse("1")
	for i := 0; i < 2; i++ {
		require.Error(t, bank.Transfer(ctx, usdc, "a", "b", one))
	}
	assert.Equal(t, circuit.StateOpen, br.State(), "two backend failures open the circuit")

	err := bank.Transfer(ctx, usdc, "a", "b", one)
	assert.ErrorIs(t, err, circuit.ErrCircuitOpen, "further calls shed without touching the backend")

	_, err = bank.Balance(ctx, usdc, "a")
	assert.ErrorIs(t, err, circuit.ErrCircuitOpen)
}

func TestBreakerBankPassesRuleRejectionsThrough(t *testing.T) {
	ctx := context.Background()
	br := circuit.NewBreaker(circuit.Config{Name: "treasury", MaxFailures: 1, Timeout: time.Minute})
	bank := WithBreaker(NewMemoryBank(zerolog.Nop()), br)

	err := bank.Transfer(ctx, usdc, "a", "b", currency.MustParse("5"))
	assert.ErrorIs(t, err, ErrInsufficientFunds, "the rejection reaches the caller")
	assert.Equal(t, circuit.StateClosed, br.State(), "a healthy backend saying no keeps the circuit closed")

	require.NoError(t, bank.Deposit(ctx, usdc, "a", currency.MustParse("10")))
	require.NoError(t, bank.Transfer(ctx, usdc, "a", "b", currency.MustParse("5")))

	got, err := bank.Balance(ctx, usdc, "b")
	require.NoError(t, err)
	assert.Equal(t, "5", got.String())
}
