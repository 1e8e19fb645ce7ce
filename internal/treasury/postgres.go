package treasury

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/terminal-bench/couponledger/pkg/currency"
)

const schema = `
CREATE TABLE IF NOT EXISTS treasury_accounts (
	currency   TEXT        NOT NULL,
	account    TEXT        NOT NULL,
	balance    NUMERIC(30,10) NOT NULL DEFAULT 0,
	version    BIGINT      NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (currency, account)
)`

// PostgresBank keeps balances in Postgres. Every movement runs in one
// transaction with the touched rows locked, so concurrent transfers
// serialize per account instead of per bank.
type PostgresBank struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPostgresBank creates a bank over an open database handle.
func NewPostgresBank(db *sql.DB, logger zerolog.Logger) *PostgresBank {
	return &PostgresBank{
		db:     db,
		logger: logger.With().Str("component", "treasury").Logger(),
	}
}

// EnsureSchema creates the treasury table when missing.
func (b *PostgresBank) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("treasury schema: %w", err)
	}
	return nil
}

// Deposit credits an account, creating its row on first use.
func (b *PostgresBank) Deposit(ctx context.Context, cur currency.Currency, account string, amount currency.Amount) error {
	if account == "" {
		return ErrInvalidAccount
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO treasury_accounts (currency, account, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (currency, account)
		DO UPDATE SET balance = treasury_accounts.balance + EXCLUDED.balance,
		              version = treasury_accounts.version + 1,
		              updated_at = now()`,
		string(cur), account, amount.String())
	if err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	return nil
}

// Transfer moves funds between two accounts in one transaction.
func (b *PostgresBank) Transfer(ctx context.Context, cur currency.Currency, from, to string, amount currency.Amount) error {
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

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback()

	// Both rows must exist before locking so the lock order below is
	// the only ordering in play.
	for _, account := range []string{from, to} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO treasury_accounts (currency, account)
			VALUES ($1, $2)
			ON CONFLICT (currency, account) DO NOTHING`,
			string(cur), account); err != nil {
			return fmt.Errorf("ensure account %s: %w", account, err)
		}
	}

	// Lock rows in account order; concurrent opposite transfers then
	// cannot deadlock.
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	balances := map[string]currency.Amount{}
	for _, account := range []string{first, second} {
		var raw string
		err := tx.QueryRowContext(ctx, `
			SELECT balance FROM treasury_accounts
			WHERE currency = $1 AND account = $2
			FOR UPDATE`,
			string(cur), account).Scan(&raw)
		if err != nil {
			return fmt.Errorf("lock account %s: %w", account, err)
		}
		balance, err := currency.Parse(raw)
		if err != nil {
			return fmt.Errorf("account %s balance: %w", account, err)
		}
		balances[account] = balance
	}

	if balances[from].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from, balances[from], amount)
	}

	debited, err := balances[from].Sub(amount)
	if err != nil {
		return err
	}
	if err := b.setBalance(ctx, tx, cur, from, debited); err != nil {
		return err
	}
	if err := b.setBalance(ctx, tx, cur, to, balances[to].Add(amount)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer: %w", err)
	}

	b.logger.Debug().
		Str("currency", string(cur)).
		Str("from", from).
		Str("to", to).
		Str("amount", amount.String()).
		Msg("transfer")
	return nil
}

// Balance returns an account's balance, zero for unknown accounts.
func (b *PostgresBank) Balance(ctx context.Context, cur currency.Currency, account string) (currency.Amount, error) {
	var raw string
	err := b.db.QueryRowContext(ctx, `
		SELECT balance FROM treasury_accounts
		WHERE currency = $1 AND account = $2`,
		string(cur), account).Scan(&raw)
	if err == sql.ErrNoRows {
		return currency.Zero(), nil
	}
	if err != nil {
		return currency.Zero(), fmt.Errorf("balance: %w", err)
	}
	return currency.Parse(raw)
}

func (b *PostgresBank) setBalance(ctx context.Context, tx *sql.Tx, cur currency.Currency, account string, balance currency.Amount) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE treasury_accounts
		SET balance = $3, version = version + 1, updated_at = now()
		WHERE currency = $1 AND account = $2`,
		string(cur), account, balance.String())
	if err != nil {
		return fmt.Errorf("update account %s: %w", account, err)
	}
	return nil
}
