package campaign

import (
	"context"
	"fmt"

	"github.com/terminal-bench/couponledger/pkg/currency"
	"github.com/terminal-bench/couponledger/shared/events"
)

// CreateCoupon adds a coupon to a project and locks its initial budget.
// Only the project owner may create coupons. The initial budget moves
// from the caller into the project vault before anything is persisted.
func (s *Service) CreateCoupon(ctx context.Context, slug string, caller Address, spec CouponSpec, payment Payment) (*Coupon, error) {
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Owner != caller {
		return nil, ErrNotOwner
	}
	if _, exists := p.coupons[spec.TokenID]; exists {
		return nil, fmt.Errorf("%w: token %d", ErrCouponExists, spec.TokenID)
	}
	if spec.MaxSupply == 0 {
		return nil, ErrInvalidSupply
	}
	if !spec.ClaimStart.Before(spec.ClaimEnd) || !spec.ClaimEnd.Before(spec.RedeemExpiration) {
		return nil, ErrInvalidTimeframe
	}
	if spec.Fee.IsPositive() || spec.InitialBudget.IsPositive() {
		if !spec.Currency.Valid() {
			return nil, fmt.Errorf("%w: fee currency required", ErrInvalidPayment)
		}
	}
	if spec.Fee.IsPositive() && spec.InitialBudget.LessThan(spec.Fee) {
		return nil, fmt.Errorf("%w: initial budget %s cannot fund a single fee of %s",
			ErrInsufficientBudget, spec.InitialBudget, spec.Fee)
	}
	// The cap applies at creation only; later top-ups are unbounded.
	if maxLiability := spec.Fee.MulUint(spec.MaxSupply); spec.InitialBudget.GreaterThan(maxLiability) {
		return nil, fmt.Errorf("%w: %s exceeds max liability %s",
			ErrExcessiveBudget, spec.InitialBudget, maxLiability)
	}
	if err := validatePayment(spec.Currency, spec.InitialBudget, payment); err != nil {
		return nil, err
	}

	now := s.now()
	c := &Coupon{
		ProjectID:        p.ID,
		TokenID:          spec.TokenID,
		URI:              spec.URI,
		MaxSupply:        spec.MaxSupply,
		ClaimStart:       spec.ClaimStart,
		ClaimEnd:         spec.ClaimEnd,
		RedeemExpiration: spec.RedeemExpiration,
		Fee:              spec.Fee,
		Currency:         spec.Currency,
		LockedBudget:     spec.InitialBudget,
		CreatedAt:        now,
		Version:          1,
	}

	if spec.InitialBudget.IsPositive() {
		if err := s.collectPayment(ctx, p, caller, spec.Currency, spec.InitialBudget, payment); err != nil {
			return nil, fmt.Errorf("fund budget: %w", err)
		}
	}
	if err := s.store.Apply(ctx, ChangeSet{Coupons: []*Coupon{c}}); err != nil {
		s.refund(ctx, p, string(caller), spec.Currency, spec.InitialBudget)
		return nil, fmt.Errorf("persist coupon: %w", err)
	}
	p.coupons[c.TokenID] = c

	s.emit(ctx, events.CouponCreated, p.ID, p.Slug, events.CouponData{
		ProjectID:        p.ID,
		TokenID:          c.TokenID,
		URI:              c.URI,
		MaxSupply:        c.MaxSupply,
		ClaimStart:       c.ClaimStart,
		ClaimEnd:         c.ClaimEnd,
		RedeemExpiration: c.RedeemExpiration,
		Fee:              c.Fee.String(),
		Currency:         string(c.Currency),
		LockedBudget:     c.LockedBudget.String(),
	}, caller)
	if c.LockedBudget.IsPositive() {
		s.emitBudget(ctx, events.BudgetLocked, p.Slug, c, caller, c.LockedBudget, false)
	}

	return c.clone(), nil
}

// UpdateCouponURI replaces a coupon's metadata URI.
func (s *Service) UpdateCouponURI(ctx context.Context, slug string, caller Address, tokenID uint64, uri string) (*Coupon, error) {
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Owner != caller {
		return nil, ErrNotOwner
	}
	c, ok := p.coupons[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: token %d", ErrUnknownCoupon, tokenID)
	}

	cc := c.clone()
	cc.URI = uri
	cc.Version++

	if err := s.store.Apply(ctx, ChangeSet{Coupons: []*Coupon{cc}}); err != nil {
		return nil, fmt.Errorf("persist coupon: %w", err)
	}
	p.coupons[tokenID] = cc

	s.emit(ctx, events.MetadataUpdated, p.ID, p.Slug, events.CouponData{
		ProjectID: p.ID,
		TokenID:   cc.TokenID,
		URI:       cc.URI,
	}, caller)

	return cc.clone(), nil
}

// LockBudget tops up a coupon's locked budget. Anyone may fund a
// coupon; there is no upper bound on top-ups.
func (s *Service) LockBudget(ctx context.Context, slug string, caller Address, tokenID uint64, amount currency.Amount, payment Payment) (*BudgetReport, error) {
	if caller.IsZero() {
		return nil, fmt.Errorf("campaign: caller address required")
	}
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.coupons[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: token %d", ErrUnknownCoupon, tokenID)
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !c.Currency.Valid() {
		return nil, fmt.Errorf("%w: coupon has no fee currency", ErrInvalidPayment)
	}
	if err := validatePayment(c.Currency, amount, payment); err != nil {
		return nil, err
	}

	cc := c.clone()
	cc.LockedBudget = cc.LockedBudget.Add(amount)
	cc.Version++

	if err := s.collectPayment(ctx, p, caller, c.Currency, amount, payment); err != nil {
		return nil, fmt.Errorf("fund budget: %w", err)
	}
	if err := s.store.Apply(ctx, ChangeSet{Coupons: []*Coupon{cc}}); err != nil {
		s.refund(ctx, p, string(caller), c.Currency, amount)
		return nil, fmt.Errorf("persist budget: %w", err)
	}
	p.coupons[tokenID] = cc

	s.emitBudget(ctx, events.BudgetLocked, p.Slug, cc, caller, amount, false)

	report := cc.Report()
	return &report, nil
}

// WithdrawBudget releases locked budget back to the owner. Before the
// redemption deadline only the unreserved part may leave; afterwards
// outstanding reservations lapse and the full remainder may leave.
// Asking for more than is locked fails in either phase.
func (s *Service) WithdrawBudget(ctx context.Context, slug string, caller Address, tokenID uint64, amount currency.Amount) (*BudgetReport, error) {
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Owner != caller {
		return nil, ErrNotOwner
	}
	c, ok := p.coupons[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: token %d", ErrUnknownCoupon, tokenID)
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if c.LockedBudget.LessThan(amount) {
		return nil, fmt.Errorf("%w: %s exceeds locked %s",
			ErrInvalidWithdrawal, amount, c.LockedBudget)
	}
	now := s.now()
	expired := c.expiredAt(now)
	if !expired && c.AvailableBudget().LessThan(amount) {
		return nil, fmt.Errorf("%w: %s exceeds available %s",
			ErrInsufficientBudget, amount, c.AvailableBudget())
	}

	cc := c.clone()
	remaining, err := cc.LockedBudget.Sub(amount)
	if err != nil {
		return nil, fmt.Errorf("campaign: locked budget underflow: %w", err)
	}
	cc.LockedBudget = remaining
	cc.Version++

	if err := s.bank.Transfer(ctx, c.Currency, VaultAccount(p.ID), string(p.Owner), amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayoutFailed, err)
	}
	if err := s.store.Apply(ctx, ChangeSet{Coupons: []*Coupon{cc}}); err != nil {
		s.compensate(ctx, p, string(p.Owner), c.Currency, amount)
		return nil, fmt.Errorf("persist budget: %w", err)
	}
	p.coupons[tokenID] = cc

	s.emitBudget(ctx, events.BudgetWithdrawn, p.Slug, cc, caller, amount, expired)

	report := cc.Report()
	return &report, nil
}

// validatePayment checks that the caller's payment matches the amount
// being moved. Native currency must arrive as attached value; any other
// currency is pulled from the caller's balance, so no value may ride
// along.
func validatePayment(cur currency.Currency, amount currency.Amount, payment Payment) error {
	if amount.IsZero() {
		if payment.Value.IsPositive() {
			return fmt.Errorf("%w: unexpected value %s", ErrInvalidPayment, payment.Value)
		}
		return nil
	}
	if payment.Currency != cur {
		return fmt.Errorf("%w: expected currency %s", ErrInvalidPayment, cur)
	}
	if cur.IsNative() {
		if !payment.Value.Equal(amount) {
			return fmt.Errorf("%w: attached value %s, need %s", ErrInvalidPayment, payment.Value, amount)
		}
		return nil
	}
	if payment.Value.IsPositive() {
		return fmt.Errorf("%w: token payments carry no attached value", ErrInvalidPayment)
	}
	return nil
}

// collectPayment moves an operation's funding into the project vault.
// Native value arrives attached to the call and is credited to the
// payer before the transfer; any other currency draws on the payer's
// deposited balance. validatePayment has already matched the attached
// value to the amount.
func (s *Service) collectPayment(ctx context.Context, p *Project, payer Address, cur currency.Currency, amount currency.Amount, payment Payment) error {
	if !amount.IsPositive() {
		return nil
	}
	if cur.IsNative() {
		if err := s.bank.Deposit(ctx, cur, string(payer), payment.Value); err != nil {
			return err
		}
	}
	return s.bank.Transfer(ctx, cur, string(payer), VaultAccount(p.ID), amount)
}

// refund returns funds to a payer after a failed persist. Best effort:
// a failure here leaves the vault over-funded, which is logged and
// reconciled manually rather than compounded.
func (s *Service) refund(ctx context.Context, p *Project, payer string, cur currency.Currency, amount currency.Amount) {
	if !amount.IsPositive() {
		return
	}
	if err := s.bank.Transfer(ctx, cur, VaultAccount(p.ID), payer, amount); err != nil {
		s.logger.Error().Err(err).
			Str("project", p.Slug).
			Str("payer", payer).
			Str("amount", amount.String()).
			Msg("refund after failed persist did not go through")
	}
}

// compensate pulls an already paid amount back into the vault after a
// failed persist.
func (s *Service) compensate(ctx context.Context, p *Project, payee string, cur currency.Currency, amount currency.Amount) {
	if !amount.IsPositive() {
		return
	}
	if err := s.bank.Transfer(ctx, cur, payee, VaultAccount(p.ID), amount); err != nil {
		s.logger.Error().Err(err).
			Str("project", p.Slug).
			Str("payee", payee).
			Str("amount", amount.String()).
			Msg("compensating transfer did not go through")
	}
}

func (s *Service) emitBudget(ctx context.Context, eventType string, slug string, c *Coupon, actor Address, amount currency.Amount, afterExpiry bool) {
	s.emit(ctx, eventType, c.ProjectID, slug, events.BudgetData{
		ProjectID:       c.ProjectID,
		TokenID:         c.TokenID,
		Actor:           string(actor),
		Amount:          amount.String(),
		Currency:        string(c.Currency),
		LockedBudget:    c.LockedBudget.String(),
		RequiredBudget:  c.RequiredBudget().String(),
		AvailableBudget: c.AvailableBudget().String(),
		AfterExpiry:     afterExpiry,
	}, actor)
}
