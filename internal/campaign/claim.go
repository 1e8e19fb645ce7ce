package campaign

import (
	"context"
	"fmt"

	"github.com/terminal-bench/couponledger/pkg/currency"
	"github.com/terminal-bench/couponledger/shared/events"
)

// Claim records a holder's claim on a coupon and mints the token. A
// holder claims each coupon at most once. An affiliate attribution
// reserves one fee out of the locked budget for the life of the claim.
func (s *Service) Claim(ctx context.Context, slug string, holder Address, tokenID uint64, affiliate Address) (*Claim, error) {
	if holder.IsZero() {
		return nil, fmt.Errorf("campaign: holder address required")
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
	now := s.now()
	if !c.claimableAt(now) {
		return nil, fmt.Errorf("%w: open %s to %s", ErrClaimWindowClosed,
			c.ClaimStart.Format("2006-01-02T15:04:05Z07:00"),
			c.ClaimEnd.Format("2006-01-02T15:04:05Z07:00"))
	}
	if _, claimed := p.claims[tokenID][holder]; claimed {
		return nil, ErrAlreadyClaimed
	}
	if c.TotalSupply >= c.MaxSupply {
		return nil, fmt.Errorf("%w: all %d claimed", ErrSupplyExhausted, c.MaxSupply)
	}

	var aff *Affiliate
	if !affiliate.IsZero() {
		aff, ok = p.affiliates[affiliate]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAffiliate, affiliate)
		}
		if affiliate == holder {
			return nil, ErrSelfReferral
		}
		if c.Fee.IsPositive() {
			// Reserve the fee now. Checking at redemption instead would
			// let attributed claims outrun the budget.
			needed := c.Fee.MulUint(c.TokensWithAffiliates + 1)
			if c.LockedBudget.LessThan(needed) {
				return nil, fmt.Errorf("%w: need %s locked, have %s",
					ErrInsufficientBudget, needed, c.LockedBudget)
			}
		}
	}

	cc := c.clone()
	cc.TotalSupply++
	cc.Version++
	claim := &Claim{
		ProjectID: p.ID,
		TokenID:   tokenID,
		Holder:    holder,
		Affiliate: affiliate,
		ClaimedAt: now,
	}
	cs := ChangeSet{Coupons: []*Coupon{cc}, Claims: []*Claim{claim}}

	var ac *Affiliate
	if aff != nil {
		cc.TokensWithAffiliates++
		ac = aff.clone()
		ac.ReferralCount++
		cs.Affiliates = []*Affiliate{ac}
	}

	if err := s.book.Mint(ctx, p.ID, tokenID, string(holder)); err != nil {
		return nil, fmt.Errorf("mint claim token: %w", err)
	}
	if err := s.store.Apply(ctx, cs); err != nil {
		if burnErr := s.book.Burn(ctx, p.ID, tokenID, string(holder)); burnErr != nil {
			s.logger.Error().Err(burnErr).
				Str("project", p.Slug).
				Uint64("token_id", tokenID).
				Str("holder", string(holder)).
				Msg("burn after failed persist did not go through")
		}
		return nil, fmt.Errorf("persist claim: %w", err)
	}

	p.coupons[tokenID] = cc
	perToken := p.claims[tokenID]
	if perToken == nil {
		perToken = make(map[Address]*Claim)
		p.claims[tokenID] = perToken
	}
	perToken[holder] = claim
	if ac != nil {
		p.affiliates[affiliate] = ac
	}

	s.emit(ctx, events.CouponClaimed, p.ID, p.Slug, events.ClaimData{
		ProjectID:   p.ID,
		TokenID:     tokenID,
		Holder:      string(holder),
		Affiliate:   string(affiliate),
		TotalSupply: cc.TotalSupply,
		MaxSupply:   cc.MaxSupply,
	}, holder)

	return claim.clone(), nil
}

// Redeem settles one holder's claim. Only the project owner triggers
// settlement. The claimed token is consumed, and an attributed claim
// pays the affiliate its fee out of the vault. A failed payout leaves
// no trace: every state delta is rolled back.
func (s *Service) Redeem(ctx context.Context, slug string, caller Address, tokenID uint64, holder Address) (*Redemption, error) {
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
	claim, ok := p.claims[tokenID][holder]
	if !ok {
		return nil, fmt.Errorf("%w: holder %s", ErrNothingToRedeem, holder)
	}
	if claim.Redeemed {
		return nil, ErrAlreadyRedeemed
	}
	now := s.now()
	if !c.redeemableAt(now) {
		return nil, fmt.Errorf("%w: deadline was %s", ErrRedemptionExpired,
			c.RedeemExpiration.Format("2006-01-02T15:04:05Z07:00"))
	}

	cc := c.clone()
	cc.RedeemedCount++
	cc.Version++
	cl := claim.clone()
	cl.Redeemed = true
	redeemedAt := now
	cl.RedeemedAt = &redeemedAt
	cs := ChangeSet{Coupons: []*Coupon{cc}, Claims: []*Claim{cl}}

	feePaid := currency.Zero()
	var ac *Affiliate
	if claim.HasAffiliate() {
		if cc.TokensWithAffiliates == 0 {
			return nil, fmt.Errorf("campaign: affiliate reservation count underflow on token %d", tokenID)
		}
		cc.TokensWithAffiliates--
		if c.Fee.IsPositive() {
			remaining, err := cc.LockedBudget.Sub(c.Fee)
			if err != nil {
				return nil, fmt.Errorf("campaign: locked budget underflow: %w", err)
			}
			cc.LockedBudget = remaining
			feePaid = c.Fee
		}
		if a, known := p.affiliates[claim.Affiliate]; known {
			ac = a.clone()
			ac.EarnedTotal = ac.EarnedTotal.Add(feePaid)
			cs.Affiliates = []*Affiliate{ac}
		}
	}

	if feePaid.IsPositive() {
		if err := s.bank.Transfer(ctx, c.Currency, VaultAccount(p.ID), string(claim.Affiliate), feePaid); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayoutFailed, err)
		}
	}
	if err := s.store.Apply(ctx, cs); err != nil {
		if feePaid.IsPositive() {
			s.compensate(ctx, p, string(claim.Affiliate), c.Currency, feePaid)
		}
		return nil, fmt.Errorf("persist redemption: %w", err)
	}
	if err := s.book.Burn(ctx, p.ID, tokenID, string(holder)); err != nil {
		// The claim row is authoritative; a missing token balance is an
		// inconsistency to surface, not a reason to fail settlement.
		s.logger.Error().Err(err).
			Str("project", p.Slug).
			Uint64("token_id", tokenID).
			Str("holder", string(holder)).
			Msg("claimed token missing at redemption")
	}

	p.coupons[tokenID] = cc
	p.claims[tokenID][holder] = cl
	if ac != nil {
		p.affiliates[claim.Affiliate] = ac
	}

	s.emit(ctx, events.CouponRedeemed, p.ID, p.Slug, events.RedemptionData{
		ProjectID:    p.ID,
		TokenID:      tokenID,
		Holder:       string(holder),
		Affiliate:    string(claim.Affiliate),
		FeePaid:      feePaid.String(),
		Currency:     string(c.Currency),
		LockedBudget: cc.LockedBudget.String(),
	}, caller)

	return &Redemption{
		ProjectID: p.ID,
		TokenID:   tokenID,
		Holder:    holder,
		Affiliate: claim.Affiliate,
		FeePaid:   feePaid,
		Currency:  c.Currency,
		At:        now,
	}, nil
}
