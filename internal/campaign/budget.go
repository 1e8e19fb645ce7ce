package campaign

import (
	"time"

	"github.com/terminal-bench/couponledger/pkg/currency"
)

// RequiredBudget is the fee liability for every claimed, unredeemed
// token that carries an affiliate.
func (c *Coupon) RequiredBudget() currency.Amount {
	return c.Fee.MulUint(c.TokensWithAffiliates)
}

// AvailableBudget is the locked budget not reserved for outstanding
// affiliate fees, floored at zero.
func (c *Coupon) AvailableBudget() currency.Amount {
	return c.LockedBudget.SubFloor(c.RequiredBudget())
}

// Solvent reports whether the locked budget covers the outstanding fee
// liability. Every operation must leave every unexpired coupon solvent.
func (c *Coupon) Solvent() bool {
	return !c.LockedBudget.LessThan(c.RequiredBudget())
}

// ClaimsRemaining is the unclaimed supply.
func (c *Coupon) ClaimsRemaining() uint64 {
	if c.TotalSupply >= c.MaxSupply {
		return 0
	}
	return c.MaxSupply - c.TotalSupply
}

// AffiliateHeadroom is how many further affiliate-attributed claims the
// budget can fund, capped at the remaining supply. Free coupons are
// only bounded by supply.
func (c *Coupon) AffiliateHeadroom() uint64 {
	remaining := c.ClaimsRemaining()
	if c.Fee.IsZero() {
		return remaining
	}
	n, err := c.AvailableBudget().DivToUint(c.Fee)
	if err != nil {
		return 0
	}
	if n > remaining {
		return remaining
	}
	return n
}

// claimableAt reports whether the claim window is open, boundaries
// inclusive on both ends.
func (c *Coupon) claimableAt(now time.Time) bool {
	return !now.Before(c.ClaimStart) && !now.After(c.ClaimEnd)
}

// redeemableAt reports whether redemption is still allowed, the
// expiration instant included.
func (c *Coupon) redeemableAt(now time.Time) bool {
	return !now.After(c.RedeemExpiration)
}

// expiredAt reports whether the redemption period is over. Affiliate
// reservations lapse at this point and the owner may drain the budget.
func (c *Coupon) expiredAt(now time.Time) bool {
	return now.After(c.RedeemExpiration)
}

// Report builds the budget engine's view of the coupon.
func (c *Coupon) Report() BudgetReport {
	return BudgetReport{
		ProjectID:            c.ProjectID,
		TokenID:              c.TokenID,
		Fee:                  c.Fee,
		Currency:             c.Currency,
		LockedBudget:         c.LockedBudget,
		RequiredBudget:       c.RequiredBudget(),
		AvailableBudget:      c.AvailableBudget(),
		TokensWithAffiliates: c.TokensWithAffiliates,
		TotalSupply:          c.TotalSupply,
		MaxSupply:            c.MaxSupply,
		RedeemedCount:        c.RedeemedCount,
		ClaimsRemaining:      c.ClaimsRemaining(),
		AffiliateHeadroom:    c.AffiliateHeadroom(),
	}
}
