package campaign

import "errors"

var (
	// Registry errors
	ErrProjectExists  = errors.New("campaign: project already exists")
	ErrUnknownProject = errors.New("campaign: project not found")
	ErrInvalidSlug    = errors.New("campaign: invalid project slug")

	// Authorization errors
	ErrNotOwner = errors.New("campaign: caller is not the project owner")

	// Coupon errors
	ErrCouponExists     = errors.New("campaign: coupon already exists")
	ErrUnknownCoupon    = errors.New("campaign: coupon not found")
	ErrInvalidSupply    = errors.New("campaign: supply must be positive")
	ErrInvalidTimeframe = errors.New("campaign: claim and redemption times are out of order")

	// Claim errors
	ErrClaimWindowClosed = errors.New("campaign: claim window is closed")
	ErrSupplyExhausted   = errors.New("campaign: coupon supply exhausted")
	ErrAlreadyClaimed    = errors.New("campaign: holder already claimed this coupon")
	ErrNothingToRedeem   = errors.New("campaign: holder has no claim to redeem")
	ErrAlreadyRedeemed   = errors.New("campaign: claim already redeemed")
	ErrRedemptionExpired = errors.New("campaign: redemption period has expired")

	// Affiliate errors
	ErrAffiliateExists  = errors.New("campaign: affiliate already registered")
	ErrUnknownAffiliate = errors.New("campaign: affiliate not registered")
	ErrSelfReferral     = errors.New("campaign: holders cannot refer themselves")

	// Budget errors
	ErrInsufficientBudget = errors.New("campaign: insufficient locked budget")
	ErrExcessiveBudget    = errors.New("campaign: budget exceeds maximum fee liability")
	ErrInvalidWithdrawal  = errors.New("campaign: withdrawal exceeds locked budget")
	ErrInvalidAmount      = errors.New("campaign: amount must be positive")
	ErrInvalidPayment     = errors.New("campaign: payment does not match the requested amount")

	// Settlement errors
	ErrPayoutFailed = errors.New("campaign: fee payout failed")
)
