package campaign_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/couponledger/internal/campaign"
	"github.com/terminal-bench/couponledger/shared/events"
)

func TestClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("plain claim mints the token", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)

		claim, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, "")
		require.NoError(t, err)
		assert.False(t, claim.HasAffiliate())
		assert.False(t, claim.Redeemed)

		coupon, err := f.svc.GetCoupon(projSlug, tokenGold)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), coupon.TotalSupply)
		assert.Equal(t, uint64(0), coupon.TokensWithAffiliates)

		info, err := f.svc.GetProject(projSlug)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), f.book.BalanceOf(info.ID, tokenGold, string(holder)))
		assert.Equal(t, events.CouponClaimed, f.sink.Last().Type)
	})

	t.Run("attributed claim reserves one fee", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)
		f.register(t, referrer)

		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, referrer)
		require.NoError(t, err)

		report, err := f.svc.BudgetReport(projSlug, tokenGold)
		require.NoError(t, err)
		assert.Equal(t, "2.5", report.RequiredBudget.String())
		assert.Equal(t, "7.5", report.AvailableBudget.String())
		f.requireSolvent(t, tokenGold)

		aff, err := f.svc.GetAffiliate(projSlug, referrer)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), aff.ReferralCount)
		assert.True(t, aff.EarnedTotal.IsZero(), "earnings land at redemption, not at claim")
	})

	t.Run("second claim by the same holder fails", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)

		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, "")
		require.NoError(t, err)
		_, err = f.svc.Claim(ctx, projSlug, holder, tokenGold, "")
		assert.ErrorIs(t, err, campaign.ErrAlreadyClaimed)
	})

	t.Run("self referral rejected", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)
		f.register(t, holder)

		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, holder)
		assert.ErrorIs(t, err, campaign.ErrSelfReferral)
	})

	t.Run("unregistered affiliate rejected", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)

		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, referrer)
		assert.ErrorIs(t, err, campaign.ErrUnknownAffiliate)
	})

	t.Run("supply exhaustion", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)

		for i := 0; i < 5; i++ {
			addr := campaign.Address(fmt.Sprintf("0xh%d", i))
			_, err := f.svc.Claim(ctx, projSlug, addr, tokenGold, "")
			require.NoError(t, err)
		}
		_, err := f.svc.Claim(ctx, projSlug, campaign.Address("0xlate"), tokenGold, "")
		assert.ErrorIs(t, err, campaign.ErrSupplyExhausted)

		// A holder who already claimed sees their own conflict, not the
		// sold-out signal.
		_, err = f.svc.Claim(ctx, projSlug, campaign.Address("0xh0"), tokenGold, "")
		assert.ErrorIs(t, err, campaign.ErrAlreadyClaimed)
	})

	t.Run("window boundaries are inclusive", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		c := f.createGold(t)

		f.clock.Set(c.ClaimStart)
		_, err := f.svc.Claim(ctx, projSlug, campaign.Address("0xa"), tokenGold, "")
		assert.NoError(t, err, "claim exactly at the window start")

		f.clock.Set(c.ClaimEnd)
		_, err = f.svc.Claim(ctx, projSlug, campaign.Address("0xb"), tokenGold, "")
		assert.NoError(t, err, "claim exactly at the window end")

		f.clock.Set(c.ClaimEnd.Add(time.Second))
		_, err = f.svc.Claim(ctx, projSlug, campaign.Address("0xc"), tokenGold, "")
		assert.ErrorIs(t, err, campaign.ErrClaimWindowClosed)

		f.clock.Set(c.ClaimStart.Add(-time.Second))
		_, err = f.svc.Claim(ctx, projSlug, campaign.Address("0xd"), tokenGold, "")
		assert.ErrorIs(t, err, campaign.ErrClaimWindowClosed)
	})

	t.Run("affiliate claims stop when the budget cannot cover another fee", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)
		f.register(t, referrer)

		// 10 locked / 2.5 fee funds exactly four attributed claims.
		for i := 0; i < 4; i++ {
			addr := campaign.Address(fmt.Sprintf("0xh%d", i))
			_, err := f.svc.Claim(ctx, projSlug, addr, tokenGold, referrer)
			require.NoError(t, err)
		}

		_, err := f.svc.Claim(ctx, projSlug, campaign.Address("0xfifth"), tokenGold, referrer)
		assert.ErrorIs(t, err, campaign.ErrInsufficientBudget,
			"a fifth attributed claim would break solvency")

		// The same holder can still claim without attribution.
		_, err = f.svc.Claim(ctx, projSlug, campaign.Address("0xfifth"), tokenGold, "")
		assert.NoError(t, err)
		f.requireSolvent(t, tokenGold)
	})

	t.Run("failed persist burns the minted token back", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)
		f.store.FailNext(errBoom)

		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, "")
		require.Error(t, err)

		info, err := f.svc.GetProject(projSlug)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), f.book.BalanceOf(info.ID, tokenGold, string(holder)))

		coupon, err := f.svc.GetCoupon(projSlug, tokenGold)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), coupon.TotalSupply)

		// The holder can claim again once the store recovers.
		_, err = f.svc.Claim(ctx, projSlug, holder, tokenGold, "")
		assert.NoError(t, err)
	})
}

func TestRedeem(t *testing.T) {
	ctx := context.Background()

	t.Run("full lifecycle settles the affiliate fee", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)
		f.register(t, referrer)

		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, referrer)
		require.NoError(t, err)

		redemption, err := f.svc.Redeem(ctx, projSlug, owner, tokenGold, holder)
		require.NoError(t, err)
		assert.Equal(t, "2.5", redemption.FeePaid.String())
		assert.Equal(t, referrer, redemption.Affiliate)

		refBalance, err := f.bank.Balance(ctx, usdc, string(referrer))
		require.NoError(t, err)
		assert.Equal(t, "2.5", refBalance.String(), "the affiliate is paid at settlement")

		report, err := f.svc.BudgetReport(projSlug, tokenGold)
		require.NoError(t, err)
		assert.Equal(t, "7.5", report.LockedBudget.String())
		assert.True(t, report.RequiredBudget.IsZero())
		f.requireSolvent(t, tokenGold)

		aff, err := f.svc.GetAffiliate(projSlug, referrer)
		require.NoError(t, err)
		assert.Equal(t, "2.5", aff.EarnedTotal.String())

		info, err := f.svc.GetProject(projSlug)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), f.book.BalanceOf(info.ID, tokenGold, string(holder)),
			"the claimed token is consumed")
		assert.Equal(t, events.CouponRedeemed, f.sink.Last().Type)
	})

	t.Run("plain claim settles without a payout", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)

		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, "")
		require.NoError(t, err)

		redemption, err := f.svc.Redeem(ctx, projSlug, owner, tokenGold, holder)
		require.NoError(t, err)
		assert.True(t, redemption.FeePaid.IsZero())

		report, err := f.svc.BudgetReport(projSlug, tokenGold)
		require.NoError(t, err)
		assert.Equal(t, "10", report.LockedBudget.String(), "no fee leaves the vault")
	})

	t.Run("only the owner settles", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)
		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, "")
		require.NoError(t, err)

		_, err = f.svc.Redeem(ctx, projSlug, holder, tokenGold, holder)
		assert.ErrorIs(t, err, campaign.ErrNotOwner)
	})

	t.Run("unclaimed holder has nothing to redeem", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)

		_, err := f.svc.Redeem(ctx, projSlug, owner, tokenGold, holder)
		assert.ErrorIs(t, err, campaign.ErrNothingToRedeem)
	})

	t.Run("second redemption fails loudly", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)
		f.register(t, referrer)
		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, referrer)
		require.NoError(t, err)

		_, err = f.svc.Redeem(ctx, projSlug, owner, tokenGold, holder)
		require.NoError(t, err)
		_, err = f.svc.Redeem(ctx, projSlug, owner, tokenGold, holder)
		assert.ErrorIs(t, err, campaign.ErrAlreadyRedeemed)

		refBalance, err := f.bank.Balance(ctx, usdc, string(referrer))
		require.NoError(t, err)
		assert.Equal(t, "2.5", refBalance.String(), "the fee must not be paid twice")
	})

	t.Run("redemption deadline is inclusive", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		c := f.createGold(t)
		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, "")
		require.NoError(t, err)

		f.clock.Set(c.RedeemExpiration)
		_, err = f.svc.Redeem(ctx, projSlug, owner, tokenGold, holder)
		assert.NoError(t, err, "redeem exactly at the deadline")
	})

	t.Run("redemption after expiry fails", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		c := f.createGold(t)
		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, "")
		require.NoError(t, err)

		f.clock.Set(c.RedeemExpiration.Add(time.Second))
		_, err = f.svc.Redeem(ctx, projSlug, owner, tokenGold, holder)
		assert.ErrorIs(t, err, campaign.ErrRedemptionExpired)
	})

	t.Run("failed payout rolls every delta back", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)
		f.register(t, referrer)
		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, referrer)
		require.NoError(t, err)

		f.bank.FailNext(errBoom)
		_, err = f.svc.Redeem(ctx, projSlug, owner, tokenGold, holder)
		assert.ErrorIs(t, err, campaign.ErrPayoutFailed)

		claim, err := f.svc.GetClaim(projSlug, tokenGold, holder)
		require.NoError(t, err)
		assert.False(t, claim.Redeemed, "the claim must stay redeemable")

		report, err := f.svc.BudgetReport(projSlug, tokenGold)
		require.NoError(t, err)
		assert.Equal(t, "10", report.LockedBudget.String())
		assert.Equal(t, uint64(1), report.TokensWithAffiliates, "the reservation survives")

		info, err := f.svc.GetProject(projSlug)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), f.book.BalanceOf(info.ID, tokenGold, string(holder)),
			"the token is not consumed")

		// Settlement succeeds once the bank recovers.
		_, err = f.svc.Redeem(ctx, projSlug, owner, tokenGold, holder)
		assert.NoError(t, err)
	})

	t.Run("failed persist compensates the payout", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)
		f.register(t, referrer)
		_, err := f.svc.Claim(ctx, projSlug, holder, tokenGold, referrer)
		require.NoError(t, err)

		f.store.FailNext(errBoom)
		_, err = f.svc.Redeem(ctx, projSlug, owner, tokenGold, holder)
		require.Error(t, err)

		refBalance, err := f.bank.Balance(ctx, usdc, string(referrer))
		require.NoError(t, err)
		assert.True(t, refBalance.IsZero(), "the paid fee must come back to the vault")

		claim, err := f.svc.GetClaim(projSlug, tokenGold, holder)
		require.NoError(t, err)
		assert.False(t, claim.Redeemed)
	})
}

func TestConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newProject(t)
	f.createGold(t)
	f.register(t, referrer)

	// 40 holders race for 5 tokens, half of them attributed; the budget
	// funds at most 4 attributed claims.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	attributed := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			affiliate := campaign.Address("")
			if i%2 == 0 {
				affiliate = referrer
			}
			addr := campaign.Address(fmt.Sprintf("0xracer%d", i))
			if _, err := f.svc.Claim(ctx, projSlug, addr, tokenGold, affiliate); err == nil {
				mu.Lock()
				succeeded++
				if affiliate != "" {
					attributed++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	coupon, err := f.svc.GetCoupon(projSlug, tokenGold)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), coupon.TotalSupply, "supply cap must hold under contention")
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, uint64(attributed), coupon.TokensWithAffiliates)
	f.requireSolvent(t, tokenGold)

	info, err := f.svc.GetProject(projSlug)
	require.NoError(t, err)
	minted, _ := f.book.Totals(info.ID, tokenGold)
	assert.Equal(t, uint64(5), minted, "exactly one token per successful claim")
}

func TestAffiliateEarningsAccumulate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newProject(t)
	f.createGold(t)
	f.register(t, referrer)

	holders := []campaign.Address{"0xh1", "0xh2", "0xh3"}
	for _, h := range holders {
		_, err := f.svc.Claim(ctx, projSlug, h, tokenGold, referrer)
		require.NoError(t, err)
	}
	for _, h := range holders {
		_, err := f.svc.Redeem(ctx, projSlug, owner, tokenGold, h)
		require.NoError(t, err)
	}

	aff, err := f.svc.GetAffiliate(projSlug, referrer)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), aff.ReferralCount)
	assert.Equal(t, "7.5", aff.EarnedTotal.String())

	refBalance, err := f.bank.Balance(ctx, usdc, string(referrer))
	require.NoError(t, err)
	assert.Equal(t, "7.5", refBalance.String())

	report, err := f.svc.BudgetReport(projSlug, tokenGold)
	require.NoError(t, err)
	assert.Equal(t, "2.5", report.LockedBudget.String(), "10 minus three settled fees")
	f.requireSolvent(t, tokenGold)
}
