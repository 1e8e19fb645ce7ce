package campaign_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/couponledger/internal/campaign"
	"github.com/terminal-bench/couponledger/pkg/currency"
	"github.com/terminal-bench/couponledger/shared/events"
)

func TestRegisterAffiliate(t *testing.T) {
	ctx := context.Background()

	t.Run("self service registration", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)

		aff, err := f.svc.RegisterAffiliate(ctx, projSlug, referrer)
		require.NoError(t, err)
		assert.Equal(t, referrer, aff.Address)
		assert.Equal(t, uint64(0), aff.ReferralCount)
		assert.Equal(t, events.AffiliateRegistered, f.sink.Last().Type)

		_, err = f.svc.RegisterAffiliate(ctx, projSlug, referrer)
		assert.ErrorIs(t, err, campaign.ErrAffiliateExists)
	})

	t.Run("registration closes when no coupon can fund a fee", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)
		f.register(t, referrer)

		// Four attributed claims reserve the whole 10.
		for i := 0; i < 4; i++ {
			addr := campaign.Address(fmt.Sprintf("0xh%d", i))
			_, err := f.svc.Claim(ctx, projSlug, addr, tokenGold, referrer)
			require.NoError(t, err)
		}

		_, err := f.svc.RegisterAffiliate(ctx, projSlug, campaign.Address("0xlate"))
		assert.ErrorIs(t, err, campaign.ErrInsufficientBudget,
			"an affiliate who can never earn must not be admitted")

		// A top-up reopens registration.
		_, err = f.svc.LockBudget(ctx, projSlug, funder, tokenGold,
			currency.MustParse("2.5"), campaign.Payment{Currency: usdc})
		require.NoError(t, err)
		_, err = f.svc.RegisterAffiliate(ctx, projSlug, campaign.Address("0xlate"))
		assert.NoError(t, err)
	})

	t.Run("free coupon projects admit affiliates", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)

		spec := goldSpec(f)
		spec.Fee = currency.Zero()
		spec.Currency = ""
		spec.InitialBudget = currency.Zero()
		_, err := f.svc.CreateCoupon(ctx, projSlug, owner, spec, campaign.Payment{})
		require.NoError(t, err)

		_, err = f.svc.RegisterAffiliate(ctx, projSlug, referrer)
		assert.NoError(t, err)
	})

	t.Run("expired coupons drop out of the gate", func(t *testing.T) {
		f := newFixture(t)
		f.newProject(t)
		f.createGold(t)
		f.register(t, referrer)
		for i := 0; i < 4; i++ {
			addr := campaign.Address(fmt.Sprintf("0xh%d", i))
			_, err := f.svc.Claim(ctx, projSlug, addr, tokenGold, referrer)
			require.NoError(t, err)
		}

		_, err := f.svc.RegisterAffiliate(ctx, projSlug, campaign.Address("0xlate"))
		require.ErrorIs(t, err, campaign.ErrInsufficientBudget)

		// Once the only fee coupon expires there is no earning left to
		// gate on.
		f.clock.Advance(72 * time.Hour)
		_, err = f.svc.RegisterAffiliate(ctx, projSlug, campaign.Address("0xlate"))
		assert.NoError(t, err)
	})
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newProject(t)
	f.createGold(t)
	f.register(t, referrer)

	spec := goldSpec(f)
	spec.TokenID = 2
	spec.Fee = currency.Zero()
	spec.Currency = ""
	spec.InitialBudget = currency.Zero()
	_, err := f.svc.CreateCoupon(ctx, projSlug, owner, spec, campaign.Payment{})
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, projSlug, holder, tokenGold, referrer)
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, projSlug, holder, 2, "")
	require.NoError(t, err)

	t.Run("list coupons ordered by token id", func(t *testing.T) {
		coupons, err := f.svc.ListCoupons(projSlug)
		require.NoError(t, err)
		require.Len(t, coupons, 2)
		assert.Equal(t, uint64(1), coupons[0].TokenID)
		assert.Equal(t, uint64(2), coupons[1].TokenID)
	})

	t.Run("claims by holder", func(t *testing.T) {
		claims, err := f.svc.ListClaimsByHolder(projSlug, holder)
		require.NoError(t, err)
		require.Len(t, claims, 2)
		assert.Equal(t, referrer, claims[0].Affiliate)
		assert.False(t, claims[1].HasAffiliate())
	})

	t.Run("affiliate listing", func(t *testing.T) {
		affiliates, err := f.svc.ListAffiliates(projSlug)
		require.NoError(t, err)
		require.Len(t, affiliates, 1)
		assert.Equal(t, referrer, affiliates[0].Address)
	})

	t.Run("project listing", func(t *testing.T) {
		infos := f.svc.ListProjects()
		require.Len(t, infos, 1)
		assert.Equal(t, 2, infos[0].CouponCount)
		assert.Equal(t, 2, infos[0].ClaimCount)
		assert.Equal(t, 1, infos[0].AffiliateCount)
	})

	t.Run("budget report of a free coupon", func(t *testing.T) {
		report, err := f.svc.BudgetReport(projSlug, 2)
		require.NoError(t, err)
		assert.True(t, report.RequiredBudget.IsZero())
		assert.Equal(t, uint64(4), report.AffiliateHeadroom, "free coupons are bounded by supply only")
	})

	t.Run("query snapshots are copies", func(t *testing.T) {
		coupon, err := f.svc.GetCoupon(projSlug, tokenGold)
		require.NoError(t, err)
		coupon.TotalSupply = 999

		again, err := f.svc.GetCoupon(projSlug, tokenGold)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), again.TotalSupply, "mutating a returned coupon must not touch the ledger")
	})
}
