package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/terminal-bench/couponledger/internal/campaign"
	"github.com/terminal-bench/couponledger/internal/treasury"
	"github.com/terminal-bench/couponledger/pkg/circuit"
	"github.com/terminal-bench/couponledger/pkg/currency"
)

// Request types

type tokenRequest struct {
	Address string `json:"address" binding:"required"`
}

type createInstanceRequest struct {
	Slug        string `json:"slug" binding:"required"`
	Name        string `json:"name"`
	MetadataURI string `json:"metadata_uri"`
}

type metadataRequest struct {
	MetadataURI string `json:"metadata_uri" binding:"required"`
}

type paymentBody struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type createCouponRequest struct {
	TokenID          uint64      `json:"token_id"`
	URI              string      `json:"uri"`
	MaxSupply        uint64      `json:"max_supply"`
	ClaimStart       time.Time   `json:"claim_start" binding:"required"`
	ClaimEnd         time.Time   `json:"claim_end" binding:"required"`
	RedeemExpiration time.Time   `json:"redeem_expiration" binding:"required"`
	Fee              string      `json:"fee"`
	Currency         string      `json:"currency"`
	InitialBudget    string      `json:"initial_budget"`
	Payment          paymentBody `json:"payment"`
}

type couponURIRequest struct {
	URI string `json:"uri"`
}

type claimRequest struct {
	Affiliate string `json:"affiliate"`
}

type redeemRequest struct {
	Holder string `json:"holder" binding:"required"`
}

type lockBudgetRequest struct {
	Amount  string      `json:"amount" binding:"required"`
	Payment paymentBody `json:"payment"`
}

type withdrawBudgetRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type depositRequest struct {
	Currency string `json:"currency" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

// Handlers

func (g *Gateway) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	token, err := g.auth.IssueToken(req.Address)
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (g *Gateway) createInstance(c *gin.Context) {
	var req createInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var info *campaign.ProjectInfo
	err := g.withProjectLock(c.Request.Context(), req.Slug, func(ctx context.Context) error {
		var err error
		info, err = g.campaigns.CreateProject(ctx, caller(c), req.Slug, req.Name, req.MetadataURI)
		return err
	})
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, info)
}

func (g *Gateway) listInstances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": g.campaigns.ListProjects()})
}

func (g *Gateway) getInstance(c *gin.Context) {
	info, err := g.campaigns.GetProject(c.Param("slug"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (g *Gateway) updateInstanceMetadata(c *gin.Context) {
	var req metadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	slug := c.Param("slug")
	var info *campaign.ProjectInfo
	err := g.withProjectLock(c.Request.Context(), slug, func(ctx context.Context) error {
		var err error
		info, err = g.campaigns.UpdateProjectMetadata(ctx, slug, caller(c), req.MetadataURI)
		return err
	})
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

func (g *Gateway) createCoupon(c *gin.Context) {
	var req createCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	fee, err := parseAmount(req.Fee)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fee"})
		return
	}
	budget, err := parseAmount(req.InitialBudget)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid initial budget"})
		return
	}
	payment, err := paymentFrom(req.Payment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment"})
		return
	}

	spec := campaign.CouponSpec{
		TokenID:          req.TokenID,
		URI:              req.URI,
		MaxSupply:        req.MaxSupply,
		ClaimStart:       req.ClaimStart,
		ClaimEnd:         req.ClaimEnd,
		RedeemExpiration: req.RedeemExpiration,
		Fee:              fee,
		Currency:         currency.Currency(req.Currency),
		InitialBudget:    budget,
	}

	slug := c.Param("slug")
	var coupon *campaign.Coupon
	err = g.withProjectLock(c.Request.Context(), slug, func(ctx context.Context) error {
		var err error
		coupon, err = g.campaigns.CreateCoupon(ctx, slug, caller(c), spec, payment)
		return err
	})
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, coupon)
}

func (g *Gateway) listCoupons(c *gin.Context) {
	coupons, err := g.campaigns.ListCoupons(c.Param("slug"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coupons": coupons})
}

func (g *Gateway) getCoupon(c *gin.Context) {
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}

	slug := c.Param("slug")
	coupon, err := g.campaigns.GetCoupon(slug, tokenID)
	if err != nil {
		g.respondError(c, err)
		return
	}
	report, err := g.campaigns.BudgetReport(slug, tokenID)
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"coupon": coupon, "budget": report})
}

func (g *Gateway) updateCouponURI(c *gin.Context) {
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}
	var req couponURIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	slug := c.Param("slug")
	var coupon *campaign.Coupon
	err := g.withProjectLock(c.Request.Context(), slug, func(ctx context.Context) error {
		var err error
		coupon, err = g.campaigns.UpdateCouponURI(ctx, slug, caller(c), tokenID, req.URI)
		return err
	})
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, coupon)
}

func (g *Gateway) createClaim(c *gin.Context) {
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}

	var req claimRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	slug := c.Param("slug")
	var claim *campaign.Claim
	err := g.withProjectLock(c.Request.Context(), slug, func(ctx context.Context) error {
		var err error
		claim, err = g.campaigns.Claim(ctx, slug, caller(c), tokenID, campaign.Address(req.Affiliate))
		return err
	})
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, claim)
}

func (g *Gateway) getClaim(c *gin.Context) {
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}

	claim, err := g.campaigns.GetClaim(c.Param("slug"), tokenID, campaign.Address(c.Param("addr")))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (g *Gateway) redeem(c *gin.Context) {
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	slug := c.Param("slug")
	var redemption *campaign.Redemption
	err := g.withProjectLock(c.Request.Context(), slug, func(ctx context.Context) error {
		var err error
		redemption, err = g.campaigns.Redeem(ctx, slug, caller(c), tokenID, campaign.Address(req.Holder))
		return err
	})
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, redemption)
}

func (g *Gateway) registerAffiliate(c *gin.Context) {
	slug := c.Param("slug")
	var affiliate *campaign.Affiliate
	err := g.withProjectLock(c.Request.Context(), slug, func(ctx context.Context) error {
		var err error
		affiliate, err = g.campaigns.RegisterAffiliate(ctx, slug, caller(c))
		return err
	})
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, affiliate)
}

func (g *Gateway) listAffiliates(c *gin.Context) {
	affiliates, err := g.campaigns.ListAffiliates(c.Param("slug"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"affiliates": affiliates})
}

func (g *Gateway) getAffiliate(c *gin.Context) {
	affiliate, err := g.campaigns.GetAffiliate(c.Param("slug"), campaign.Address(c.Param("addr")))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, affiliate)
}

func (g *Gateway) lockBudget(c *gin.Context) {
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}
	var req lockBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	payment, err := paymentFrom(req.Payment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment"})
		return
	}

	slug := c.Param("slug")
	var report *campaign.BudgetReport
	err = g.withProjectLock(c.Request.Context(), slug, func(ctx context.Context) error {
		var err error
		report, err = g.campaigns.LockBudget(ctx, slug, caller(c), tokenID, amount, payment)
		return err
	})
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (g *Gateway) withdrawBudget(c *gin.Context) {
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}
	var req withdrawBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	slug := c.Param("slug")
	var report *campaign.BudgetReport
	err = g.withProjectLock(c.Request.Context(), slug, func(ctx context.Context) error {
		var err error
		report, err = g.campaigns.WithdrawBudget(ctx, slug, caller(c), tokenID, amount)
		return err
	})
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// deposit credits the caller's custodial balance. Token-denominated
// coupon budgets are funded from this balance; native value instead
// rides along on the funding call itself.
func (g *Gateway) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	cur := currency.Currency(req.Currency)
	if !cur.Valid() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid currency"})
		return
	}
	amount, err := currency.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	account := string(caller(c))
	if err := g.bank.Deposit(c.Request.Context(), cur, account, amount); err != nil {
		g.respondError(c, err)
		return
	}
	balance, err := g.bank.Balance(c.Request.Context(), cur, account)
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"currency": string(cur), "balance": balance})
}

func (g *Gateway) getBalance(c *gin.Context) {
	cur := currency.Currency(c.Param("currency"))
	balance, err := g.bank.Balance(c.Request.Context(), cur, string(caller(c)))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currency": string(cur), "balance": balance})
}

func (g *Gateway) getSummary(c *gin.Context) {
	s, err := g.summaries.Summary(c.Request.Context(), c.Param("slug"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// Helpers

func tokenIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token id"})
		return 0, false
	}
	return id, true
}

func parseAmount(s string) (currency.Amount, error) {
	if s == "" {
		return currency.Zero(), nil
	}
	return currency.Parse(s)
}

func paymentFrom(body paymentBody) (campaign.Payment, error) {
	value, err := parseAmount(body.Value)
	if err != nil {
		return campaign.Payment{}, err
	}
	return campaign.Payment{
		Currency: currency.Currency(body.Currency),
		Value:    value,
	}, nil
}

func (g *Gateway) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, campaign.ErrNotOwner),
		errors.Is(err, campaign.ErrSelfReferral):
		return http.StatusForbidden

	case errors.Is(err, campaign.ErrUnknownProject),
		errors.Is(err, campaign.ErrUnknownCoupon),
		errors.Is(err, campaign.ErrUnknownAffiliate),
		errors.Is(err, campaign.ErrNothingToRedeem):
		return http.StatusNotFound

	case errors.Is(err, campaign.ErrProjectExists),
		errors.Is(err, campaign.ErrCouponExists),
		errors.Is(err, campaign.ErrAffiliateExists),
		errors.Is(err, campaign.ErrAlreadyClaimed),
		errors.Is(err, campaign.ErrAlreadyRedeemed):
		return http.StatusConflict

	case errors.Is(err, campaign.ErrInvalidSlug),
		errors.Is(err, campaign.ErrInvalidSupply),
		errors.Is(err, campaign.ErrInvalidTimeframe),
		errors.Is(err, campaign.ErrClaimWindowClosed),
		errors.Is(err, campaign.ErrSupplyExhausted),
		errors.Is(err, campaign.ErrRedemptionExpired),
		errors.Is(err, campaign.ErrInsufficientBudget),
		errors.Is(err, campaign.ErrExcessiveBudget),
		errors.Is(err, campaign.ErrInvalidWithdrawal),
		errors.Is(err, campaign.ErrInvalidAmount),
		errors.Is(err, campaign.ErrInvalidPayment),
		errors.Is(err, treasury.ErrInsufficientFunds),
		errors.Is(err, treasury.ErrInvalidAmount),
		errors.Is(err, treasury.ErrInvalidAccount):
		return http.StatusUnprocessableEntity

	case errors.Is(err, campaign.ErrPayoutFailed):
		return http.StatusBadGateway

	case errors.Is(err, circuit.ErrCircuitOpen),
		errors.Is(err, circuit.ErrTooManyRequests):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
