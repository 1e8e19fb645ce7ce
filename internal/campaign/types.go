package campaign

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/couponledger/pkg/currency"
)

// Address identifies a caller, holder or affiliate. Callers are
// self-sovereign: there is no user table, the address from the auth
// token is the identity.
type Address string

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool {
	return a == ""
}

// ProjectMeta is the lock-free, persistable part of a project.
type ProjectMeta struct {
	ID          uuid.UUID `json:"id"`
	Slug        string    `json:"slug"`
	Owner       Address   `json:"owner"`
	Name        string    `json:"name"`
	MetadataURI string    `json:"metadata_uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Version     int       `json:"version"`
}

// Project is a campaign instance: a set of coupons sharing one owner,
// one affiliate registry and one vault. All mutable fields are guarded
// by mu; only this package touches them.
type Project struct {
	ProjectMeta

	coupons    map[uint64]*Coupon
	claims     map[uint64]map[Address]*Claim
	affiliates map[Address]*Affiliate

	mu sync.Mutex
}

// ProjectInfo is a point-in-time view of a project for queries.
type ProjectInfo struct {
	ProjectMeta
	CouponCount    int `json:"coupon_count"`
	AffiliateCount int `json:"affiliate_count"`
	ClaimCount     int `json:"claim_count"`
}

// Coupon is one claimable token line inside a project.
type Coupon struct {
	ProjectID uuid.UUID `json:"project_id"`
	TokenID   uint64    `json:"token_id"`
	URI       string    `json:"uri,omitempty"`

	MaxSupply   uint64 `json:"max_supply"`
	TotalSupply uint64 `json:"total_supply"`

	ClaimStart       time.Time `json:"claim_start"`
	ClaimEnd         time.Time `json:"claim_end"`
	RedeemExpiration time.Time `json:"redeem_expiration"`

	Fee      currency.Amount   `json:"fee"`
	Currency currency.Currency `json:"currency,omitempty"`

	LockedBudget         currency.Amount `json:"locked_budget"`
	TokensWithAffiliates uint64          `json:"tokens_with_affiliates"`
	RedeemedCount        uint64          `json:"redeemed_count"`

	CreatedAt time.Time `json:"created_at"`
	Version   int       `json:"version"`
}

// Claim records one holder's claim on one coupon.
type Claim struct {
	ProjectID  uuid.UUID  `json:"project_id"`
	TokenID    uint64     `json:"token_id"`
	Holder     Address    `json:"holder"`
	Affiliate  Address    `json:"affiliate,omitempty"`
	ClaimedAt  time.Time  `json:"claimed_at"`
	Redeemed   bool       `json:"redeemed"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
}

// HasAffiliate reports whether the claim carries an attribution.
func (c *Claim) HasAffiliate() bool {
	return !c.Affiliate.IsZero()
}

// Affiliate is a registered referrer inside a project.
type Affiliate struct {
	ProjectID     uuid.UUID       `json:"project_id"`
	Address       Address         `json:"address"`
	RegisteredAt  time.Time       `json:"registered_at"`
	ReferralCount uint64          `json:"referral_count"`
	EarnedTotal   currency.Amount `json:"earned_total"`
}

// CouponSpec carries the parameters for a new coupon.
type CouponSpec struct {
	TokenID          uint64            `json:"token_id"`
	URI              string            `json:"uri,omitempty"`
	MaxSupply        uint64            `json:"max_supply"`
	ClaimStart       time.Time         `json:"claim_start"`
	ClaimEnd         time.Time         `json:"claim_end"`
	RedeemExpiration time.Time         `json:"redeem_expiration"`
	Fee              currency.Amount   `json:"fee"`
	Currency         currency.Currency `json:"currency,omitempty"`
	InitialBudget    currency.Amount   `json:"initial_budget"`
}

// Payment describes how a caller funds an operation. Native currency
// arrives as value attached to the request; any other currency is
// pulled from the caller's custodial balance and Value must stay zero.
type Payment struct {
	Currency currency.Currency `json:"currency"`
	Value    currency.Amount   `json:"value"`
}

// BudgetReport is the budget engine's view of one coupon.
type BudgetReport struct {
	ProjectID            uuid.UUID         `json:"project_id"`
	TokenID              uint64            `json:"token_id"`
	Fee                  currency.Amount   `json:"fee"`
	Currency             currency.Currency `json:"currency,omitempty"`
	LockedBudget         currency.Amount   `json:"locked_budget"`
	RequiredBudget       currency.Amount   `json:"required_budget"`
	AvailableBudget      currency.Amount   `json:"available_budget"`
	TokensWithAffiliates uint64            `json:"tokens_with_affiliates"`
	TotalSupply          uint64            `json:"total_supply"`
	MaxSupply            uint64            `json:"max_supply"`
	RedeemedCount        uint64            `json:"redeemed_count"`
	ClaimsRemaining      uint64            `json:"claims_remaining"`
	AffiliateHeadroom    uint64            `json:"affiliate_headroom"`
}

// Redemption is the settlement result returned by Redeem.
type Redemption struct {
	ProjectID uuid.UUID         `json:"project_id"`
	TokenID   uint64            `json:"token_id"`
	Holder    Address           `json:"holder"`
	Affiliate Address           `json:"affiliate,omitempty"`
	FeePaid   currency.Amount   `json:"fee_paid"`
	Currency  currency.Currency `json:"currency,omitempty"`
	At        time.Time         `json:"at"`
}

// Bank moves custodial funds between accounts. Transfers are
// all-or-nothing; a zero-amount transfer is a no-op for callers.
// Deposit credits attached native value before it moves on.
type Bank interface {
	Deposit(ctx context.Context, cur currency.Currency, account string, amount currency.Amount) error
	Transfer(ctx context.Context, cur currency.Currency, from, to string, amount currency.Amount) error
}

// TokenBook tracks claimed token balances per holder.
type TokenBook interface {
	Mint(ctx context.Context, projectID uuid.UUID, tokenID uint64, holder string) error
	Burn(ctx context.Context, projectID uuid.UUID, tokenID uint64, holder string) error
}

// ChangeSet is the dirty state one operation produced. Stores apply it
// atomically: either every row lands or none do.
type ChangeSet struct {
	Project    *ProjectMeta
	Coupons    []*Coupon
	Claims     []*Claim
	Affiliates []*Affiliate
}

// Store persists projects and per-operation change sets.
type Store interface {
	SaveProject(ctx context.Context, meta *ProjectMeta) error
	Apply(ctx context.Context, cs ChangeSet) error
	LoadProjects(ctx context.Context) ([]*ProjectState, error)
}

// ProjectState is a fully loaded project as a store returns it.
type ProjectState struct {
	Meta       *ProjectMeta
	Coupons    []*Coupon
	Claims     []*Claim
	Affiliates []*Affiliate
}

// VaultAccount is the treasury account holding a project's locked
// budgets.
func VaultAccount(projectID uuid.UUID) string {
	return "vault:" + projectID.String()
}

func (c *Coupon) clone() *Coupon {
	cp := *c
	return &cp
}

func (c *Claim) clone() *Claim {
	cp := *c
	if c.RedeemedAt != nil {
		t := *c.RedeemedAt
		cp.RedeemedAt = &t
	}
	return &cp
}

func (a *Affiliate) clone() *Affiliate {
	cp := *a
	return &cp
}
