// Package summary serves a cached read model of campaign projects.
// Writes go through the campaign service; this package only assembles
// and caches what the API and dashboards read most.
package summary

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/couponledger/internal/campaign"
	"github.com/terminal-bench/couponledger/pkg/circuit"
	"github.com/terminal-bench/couponledger/pkg/currency"
	"github.com/terminal-bench/couponledger/shared/events"
)

// Campaigns is the slice of the campaign service the read model needs.
type Campaigns interface {
	GetProject(slug string) (*campaign.ProjectInfo, error)
	ListCoupons(slug string) ([]*campaign.Coupon, error)
}

// Manager builds project summaries and caches them in-process and in
// Redis. Cache entries expire on TTL and are dropped eagerly when the
// campaign service emits an event for the project.
type Manager struct {
	campaigns Campaigns
	redis     *redis.Client
	breaker   *circuit.Breaker
	ttl       time.Duration
	logger    zerolog.Logger

	mu    sync.RWMutex
	local map[string]cacheEntry
}

type cacheEntry struct {
	summary  *ProjectSummary
	cachedAt time.Time
}

// ProjectSummary is the denormalized view of one project.
type ProjectSummary struct {
	Slug           string          `json:"slug"`
	Name           string          `json:"name"`
	Owner          string          `json:"owner"`
	CreatedAt      time.Time       `json:"created_at"`
	CouponCount    int             `json:"coupon_count"`
	AffiliateCount int             `json:"affiliate_count"`
	ClaimCount     int             `json:"claim_count"`
	Coupons        []CouponSummary `json:"coupons"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// CouponSummary condenses one coupon with its budget report.
type CouponSummary struct {
	TokenID           uint64            `json:"token_id"`
	URI               string            `json:"uri,omitempty"`
	MaxSupply         uint64            `json:"max_supply"`
	TotalSupply       uint64            `json:"total_supply"`
	ClaimsRemaining   uint64            `json:"claims_remaining"`
	RedeemedCount     uint64            `json:"redeemed_count"`
	Fee               currency.Amount   `json:"fee"`
	Currency          currency.Currency `json:"currency,omitempty"`
	LockedBudget      currency.Amount   `json:"locked_budget"`
	RequiredBudget    currency.Amount   `json:"required_budget"`
	AvailableBudget   currency.Amount   `json:"available_budget"`
	AffiliateHeadroom uint64            `json:"affiliate_headroom"`
	Solvent           bool              `json:"solvent"`
	ClaimStart        time.Time         `json:"claim_start"`
	ClaimEnd          time.Time         `json:"claim_end"`
	RedeemExpiration  time.Time         `json:"redeem_expiration"`
}

// NewManager creates a summary manager. rdb may be nil to run with the
// in-process cache only; breaker may be nil to talk to Redis directly.
func NewManager(campaigns Campaigns, rdb *redis.Client, breaker *circuit.Breaker, ttl time.Duration, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{
		campaigns: campaigns,
		redis:     rdb,
		breaker:   breaker,
		ttl:       ttl,
		logger:    logger.With().Str("component", "summary").Logger(),
		local:     make(map[string]cacheEntry),
	}
}

// Summary returns the cached summary for a project, rebuilding it on a
// miss. Redis trouble degrades to a rebuild, never to an error.
func (m *Manager) Summary(ctx context.Context, slug string) (*ProjectSummary, error) {
	m.mu.RLock()
	entry, ok := m.local[slug]
	m.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < m.ttl {
		return entry.summary, nil
	}

	if cached := m.fromRedis(ctx, slug); cached != nil {
		m.storeLocal(slug, cached)
		return cached, nil
	}

	summary, err := m.build(ctx, slug)
	if err != nil {
		return nil, err
	}

	m.storeLocal(slug, summary)
	m.toRedis(ctx, slug, summary)
	return summary, nil
}

// Invalidate drops a project's summary from both cache layers.
func (m *Manager) Invalidate(ctx context.Context, slug string) {
	m.mu.Lock()
	delete(m.local, slug)
	m.mu.Unlock()

	if m.redis == nil {
		return
	}
	err := m.withBreaker(ctx, func() error {
		return m.redis.Del(ctx, redisKey(slug)).Err()
	})
	if err != nil {
		m.logger.Debug().Err(err).Str("project", slug).Msg("redis invalidate failed")
	}
}

// Emit drops the summary of whichever project an event touched, keeping
// the read model no staler than the TTL. Manager is an event sink and
// plugs into the emitter fanout.
func (m *Manager) Emit(ctx context.Context, evt *events.BaseEvent) {
	slug := evt.ProjectSlug()
	if slug == "" {
		return
	}
	m.Invalidate(ctx, slug)
}

func (m *Manager) build(ctx context.Context, slug string) (*ProjectSummary, error) {
	info, err := m.campaigns.GetProject(slug)
	if err != nil {
		return nil, err
	}
	coupons, err := m.campaigns.ListCoupons(slug)
	if err != nil {
		return nil, err
	}

	summaries := make([]CouponSummary, 0, len(coupons))
	for _, c := range coupons {
		summaries = append(summaries, CouponSummary{
			TokenID:           c.TokenID,
			URI:               c.URI,
			MaxSupply:         c.MaxSupply,
			TotalSupply:       c.TotalSupply,
			ClaimsRemaining:   c.ClaimsRemaining(),
			RedeemedCount:     c.RedeemedCount,
			Fee:               c.Fee,
			Currency:          c.Currency,
			LockedBudget:      c.LockedBudget,
			RequiredBudget:    c.RequiredBudget(),
			AvailableBudget:   c.AvailableBudget(),
			AffiliateHeadroom: c.AffiliateHeadroom(),
			Solvent:           c.Solvent(),
			ClaimStart:        c.ClaimStart,
			ClaimEnd:          c.ClaimEnd,
			RedeemExpiration:  c.RedeemExpiration,
		})
	}

	return &ProjectSummary{
		Slug:           info.Slug,
		Name:           info.Name,
		Owner:          string(info.Owner),
		CreatedAt:      info.CreatedAt,
		CouponCount:    info.CouponCount,
		AffiliateCount: info.AffiliateCount,
		ClaimCount:     info.ClaimCount,
		Coupons:        summaries,
		GeneratedAt:    time.Now().UTC(),
	}, nil
}

func (m *Manager) storeLocal(slug string, s *ProjectSummary) {
	m.mu.Lock()
	m.local[slug] = cacheEntry{summary: s, cachedAt: time.Now()}
	m.mu.Unlock()
}

func (m *Manager) fromRedis(ctx context.Context, slug string) *ProjectSummary {
	if m.redis == nil {
		return nil
	}

	var payload string
	err := m.withBreaker(ctx, func() error {
		var err error
		payload, err = m.redis.Get(ctx, redisKey(slug)).Result()
		return err
	})
	if err != nil {
		if err != redis.Nil {
			m.logger.Debug().Err(err).Str("project", slug).Msg("redis read failed")
		}
		return nil
	}

	var summary ProjectSummary
	if err := json.Unmarshal([]byte(payload), &summary); err != nil {
		m.logger.Warn().Err(err).Str("project", slug).Msg("corrupt cached summary")
		return nil
	}
	return &summary
}

func (m *Manager) toRedis(ctx context.Context, slug string, s *ProjectSummary) {
	if m.redis == nil {
		return
	}

	payload, err := json.Marshal(s)
	if err != nil {
		m.logger.Warn().Err(err).Str("project", slug).Msg("marshal summary")
		return
	}
	err = m.withBreaker(ctx, func() error {
		return m.redis.Set(ctx, redisKey(slug), payload, m.ttl).Err()
	})
	if err != nil {
		m.logger.Debug().Err(err).Str("project", slug).Msg("redis write failed")
	}
}

func (m *Manager) withBreaker(ctx context.Context, fn func() error) error {
	if m.breaker == nil {
		return fn()
	}
	return m.breaker.Execute(ctx, fn)
}

func redisKey(slug string) string {
	return "summary:" + slug
}
