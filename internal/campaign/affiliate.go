package campaign

import (
	"context"
	"fmt"

	"github.com/terminal-bench/couponledger/shared/events"
)

// RegisterAffiliate enrols the caller as a referrer for the project.
// Registration is self-service. A project whose fee-bearing coupons
// cannot fund even one more fee turns registrations away.
func (s *Service) RegisterAffiliate(ctx context.Context, slug string, caller Address) (*Affiliate, error) {
	if caller.IsZero() {
		return nil, fmt.Errorf("campaign: caller address required")
	}
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.affiliates[caller]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAffiliateExists, caller)
	}

	now := s.now()
	feeBearing := false
	funded := false
	for _, c := range p.coupons {
		// Expired coupons can no longer pay fees.
		if !c.Fee.IsPositive() || c.expiredAt(now) {
			continue
		}
		feeBearing = true
		if !c.AvailableBudget().LessThan(c.Fee) {
			funded = true
			break
		}
	}
	if feeBearing && !funded {
		return nil, fmt.Errorf("%w: no coupon can fund another referral fee", ErrInsufficientBudget)
	}

	a := &Affiliate{
		ProjectID:    p.ID,
		Address:      caller,
		RegisteredAt: now,
	}
	if err := s.store.Apply(ctx, ChangeSet{Affiliates: []*Affiliate{a}}); err != nil {
		return nil, fmt.Errorf("persist affiliate: %w", err)
	}
	p.affiliates[caller] = a

	s.emit(ctx, events.AffiliateRegistered, p.ID, p.Slug, events.AffiliateData{
		ProjectID: p.ID,
		Address:   string(caller),
	}, caller)

	return a.clone(), nil
}
