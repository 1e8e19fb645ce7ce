package campaign

import (
	"fmt"
	"sort"
)

// GetProject returns a point-in-time view of one project.
func (s *Service) GetProject(slug string) (*ProjectInfo, error) {
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	info := projectInfo(p)
	return &info, nil
}

// ListProjects returns every hosted project, ordered by slug.
func (s *Service) ListProjects() []*ProjectInfo {
	s.mu.RLock()
	projects := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, p)
	}
	s.mu.RUnlock()

	infos := make([]*ProjectInfo, 0, len(projects))
	for _, p := range projects {
		p.mu.Lock()
		info := projectInfo(p)
		p.mu.Unlock()
		infos = append(infos, &info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Slug < infos[j].Slug })
	return infos
}

// GetCoupon returns a copy of one coupon.
func (s *Service) GetCoupon(slug string, tokenID uint64) (*Coupon, error) {
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
	return c.clone(), nil
}

// ListCoupons returns copies of every coupon in the project, ordered by
// token ID.
func (s *Service) ListCoupons(slug string) ([]*Coupon, error) {
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	coupons := make([]*Coupon, 0, len(p.coupons))
	for _, c := range p.coupons {
		coupons = append(coupons, c.clone())
	}
	sort.Slice(coupons, func(i, j int) bool { return coupons[i].TokenID < coupons[j].TokenID })
	return coupons, nil
}

// GetClaim returns one holder's claim on one coupon.
func (s *Service) GetClaim(slug string, tokenID uint64, holder Address) (*Claim, error) {
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.coupons[tokenID]; !ok {
		return nil, fmt.Errorf("%w: token %d", ErrUnknownCoupon, tokenID)
	}
	claim, ok := p.claims[tokenID][holder]
	if !ok {
		return nil, fmt.Errorf("%w: holder %s", ErrNothingToRedeem, holder)
	}
	return claim.clone(), nil
}

// ListClaimsByHolder returns every claim one holder made in the
// project, ordered by token ID.
func (s *Service) ListClaimsByHolder(slug string, holder Address) ([]*Claim, error) {
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var claims []*Claim
	for _, perToken := range p.claims {
		if claim, ok := perToken[holder]; ok {
			claims = append(claims, claim.clone())
		}
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].TokenID < claims[j].TokenID })
	return claims, nil
}

// GetAffiliate returns one registered affiliate.
func (s *Service) GetAffiliate(slug string, addr Address) (*Affiliate, error) {
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.affiliates[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAffiliate, addr)
	}
	return a.clone(), nil
}

// ListAffiliates returns every registered affiliate, ordered by
// registration time then address.
func (s *Service) ListAffiliates(slug string) ([]*Affiliate, error) {
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	affiliates := make([]*Affiliate, 0, len(p.affiliates))
	for _, a := range p.affiliates {
		affiliates = append(affiliates, a.clone())
	}
	sort.Slice(affiliates, func(i, j int) bool {
		if !affiliates[i].RegisteredAt.Equal(affiliates[j].RegisteredAt) {
			return affiliates[i].RegisteredAt.Before(affiliates[j].RegisteredAt)
		}
		return affiliates[i].Address < affiliates[j].Address
	})
	return affiliates, nil
}

// BudgetReport returns the budget engine's view of one coupon.
func (s *Service) BudgetReport(slug string, tokenID uint64) (*BudgetReport, error) {
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
	report := c.Report()
	return &report, nil
}
