// Package store persists campaign state. The Postgres store backs real
// deployments; the memory store backs tests and single-node trials.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/terminal-bench/couponledger/internal/campaign"
)

// Memory is an in-process campaign.Store. It keeps its own copies of
// every row, so callers can keep mutating theirs.
type Memory struct {
	mu         sync.Mutex
	metas      map[uuid.UUID]*campaign.ProjectMeta
	order      []uuid.UUID
	coupons    map[uuid.UUID]map[uint64]*campaign.Coupon
	claims     map[uuid.UUID]map[uint64]map[campaign.Address]*campaign.Claim
	affiliates map[uuid.UUID]map[campaign.Address]*campaign.Affiliate
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		metas:      make(map[uuid.UUID]*campaign.ProjectMeta),
		coupons:    make(map[uuid.UUID]map[uint64]*campaign.Coupon),
		claims:     make(map[uuid.UUID]map[uint64]map[campaign.Address]*campaign.Claim),
		affiliates: make(map[uuid.UUID]map[campaign.Address]*campaign.Affiliate),
	}
}

// SaveProject stores a new project's metadata row.
func (m *Memory) SaveProject(ctx context.Context, meta *campaign.ProjectMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.metas[meta.ID]; exists {
		return fmt.Errorf("store: project %s already saved", meta.ID)
	}
	cp := *meta
	m.metas[meta.ID] = &cp
	m.order = append(m.order, meta.ID)
	return nil
}

// Apply stores every row in the change set. All rows land together.
func (m *Memory) Apply(ctx context.Context, cs campaign.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cs.Project != nil {
		cp := *cs.Project
		m.metas[cp.ID] = &cp
	}
	for _, c := range cs.Coupons {
		perToken := m.coupons[c.ProjectID]
		if perToken == nil {
			perToken = make(map[uint64]*campaign.Coupon)
			m.coupons[c.ProjectID] = perToken
		}
		perToken[c.TokenID] = copyCoupon(c)
	}
	for _, cl := range cs.Claims {
		perToken := m.claims[cl.ProjectID]
		if perToken == nil {
			perToken = make(map[uint64]map[campaign.Address]*campaign.Claim)
			m.claims[cl.ProjectID] = perToken
		}
		perHolder := perToken[cl.TokenID]
		if perHolder == nil {
			perHolder = make(map[campaign.Address]*campaign.Claim)
			perToken[cl.TokenID] = perHolder
		}
		perHolder[cl.Holder] = copyClaim(cl)
	}
	for _, a := range cs.Affiliates {
		perAddr := m.affiliates[a.ProjectID]
		if perAddr == nil {
			perAddr = make(map[campaign.Address]*campaign.Affiliate)
			m.affiliates[a.ProjectID] = perAddr
		}
		perAddr[a.Address] = copyAffiliate(a)
	}
	return nil
}

// LoadProjects returns every stored project in creation order.
func (m *Memory) LoadProjects(ctx context.Context) ([]*campaign.ProjectState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]*campaign.ProjectState, 0, len(m.order))
	for _, id := range m.order {
		meta := *m.metas[id]
		st := &campaign.ProjectState{Meta: &meta}
		for _, c := range m.coupons[id] {
			st.Coupons = append(st.Coupons, copyCoupon(c))
		}
		for _, perHolder := range m.claims[id] {
			for _, cl := range perHolder {
				st.Claims = append(st.Claims, copyClaim(cl))
			}
		}
		for _, a := range m.affiliates[id] {
			st.Affiliates = append(st.Affiliates, copyAffiliate(a))
		}
		states = append(states, st)
	}
	return states, nil
}

func copyCoupon(c *campaign.Coupon) *campaign.Coupon {
	cp := *c
	return &cp
}

func copyClaim(c *campaign.Claim) *campaign.Claim {
	cp := *c
	if c.RedeemedAt != nil {
		t := *c.RedeemedAt
		cp.RedeemedAt = &t
	}
	return &cp
}

func copyAffiliate(a *campaign.Affiliate) *campaign.Affiliate {
	cp := *a
	return &cp
}
