package campaign

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/couponledger/shared/events"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Service hosts every campaign project on this node. Each mutating
// operation locks exactly one project for its whole duration, treasury
// transfers and persistence included, so observers never see a project
// mid-operation.
type Service struct {
	projects map[string]*Project
	mu       sync.RWMutex

	store   Store
	bank    Bank
	book    TokenBook
	emitter events.Emitter
	logger  zerolog.Logger
	nowFn   func() time.Time
}

// NewService creates a campaign service over the given collaborators.
func NewService(store Store, bank Bank, book TokenBook, emitter events.Emitter, logger zerolog.Logger) *Service {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Service{
		projects: make(map[string]*Project),
		store:    store,
		bank:     bank,
		book:     book,
		emitter:  emitter,
		logger:   logger.With().Str("component", "campaign").Logger(),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the service clock. Tests use it to steer claim
// and redemption windows; call before any operations run.
func (s *Service) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	s.nowFn = fn
}

func (s *Service) now() time.Time {
	return s.nowFn()
}

// CreateProject registers a new campaign project under a unique slug.
func (s *Service) CreateProject(ctx context.Context, owner Address, slug, name, metadataURI string) (*ProjectInfo, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("campaign: owner address required")
	}
	if !slugPattern.MatchString(slug) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}
	if name == "" {
		name = slug
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[slug]; exists {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, slug)
	}

	p := &Project{
		ProjectMeta: ProjectMeta{
			ID:          uuid.New(),
			Slug:        slug,
			Owner:       owner,
			Name:        name,
			MetadataURI: metadataURI,
			CreatedAt:   s.now(),
			Version:     1,
		},
		coupons:    make(map[uint64]*Coupon),
		claims:     make(map[uint64]map[Address]*Claim),
		affiliates: make(map[Address]*Affiliate),
	}

	meta := p.ProjectMeta
	if err := s.store.SaveProject(ctx, &meta); err != nil {
		return nil, fmt.Errorf("save project: %w", err)
	}
	s.projects[slug] = p

	s.emit(ctx, events.ProjectCreated, p.ID, p.Slug, events.ProjectData{
		ProjectID:   p.ID,
		Slug:        p.Slug,
		Owner:       string(p.Owner),
		Name:        p.Name,
		MetadataURI: p.MetadataURI,
	}, owner)

	info := projectInfo(p)
	return &info, nil
}

// UpdateProjectMetadata replaces the project-level metadata URI.
func (s *Service) UpdateProjectMetadata(ctx context.Context, slug string, caller Address, uri string) (*ProjectInfo, error) {
	p, err := s.project(slug)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Owner != caller {
		return nil, ErrNotOwner
	}

	meta := p.ProjectMeta
	meta.MetadataURI = uri
	meta.Version++

	if err := s.store.Apply(ctx, ChangeSet{Project: &meta}); err != nil {
		return nil, fmt.Errorf("persist metadata: %w", err)
	}
	p.ProjectMeta = meta

	s.emit(ctx, events.MetadataUpdated, p.ID, p.Slug, events.ProjectData{
		ProjectID:   p.ID,
		Slug:        p.Slug,
		Owner:       string(p.Owner),
		Name:        p.Name,
		MetadataURI: p.MetadataURI,
	}, caller)

	info := projectInfo(p)
	return &info, nil
}

// Restore loads every persisted project into the registry. Called once
// at startup before the service takes traffic.
func (s *Service) Restore(ctx context.Context) (int, error) {
	states, err := s.store.LoadProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("load projects: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range states {
		p := &Project{
			ProjectMeta: *st.Meta,
			coupons:     make(map[uint64]*Coupon),
			claims:      make(map[uint64]map[Address]*Claim),
			affiliates:  make(map[Address]*Affiliate),
		}
		for _, c := range st.Coupons {
			p.coupons[c.TokenID] = c
		}
		for _, cl := range st.Claims {
			perToken := p.claims[cl.TokenID]
			if perToken == nil {
				perToken = make(map[Address]*Claim)
				p.claims[cl.TokenID] = perToken
			}
			perToken[cl.Holder] = cl
		}
		for _, a := range st.Affiliates {
			p.affiliates[a.Address] = a
		}
		s.projects[p.Slug] = p
	}

	s.logger.Info().Int("projects", len(states)).Msg("registry restored")
	return len(states), nil
}

func (s *Service) project(slug string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, slug)
	}
	return p, nil
}

func (s *Service) emit(ctx context.Context, eventType string, projectID uuid.UUID, slug string, data interface{}, caller Address) {
	meta := events.Metadata{
		Source: "campaign",
		Caller: string(caller),
		Extra:  map[string]string{"slug": slug},
	}
	// Request-caused events chain straight off the request itself.
	if cid := events.CorrelationIDFromContext(ctx); cid != "" {
		meta.WithCorrelation(cid, cid)
	}
	evt, err := events.NewEvent(eventType, projectID, "project", data, meta)
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("encode event")
		return
	}
	s.emitter.Emit(ctx, evt)
}

// projectInfo snapshots a project. The caller must hold either the
// project mutex or, for a project not yet published, nothing.
func projectInfo(p *Project) ProjectInfo {
	claims := 0
	for _, perToken := range p.claims {
		claims += len(perToken)
	}
	return ProjectInfo{
		ProjectMeta:    p.ProjectMeta,
		CouponCount:    len(p.coupons),
		AffiliateCount: len(p.affiliates),
		ClaimCount:     claims,
	}
}
