package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/couponledger/internal/campaign"
	"github.com/terminal-bench/couponledger/pkg/currency"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id           UUID PRIMARY KEY,
	slug         TEXT NOT NULL UNIQUE,
	owner_addr   TEXT NOT NULL,
	name         TEXT NOT NULL,
	metadata_uri TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	version      BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS coupons (
	project_id             UUID NOT NULL REFERENCES projects(id),
	token_id               BIGINT NOT NULL,
	uri                    TEXT NOT NULL DEFAULT '',
	max_supply             BIGINT NOT NULL,
	total_supply           BIGINT NOT NULL DEFAULT 0,
	claim_start            TIMESTAMPTZ NOT NULL,
	claim_end              TIMESTAMPTZ NOT NULL,
	redeem_expiration      TIMESTAMPTZ NOT NULL,
	fee                    NUMERIC(30,10) NOT NULL DEFAULT 0,
	currency               TEXT NOT NULL DEFAULT '',
	locked_budget          NUMERIC(30,10) NOT NULL DEFAULT 0,
	tokens_with_affiliates BIGINT NOT NULL DEFAULT 0,
	redeemed_count         BIGINT NOT NULL DEFAULT 0,
	created_at             TIMESTAMPTZ NOT NULL,
	version                BIGINT NOT NULL,
	PRIMARY KEY (project_id, token_id)
);

CREATE TABLE IF NOT EXISTS claims (
	project_id  UUID NOT NULL,
	token_id    BIGINT NOT NULL,
	holder      TEXT NOT NULL,
	affiliate   TEXT NOT NULL DEFAULT '',
	claimed_at  TIMESTAMPTZ NOT NULL,
	redeemed    BOOLEAN NOT NULL DEFAULT FALSE,
	redeemed_at TIMESTAMPTZ,
	PRIMARY KEY (project_id, token_id, holder),
	FOREIGN KEY (project_id, token_id) REFERENCES coupons (project_id, token_id)
);

CREATE INDEX IF NOT EXISTS claims_holder_idx ON claims (project_id, holder);

CREATE TABLE IF NOT EXISTS affiliates (
	project_id     UUID NOT NULL REFERENCES projects(id),
	address        TEXT NOT NULL,
	registered_at  TIMESTAMPTZ NOT NULL,
	referral_count BIGINT NOT NULL DEFAULT 0,
	earned_total   NUMERIC(30,10) NOT NULL DEFAULT 0,
	PRIMARY KEY (project_id, address)
)`

// Postgres is the durable campaign.Store. Every Apply runs in one
// transaction, so a change set lands whole or not at all.
type Postgres struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPostgres creates a store over an open database handle.
func NewPostgres(db *sql.DB, logger zerolog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// EnsureSchema creates the campaign tables when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("campaign schema: %w", err)
	}
	return nil
}

// SaveProject inserts a new project's metadata row.
func (s *Postgres) SaveProject(ctx context.Context, meta *campaign.ProjectMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, slug, owner_addr, name, metadata_uri, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		meta.ID, meta.Slug, string(meta.Owner), meta.Name, meta.MetadataURI, meta.CreatedAt, meta.Version)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// Apply upserts every row in the change set inside one transaction.
func (s *Postgres) Apply(ctx context.Context, cs campaign.ChangeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	if cs.Project != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projects
			SET name = $2, metadata_uri = $3, version = $4
			WHERE id = $1`,
			cs.Project.ID, cs.Project.Name, cs.Project.MetadataURI, cs.Project.Version); err != nil {
			return fmt.Errorf("update project: %w", err)
		}
	}
	for _, c := range cs.Coupons {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO coupons (project_id, token_id, uri, max_supply, total_supply,
				claim_start, claim_end, redeem_expiration,
				fee, currency, locked_budget, tokens_with_affiliates, redeemed_count,
				created_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (project_id, token_id) DO UPDATE SET
				uri = EXCLUDED.uri,
				total_supply = EXCLUDED.total_supply,
				locked_budget = EXCLUDED.locked_budget,
				tokens_with_affiliates = EXCLUDED.tokens_with_affiliates,
				redeemed_count = EXCLUDED.redeemed_count,
				version = EXCLUDED.version`,
			c.ProjectID, int64(c.TokenID), c.URI, int64(c.MaxSupply), int64(c.TotalSupply),
			c.ClaimStart, c.ClaimEnd, c.RedeemExpiration,
			c.Fee.String(), string(c.Currency), c.LockedBudget.String(),
			int64(c.TokensWithAffiliates), int64(c.RedeemedCount),
			c.CreatedAt, c.Version); err != nil {
			return fmt.Errorf("upsert coupon %d: %w", c.TokenID, err)
		}
	}
	for _, cl := range cs.Claims {
		var redeemedAt sql.NullTime
		if cl.RedeemedAt != nil {
			redeemedAt = sql.NullTime{Time: *cl.RedeemedAt, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claims (project_id, token_id, holder, affiliate, claimed_at, redeemed, redeemed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (project_id, token_id, holder) DO UPDATE SET
				redeemed = EXCLUDED.redeemed,
				redeemed_at = EXCLUDED.redeemed_at`,
			cl.ProjectID, int64(cl.TokenID), string(cl.Holder), string(cl.Affiliate),
			cl.ClaimedAt, cl.Redeemed, redeemedAt); err != nil {
			return fmt.Errorf("upsert claim %d/%s: %w", cl.TokenID, cl.Holder, err)
		}
	}
	for _, a := range cs.Affiliates {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO affiliates (project_id, address, registered_at, referral_count, earned_total)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (project_id, address) DO UPDATE SET
				referral_count = EXCLUDED.referral_count,
				earned_total = EXCLUDED.earned_total`,
			a.ProjectID, string(a.Address), a.RegisteredAt,
			int64(a.ReferralCount), a.EarnedTotal.String()); err != nil {
			return fmt.Errorf("upsert affiliate %s: %w", a.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply: %w", err)
	}
	return nil
}

// LoadProjects reads every project with its coupons, claims and
// affiliates, in creation order.
func (s *Postgres) LoadProjects(ctx context.Context) ([]*campaign.ProjectState, error) {
	byID := make(map[uuid.UUID]*campaign.ProjectState)
	var order []uuid.UUID

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, owner_addr, name, metadata_uri, created_at, version
		FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("select projects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		meta := &campaign.ProjectMeta{}
		var owner string
		if err := rows.Scan(&meta.ID, &meta.Slug, &owner, &meta.Name, &meta.MetadataURI, &meta.CreatedAt, &meta.Version); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		meta.Owner = campaign.Address(owner)
		byID[meta.ID] = &campaign.ProjectState{Meta: meta}
		order = append(order, meta.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}

	if err := s.loadCoupons(ctx, byID); err != nil {
		return nil, err
	}
	if err := s.loadClaims(ctx, byID); err != nil {
		return nil, err
	}
	if err := s.loadAffiliates(ctx, byID); err != nil {
		return nil, err
	}

	states := make([]*campaign.ProjectState, 0, len(order))
	for _, id := range order {
		states = append(states, byID[id])
	}
	s.logger.Debug().Int("projects", len(states)).Msg("loaded")
	return states, nil
}

func (s *Postgres) loadCoupons(ctx context.Context, byID map[uuid.UUID]*campaign.ProjectState) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, token_id, uri, max_supply, total_supply,
			claim_start, claim_end, redeem_expiration,
			fee, currency, locked_budget, tokens_with_affiliates, redeemed_count,
			created_at, version
		FROM coupons ORDER BY project_id, token_id`)
	if err != nil {
		return fmt.Errorf("select coupons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c := &campaign.Coupon{}
		var tokenID, maxSupply, totalSupply, withAffiliates, redeemed int64
		var fee, locked, cur string
		if err := rows.Scan(&c.ProjectID, &tokenID, &c.URI, &maxSupply, &totalSupply,
			&c.ClaimStart, &c.ClaimEnd, &c.RedeemExpiration,
			&fee, &cur, &locked, &withAffiliates, &redeemed,
			&c.CreatedAt, &c.Version); err != nil {
			return fmt.Errorf("scan coupon: %w", err)
		}
		c.TokenID = uint64(tokenID)
		c.MaxSupply = uint64(maxSupply)
		c.TotalSupply = uint64(totalSupply)
		c.TokensWithAffiliates = uint64(withAffiliates)
		c.RedeemedCount = uint64(redeemed)
		c.Currency = currency.Currency(cur)
		if c.Fee, err = currency.Parse(fee); err != nil {
			return fmt.Errorf("coupon %d fee: %w", tokenID, err)
		}
		if c.LockedBudget, err = currency.Parse(locked); err != nil {
			return fmt.Errorf("coupon %d budget: %w", tokenID, err)
		}
		if st, ok := byID[c.ProjectID]; ok {
			st.Coupons = append(st.Coupons, c)
		}
	}
	return rows.Err()
}

func (s *Postgres) loadClaims(ctx context.Context, byID map[uuid.UUID]*campaign.ProjectState) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, token_id, holder, affiliate, claimed_at, redeemed, redeemed_at
		FROM claims ORDER BY project_id, token_id, holder`)
	if err != nil {
		return fmt.Errorf("select claims: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		cl := &campaign.Claim{}
		var tokenID int64
		var holder, affiliate string
		var redeemedAt sql.NullTime
		if err := rows.Scan(&cl.ProjectID, &tokenID, &holder, &affiliate, &cl.ClaimedAt, &cl.Redeemed, &redeemedAt); err != nil {
			return fmt.Errorf("scan claim: %w", err)
		}
		cl.TokenID = uint64(tokenID)
		cl.Holder = campaign.Address(holder)
		cl.Affiliate = campaign.Address(affiliate)
		if redeemedAt.Valid {
			t := redeemedAt.Time
			cl.RedeemedAt = &t
		}
		if st, ok := byID[cl.ProjectID]; ok {
			st.Claims = append(st.Claims, cl)
		}
	}
	return rows.Err()
}

func (s *Postgres) loadAffiliates(ctx context.Context, byID map[uuid.UUID]*campaign.ProjectState) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, address, registered_at, referral_count, earned_total
		FROM affiliates ORDER BY project_id, registered_at, address`)
	if err != nil {
		return fmt.Errorf("select affiliates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a := &campaign.Affiliate{}
		var address, earned string
		var referrals int64
		if err := rows.Scan(&a.ProjectID, &address, &a.RegisteredAt, &referrals, &earned); err != nil {
			return fmt.Errorf("scan affiliate: %w", err)
		}
		a.Address = campaign.Address(address)
		a.ReferralCount = uint64(referrals)
		if a.EarnedTotal, err = currency.Parse(earned); err != nil {
			return fmt.Errorf("affiliate %s earnings: %w", address, err)
		}
		if st, ok := byID[a.ProjectID]; ok {
			st.Affiliates = append(st.Affiliates, a)
		}
	}
	return rows.Err()
}
