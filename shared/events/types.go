package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Project events
	ProjectCreated  = "project.created"
	MetadataUpdated = "project.metadata_updated"

	// Coupon events
	CouponCreated  = "coupon.created"
	CouponClaimed  = "coupon.claimed"
	CouponRedeemed = "coupon.redeemed"

	// Affiliate events
	AffiliateRegistered = "affiliate.registered"

	// Budget events
	BudgetLocked      = "budget.locked"
	BudgetWithdrawn   = "budget.withdrawn"
	BudgetHeadroomLow = "budget.headroom_low"
)

// BaseEvent contains common event fields
type BaseEvent struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	Data          json.RawMessage `json:"data"`
	Metadata      Metadata        `json:"metadata"`
}

// Metadata contains event metadata
type Metadata struct {
	CorrelationID string            `json:"correlation_id"`
	CausationID   string            `json:"causation_id"`
	Caller        string            `json:"caller,omitempty"`
	Source        string            `json:"source"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// ProjectData contains project event data
type ProjectData struct {
	ProjectID   uuid.UUID `json:"project_id"`
	Slug        string    `json:"slug"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	MetadataURI string    `json:"metadata_uri,omitempty"`
}

// CouponData contains coupon lifecycle event data
type CouponData struct {
	ProjectID        uuid.UUID `json:"project_id"`
	TokenID          uint64    `json:"token_id"`
	URI              string    `json:"uri,omitempty"`
	MaxSupply        uint64    `json:"max_supply"`
	ClaimStart       time.Time `json:"claim_start"`
	ClaimEnd         time.Time `json:"claim_end"`
	RedeemExpiration time.Time `json:"redeem_expiration"`
	Fee              string    `json:"fee"`
	Currency         string    `json:"currency"`
	LockedBudget     string    `json:"locked_budget"`
}

// ClaimData contains claim event data
type ClaimData struct {
	ProjectID   uuid.UUID `json:"project_id"`
	TokenID     uint64    `json:"token_id"`
	Holder      string    `json:"holder"`
	Affiliate   string    `json:"affiliate,omitempty"`
	TotalSupply uint64    `json:"total_supply"`
	MaxSupply   uint64    `json:"max_supply"`
}

// RedemptionData contains redemption event data
type RedemptionData struct {
	ProjectID    uuid.UUID `json:"project_id"`
	TokenID      uint64    `json:"token_id"`
	Holder       string    `json:"holder"`
	Affiliate    string    `json:"affiliate,omitempty"`
	FeePaid      string    `json:"fee_paid"`
	Currency     string    `json:"currency,omitempty"`
	LockedBudget string    `json:"locked_budget"`
}

// AffiliateData contains affiliate event data
type AffiliateData struct {
	ProjectID uuid.UUID `json:"project_id"`
	Address   string    `json:"address"`
}

// BudgetData contains budget movement event data
type BudgetData struct {
	ProjectID       uuid.UUID `json:"project_id"`
	TokenID         uint64    `json:"token_id"`
	Actor           string    `json:"actor"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	LockedBudget    string    `json:"locked_budget"`
	RequiredBudget  string    `json:"required_budget"`
	AvailableBudget string    `json:"available_budget"`
	AfterExpiry     bool      `json:"after_expiry,omitempty"`
}

// HeadroomData contains a low budget headroom alert
type HeadroomData struct {
	ProjectID       uuid.UUID `json:"project_id"`
	TokenID         uint64    `json:"token_id"`
	AvailableBudget string    `json:"available_budget"`
	Fee             string    `json:"fee"`
	ClaimsRemaining uint64    `json:"claims_remaining"`
	Threshold       uint64    `json:"threshold"`
}

// NewEvent creates a new event
func NewEvent(eventType string, aggregateID uuid.UUID, aggregateType string, data interface{}, metadata Metadata) (*BaseEvent, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &BaseEvent{
		ID:            uuid.New(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     time.Now(),
		Version:       1,
		Data:          dataBytes,
		Metadata:      metadata,
	}, nil
}

// ParseData parses event data into the given type
func (e *BaseEvent) ParseData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// ProjectSlug returns the originating project slug, if the producer
// attached one.
func (e *BaseEvent) ProjectSlug() string {
	return e.Metadata.Extra["slug"]
}

// WithCorrelation sets correlation and causation IDs
func (m *Metadata) WithCorrelation(correlationID, causationID string) *Metadata {
	m.CorrelationID = correlationID
	m.CausationID = causationID
	return m
}
