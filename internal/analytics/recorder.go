// Package analytics records ledger activity as InfluxDB time series.
package analytics

import (
	"context"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/couponledger/shared/events"
)

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Recorder turns ledger events into measurement points. Writes go
// through the client's async batch API and never block the emitter.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPI
	logger zerolog.Logger
	done   chan struct{}
}

// NewRecorder connects the recorder to an InfluxDB bucket.
func NewRecorder(cfg Config, logger zerolog.Logger) *Recorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	r := &Recorder{
		client: client,
		write:  client.WriteAPI(cfg.Org, cfg.Bucket),
		logger: logger.With().Str("component", "analytics").Logger(),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(r.done)
		for err := range r.write.Errors() {
			r.logger.Warn().Err(err).Msg("influx write failed")
		}
	}()

	return r
}

// Emit records one event. Recorder is an event sink and plugs into
// the emitter fanout.
func (r *Recorder) Emit(ctx context.Context, evt *events.BaseEvent) {
	point, ok := pointFor(evt)
	if !ok {
		return
	}
	r.write.WritePoint(point)
}

// Close flushes pending points and shuts the client down.
func (r *Recorder) Close() {
	r.write.Flush()
	r.client.Close()
	<-r.done
}

// pointFor maps one event to a measurement point. Events that carry
// no metric value return ok=false.
func pointFor(evt *events.BaseEvent) (*write.Point, bool) {
	tags := map[string]string{"project": evt.ProjectSlug()}

	switch evt.Type {
	case events.ProjectCreated:
		var data events.ProjectData
		if err := evt.ParseData(&data); err != nil {
			return nil, false
		}
		return influxdb2.NewPoint("projects", tags,
			map[string]interface{}{"created": int64(1)}, evt.Timestamp), true

	case events.CouponCreated:
		var data events.CouponData
		if err := evt.ParseData(&data); err != nil {
			return nil, false
		}
		fields := map[string]interface{}{
			"max_supply": int64(data.MaxSupply),
		}
		addAmount(fields, "locked_budget", data.LockedBudget)
		tags["token_id"] = strconv.FormatUint(data.TokenID, 10)
		return influxdb2.NewPoint("coupons", tags, fields, evt.Timestamp), true

	case events.CouponClaimed:
		var data events.ClaimData
		if err := evt.ParseData(&data); err != nil {
			return nil, false
		}
		fields := map[string]interface{}{
			"total_supply": int64(data.TotalSupply),
			"attributed":   boolField(data.Affiliate != ""),
		}
		tags["token_id"] = strconv.FormatUint(data.TokenID, 10)
		return influxdb2.NewPoint("claims", tags, fields, evt.Timestamp), true

	case events.CouponRedeemed:
		var data events.RedemptionData
		if err := evt.ParseData(&data); err != nil {
			return nil, false
		}
		fields := map[string]interface{}{
			"attributed": boolField(data.Affiliate != ""),
		}
		addAmount(fields, "fee_paid", data.FeePaid)
		addAmount(fields, "locked_budget", data.LockedBudget)
		tags["token_id"] = strconv.FormatUint(data.TokenID, 10)
		return influxdb2.NewPoint("redemptions", tags, fields, evt.Timestamp), true

	case events.AffiliateRegistered:
		return influxdb2.NewPoint("affiliates", tags,
			map[string]interface{}{"registered": int64(1)}, evt.Timestamp), true

	case events.BudgetLocked, events.BudgetWithdrawn:
		var data events.BudgetData
		if err := evt.ParseData(&data); err != nil {
			return nil, false
		}
		fields := map[string]interface{}{}
		addAmount(fields, "amount", data.Amount)
		addAmount(fields, "locked_budget", data.LockedBudget)
		addAmount(fields, "available_budget", data.AvailableBudget)
		if len(fields) == 0 {
			return nil, false
		}
		action := "lock"
		if evt.Type == events.BudgetWithdrawn {
			action = "withdraw"
		}
		tags["token_id"] = strconv.FormatUint(data.TokenID, 10)
		tags["action"] = action
		return influxdb2.NewPoint("budget", tags, fields, evt.Timestamp), true

	case events.BudgetHeadroomLow:
		var data events.HeadroomData
		if err := evt.ParseData(&data); err != nil {
			return nil, false
		}
		fields := map[string]interface{}{
			"claims_remaining": int64(data.ClaimsRemaining),
		}
		addAmount(fields, "available_budget", data.AvailableBudget)
		tags["token_id"] = strconv.FormatUint(data.TokenID, 10)
		return influxdb2.NewPoint("budget_headroom", tags, fields, evt.Timestamp), true
	}

	return nil, false
}

// addAmount parses a decimal amount string into a float field. Influx
// fields are numeric; unparseable amounts are dropped, not zeroed.
func addAmount(fields map[string]interface{}, key, amount string) {
	if amount == "" {
		return
	}
	v, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return
	}
	fields[key] = v
}

func boolField(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
