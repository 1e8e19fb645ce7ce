// Package alerts watches coupon budgets and raises an event when the
// affiliate headroom of a fee-bearing coupon runs low, so owners can
// top up before attributed claims start bouncing.
package alerts

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/terminal-bench/couponledger/internal/campaign"
	"github.com/terminal-bench/couponledger/shared/events"
)

// Campaigns is the slice of the campaign service the watcher reads.
type Campaigns interface {
	BudgetReport(slug string, tokenID uint64) (*campaign.BudgetReport, error)
}

// Watcher consumes ledger events and re-checks the touched coupon's
// headroom. One alert fires per low episode; recovery above the
// threshold re-arms it.
type Watcher struct {
	campaigns Campaigns
	emitter   events.Emitter
	threshold uint64
	logger    zerolog.Logger

	intake chan *events.BaseEvent
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	alerted map[string]bool
}

// NewWatcher creates a headroom watcher. threshold is the minimum
// number of attributed claims the budget must still cover.
func NewWatcher(campaigns Campaigns, emitter events.Emitter, threshold uint64, logger zerolog.Logger) *Watcher {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Watcher{
		campaigns: campaigns,
		emitter:   emitter,
		threshold: threshold,
		logger:    logger.With().Str("component", "alerts").Logger(),
		intake:    make(chan *events.BaseEvent, 256),
		stopCh:    make(chan struct{}),
		alerted:   make(map[string]bool),
	}
}

// Start launches the processing loop.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case evt := <-w.intake:
				w.handle(ctx, evt)
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts the loop down and waits for it to finish.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// Emit enqueues an event for inspection. Watcher is an event sink and
// plugs into the emitter fanout; a full intake drops events rather
// than stalling the producer.
func (w *Watcher) Emit(ctx context.Context, evt *events.BaseEvent) {
	if !relevant(evt.Type) {
		return
	}
	select {
	case w.intake <- evt:
	default:
		w.logger.Warn().Str("event", evt.Type).Msg("alert intake full, dropping event")
	}
}

func relevant(eventType string) bool {
	switch eventType {
	case events.CouponClaimed, events.CouponRedeemed, events.BudgetLocked, events.BudgetWithdrawn:
		return true
	}
	return false
}

func (w *Watcher) handle(ctx context.Context, evt *events.BaseEvent) {
	slug := evt.ProjectSlug()
	tokenID, ok := tokenIDOf(evt)
	if slug == "" || !ok {
		return
	}

	report, err := w.campaigns.BudgetReport(slug, tokenID)
	if err != nil {
		w.logger.Debug().Err(err).Str("project", slug).Uint64("token_id", tokenID).
			Msg("headroom check skipped")
		return
	}
	// Free coupons cannot run out of fee budget.
	if report.Fee.IsZero() {
		return
	}

	key := fmt.Sprintf("%s/%d", slug, tokenID)
	low := report.AffiliateHeadroom < w.threshold

	w.mu.Lock()
	already := w.alerted[key]
	w.alerted[key] = low
	w.mu.Unlock()

	if !low || already {
		return
	}

	w.logger.Warn().
		Str("project", slug).
		Uint64("token_id", tokenID).
		Uint64("headroom", report.AffiliateHeadroom).
		Uint64("threshold", w.threshold).
		Msg("affiliate headroom low")

	alert, err := events.NewEvent(events.BudgetHeadroomLow, report.ProjectID, "project", events.HeadroomData{
		ProjectID:       report.ProjectID,
		TokenID:         tokenID,
		AvailableBudget: report.AvailableBudget.String(),
		Fee:             report.Fee.String(),
		ClaimsRemaining: report.AffiliateHeadroom,
		Threshold:       w.threshold,
	}, events.Metadata{
		Source: "alerts",
		Extra:  map[string]string{"slug": slug},
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("encode headroom alert")
		return
	}
	w.emitter.Emit(ctx, alert)
}

// tokenIDOf pulls the coupon token id out of whichever payload the
// event carries.
func tokenIDOf(evt *events.BaseEvent) (uint64, bool) {
	switch evt.Type {
	case events.CouponClaimed:
		var data events.ClaimData
		if evt.ParseData(&data) != nil {
			return 0, false
		}
		return data.TokenID, true
	case events.CouponRedeemed:
		var data events.RedemptionData
		if evt.ParseData(&data) != nil {
			return 0, false
		}
		return data.TokenID, true
	case events.BudgetLocked, events.BudgetWithdrawn:
		var data events.BudgetData
		if evt.ParseData(&data) != nil {
			return 0, false
		}
		return data.TokenID, true
	}
	return 0, false
}
