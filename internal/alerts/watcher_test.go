package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/couponledger/internal/campaign"
	"github.com/terminal-bench/couponledger/pkg/currency"
	"github.com/terminal-bench/couponledger/shared/events"
)

type stubCampaigns struct {
	mu     sync.Mutex
	report *campaign.BudgetReport
	err    error
}

func (s *stubCampaigns) BudgetReport(slug string, tokenID uint64) (*campaign.BudgetReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report, s.err
}

func (s *stubCampaigns) setHeadroom(headroom uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.AffiliateHeadroom = headroom
}

type sinkEmitter struct {
	mu     sync.Mutex
	events []*events.BaseEvent
}

func (s *sinkEmitter) Emit(ctx context.Context, evt *events.BaseEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *sinkEmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *sinkEmitter) last() *events.BaseEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

func budgetEvent(t *testing.T, tokenID uint64) *events.BaseEvent {
	t.Helper()
	evt, err := events.NewEvent(events.BudgetWithdrawn, uuid.New(), "project", events.BudgetData{
		TokenID: tokenID,
		Amount:  "4",
	}, events.Metadata{Extra: map[string]string{"slug": "summer-drop"}})
	require.NoError(t, err)
	return evt
}

func newFixture(threshold uint64) (*Watcher, *stubCampaigns, *sinkEmitter) {
	campaigns := &stubCampaigns{
		report: &campaign.BudgetReport{
			ProjectID:         uuid.New(),
			TokenID:           7,
			Fee:               currency.MustParse("2.5"),
			AvailableBudget:   currency.MustParse("2.5"),
			AffiliateHeadroom: 1,
		},
	}
	sink := &sinkEmitter{}
	w := NewWatcher(campaigns, sink, threshold, zerolog.Nop())
	return w, campaigns, sink
}

func TestAlertFiresWhenHeadroomLow(t *testing.T) {
	w, _, sink := newFixture(2)

	w.handle(context.Background(), budgetEvent(t, 7))

	require.Equal(t, 1, sink.count(), "headroom 1 under threshold 2 should alert")
	evt := sink.last()
	assert.Equal(t, events.BudgetHeadroomLow, evt.Type)
	assert.Equal(t, "summer-drop", evt.ProjectSlug())

	var data events.HeadroomData
	require.NoError(t, evt.ParseData(&data))
	assert.Equal(t, uint64(7), data.TokenID)
	assert.Equal(t, uint64(1), data.ClaimsRemaining)
	assert.Equal(t, uint64(2), data.Threshold)
	assert.Equal(t, "2.5", data.AvailableBudget)
}

func TestAlertFiresOncePerEpisode(t *testing.T) {
	w, campaigns, sink := newFixture(2)
	ctx := context.Background()

	w.handle(ctx, budgetEvent(t, 7))
	w.handle(ctx, budgetEvent(t, 7))
	assert.Equal(t, 1, sink.count(), "repeated low readings should not re-alert")

	campaigns.setHeadroom(5)
	w.handle(ctx, budgetEvent(t, 7))
	assert.Equal(t, 1, sink.count(), "recovery itself is not an alert")

	campaigns.setHeadroom(0)
	w.handle(ctx, budgetEvent(t, 7))
	assert.Equal(t, 2, sink.count(), "a fresh low episode should alert again")
}

func TestHeadroomAtThresholdDoesNotAlert(t *testing.T) {
	w, campaigns, sink := newFixture(2)
	campaigns.setHeadroom(2)

	w.handle(context.Background(), budgetEvent(t, 7))
	assert.Equal(t, 0, sink.count(), "headroom equal to the threshold is still healthy")
}

func TestFreeCouponNeverAlerts(t *testing.T) {
	w, campaigns, sink := newFixture(2)
	campaigns.mu.Lock()
	campaigns.report.Fee = currency.Zero()
	campaigns.report.AffiliateHeadroom = 0
	campaigns.mu.Unlock()

	w.handle(context.Background(), budgetEvent(t, 7))
	assert.Equal(t, 0, sink.count())
}

func TestIrrelevantEventsSkipIntake(t *testing.T) {
	w, _, _ := newFixture(2)

	evt, err := events.NewEvent(events.ProjectCreated, uuid.New(), "project",
		events.ProjectData{Slug: "summer-drop"}, events.Metadata{})
	require.NoError(t, err)

	w.Emit(context.Background(), evt)
	assert.Empty(t, w.intake, "project churn should not occupy the intake")
}

func TestWatcherLoop(t *testing.T) {
	w, _, sink := newFixture(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.Emit(ctx, budgetEvent(t, 7))

	require.Eventually(t, func() bool { return sink.count() == 1 },
		2*time.Second, 10*time.Millisecond, "loop should process the queued event")

	w.Stop()
}
