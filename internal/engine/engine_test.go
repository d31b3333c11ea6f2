package engine

import (
	"context"
	"copybot/internal/broker"
	"copybot/internal/clock"
	"copybot/internal/logger"
	"copybot/internal/models"
	"copybot/internal/session"
	"copybot/internal/sink"
	"copybot/internal/tracker"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchResult struct {
	orders []models.OrderRecord
	err    error
}

// fakePool replays scripted order books and cancels the run once the script is used up.
type fakePool struct {
	mu        sync.Mutex
	initErr   error
	followers []session.FollowerStatus
	fetches   []fetchResult
	fetched   int
	drained   func()
	placeErrs map[string][]error
	placed    map[string][]models.OrderRequest
	onPlace   func(ctx context.Context, follower string)
}

func newFakePool(followers ...string) *fakePool {
	p := &fakePool{
		placeErrs: map[string][]error{},
		placed:    map[string][]models.OrderRequest{},
	}
	for i, name := range followers {
		p.followers = append(p.followers, session.FollowerStatus{Index: i, Name: name, Available: true})
	}
	return p
}

func (p *fakePool) script(results ...fetchResult) *fakePool {
	p.fetches = append(p.fetches, results...)
	return p
}

func (p *fakePool) Initialize(context.Context) error { return p.initErr }

func (p *fakePool) MasterName() string { return "Master" }

func (p *fakePool) FetchMasterOrders(ctx context.Context) ([]models.OrderRecord, error) {
	p.mu.Lock()
	if p.fetched >= len(p.fetches) {
		drained := p.drained
		p.mu.Unlock()
		if drained != nil {
			drained()
		}
		return nil, ctx.Err()
	}
	res := p.fetches[p.fetched]
	p.fetched++
	p.mu.Unlock()
	return res.orders, res.err
}

func (p *fakePool) PlaceFollowerOrder(ctx context.Context, idx int, req models.OrderRequest) (string, error) {
	if p.onPlace != nil {
		p.onPlace(ctx, p.followers[idx].Name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.followers[idx]
	if !f.Available {
		return "", session.ErrFollowerUnavailable
	}
	p.placed[f.Name] = append(p.placed[f.Name], req)
	if queue := p.placeErrs[f.Name]; len(queue) > 0 {
		err := queue[0]
		p.placeErrs[f.Name] = queue[1:]
		return "", err
	}
	return fmt.Sprintf("%s-%d", f.Name, len(p.placed[f.Name])), nil
}

func (p *fakePool) Followers() []session.FollowerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]session.FollowerStatus, len(p.followers))
	copy(out, p.followers)
	return out
}

func (p *fakePool) AvailableFollowers() []session.FollowerStatus {
	out := []session.FollowerStatus{}
	for _, f := range p.Followers() {
		if f.Available {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePool) placedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, reqs := range p.placed {
		n += len(reqs)
	}
	return n
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Event{}
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type memorySink struct {
	mu     sync.Mutex
	writes []sink.RunLog
}

func (m *memorySink) Write(_ context.Context, run sink.RunLog) error {
	m.mu.Lock()
	m.writes = append(m.writes, run)
	m.mu.Unlock()
	return nil
}

type harness struct {
	engine  *Engine
	pool    *fakePool
	tracker *tracker.Tracker
	clock   *clock.Fake
	events  *recorder
	sink    *memorySink
}

func liveSettings() models.CopySettings {
	s := models.DefaultCopySettings()
	s.DryRun = false
	return s
}

func newHarness(pool *fakePool, mutate func(*Options)) *harness {
	clk := clock.NewFake(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	mem := &memorySink{}
	opts := Options{
		Settings:      liveSettings(),
		PollInterval:  3 * time.Second,
		FanoutWorkers: 3,
		Retry:         session.DefaultRetryPolicy(),
		Clock:         clk,
		Sink:          mem,
	}
	if mutate != nil {
		mutate(&opts)
	}
	tr := tracker.New("run-test", clk.Now())
	e := New(pool, tr, opts, logger.Discard())
	rec := &recorder{}
	e.Subscribe(rec)
	return &harness{engine: e, pool: pool, tracker: tr, clock: clk, events: rec, sink: mem}
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.pool.drained = cancel
	return h.engine.Start(ctx)
}

func order(id, symbol string, qty int) models.OrderRecord {
	return models.OrderRecord{
		OrderID:         id,
		Symbol:          symbol,
		Exchange:        "NFO",
		TransactionType: models.TransactionBuy,
		OrderType:       models.OrderTypeMarket,
		ProductType:     "INTRADAY",
		Quantity:        qty,
		Status:          models.StatusComplete,
	}
}

func books(batches ...[]models.OrderRecord) []fetchResult {
	out := make([]fetchResult, 0, len(batches))
	for _, b := range batches {
		out = append(out, fetchResult{orders: b})
	}
	return out
}

func TestScenarioCopiesToEveryFollower(t *testing.T) {
	pool := newFakePool("Alpha", "Beta").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 50)})...)
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	records := h.tracker.Records()
	require.Len(t, records, 2)
	names := map[string]bool{}
	for _, r := range records {
		assert.Equal(t, "X1", r.MasterOrderID)
		assert.Equal(t, 50, r.Quantity)
		assert.True(t, r.Success)
		assert.False(t, r.DryRun)
		require.NotNil(t, r.FollowerOrderID)
		names[r.FollowerName] = true
	}
	assert.Len(t, names, 2)
	assert.Equal(t, "Alpha", records[0].FollowerName)
	assert.Equal(t, 2, pool.placedCount())
	assert.Equal(t, "NIFTY", pool.placed["Beta"][0].Symbol)
	assert.Equal(t, StateStopped, h.engine.State())
}

func TestHistoryIsNeverCopied(t *testing.T) {
	history := []models.OrderRecord{order("H1", "NIFTY", 10), order("H2", "BANKNIFTY", 5)}
	pool := newFakePool("A").script(books(history, append(history, order("N1", "NIFTY", 10)))...)
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	records := h.tracker.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "N1", records[0].MasterOrderID)
	seeded := h.events.ofType(EventSeeded)
	require.Len(t, seeded, 1)
	assert.Equal(t, 2, seeded[0].Count)
}

func TestOrderSeenInManyPollsIsCopiedOnce(t *testing.T) {
	x := []models.OrderRecord{order("X1", "NIFTY", 10)}
	pool := newFakePool("A", "B").script(books(nil, x, x, x)...)
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	assert.Len(t, h.tracker.Records(), 2)
	assert.Equal(t, 2, pool.placedCount())
	assert.Len(t, h.events.ofType(EventOrderDetected), 1)
}

func TestFailureIsIsolatedPerFollower(t *testing.T) {
	pool := newFakePool("A", "B", "C").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 10)})...)
	pool.placeErrs["B"] = []error{&broker.Error{Kind: broker.KindRejected, Op: "placeOrder", Message: "insufficient funds", Code: "AB4036"}}
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	records := h.tracker.Records()
	require.Len(t, records, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{records[0].FollowerName, records[1].FollowerName, records[2].FollowerName})
	assert.True(t, records[0].Success)
	assert.False(t, records[1].Success)
	require.NotNil(t, records[1].Error)
	assert.Contains(t, *records[1].Error, "insufficient funds")
	assert.Nil(t, records[1].FollowerOrderID)
	assert.True(t, records[2].Success)

	summary := h.tracker.Summary()
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, pool.placed["B"], 1)
}

func TestRateLimitedPlacementIsRetried(t *testing.T) {
	pool := newFakePool("A").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 10)})...)
	pool.placeErrs["A"] = []error{&broker.Error{Kind: broker.KindRateLimited, Op: "placeOrder", Message: "access rate"}}
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	records := h.tracker.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Len(t, pool.placed["A"], 2)
	assert.Contains(t, h.clock.Sleeps(), 60*time.Second)
}

func TestNetworkErrorOnPlacementIsNotRetried(t *testing.T) {
	pool := newFakePool("A").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 10)})...)
	pool.placeErrs["A"] = []error{&broker.Error{Kind: broker.KindNetwork, Op: "placeOrder", Err: errors.New("connection reset")}}
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	records := h.tracker.Records()
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Len(t, pool.placed["A"], 1)
}

func TestRejectionMentioningDigitsIsNotRetried(t *testing.T) {
	pool := newFakePool("A").script(books(nil, []models.OrderRecord{order("X1", "NIFTY24D1224290CE", 10)})...)
	pool.placeErrs["A"] = []error{errors.New("Order price 24290 is outside the circuit limit")}
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	records := h.tracker.Records()
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Len(t, pool.placed["A"], 1)
	assert.NotContains(t, h.clock.Sleeps(), 60*time.Second)
}

func TestPlacementInFlightSurvivesCancel(t *testing.T) {
	pool := newFakePool("A", "B").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 10), order("X2", "BANKNIFTY", 5)})...)
	h := newHarness(pool, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.drained = cancel

	var mu sync.Mutex
	sawDone := false
	pool.onPlace = func(placeCtx context.Context, _ string) {
		cancel()
		mu.Lock()
		defer mu.Unlock()
		if placeCtx.Err() != nil {
			sawDone = true
		}
	}

	require.NoError(t, h.engine.Start(ctx))

	mu.Lock()
	assert.False(t, sawDone, "постановка ордера не должна видеть отмену")
	mu.Unlock()

	records := h.tracker.Records()
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "X1", r.MasterOrderID)
		assert.True(t, r.Success)
	}
	assert.Equal(t, 2, pool.placedCount())
	for _, ev := range h.events.ofType(EventOrderDetected) {
		assert.NotEqual(t, "X2", ev.Order.OrderID)
	}
	assert.True(t, h.tracker.IsNew("X2"))
}

func TestDryRunNeverPlaces(t *testing.T) {
	pool := newFakePool("A", "B").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 50)})...)
	h := newHarness(pool, func(o *Options) { o.Settings.DryRun = true })

	require.NoError(t, h.run(t))

	assert.Zero(t, pool.placedCount())
	records := h.tracker.Records()
	require.Len(t, records, 2)
	for _, r := range records {
		assert.True(t, r.Success)
		assert.True(t, r.DryRun)
		require.NotNil(t, r.FollowerOrderID)
		assert.True(t, IsDryRunID(*r.FollowerOrderID))
	}
	assert.NotEqual(t, *records[0].FollowerOrderID, *records[1].FollowerOrderID)
}

func TestIneligibleOrdersAreSkippedButClaimed(t *testing.T) {
	open := order("P1", "NIFTY", 10)
	open.Status = "open"
	done := open
	done.Status = models.StatusComplete
	blocked := order("B1", "SBIN", 10)

	pool := newFakePool("A").script(books(nil, []models.OrderRecord{open, blocked}, []models.OrderRecord{done})...)
	h := newHarness(pool, func(o *Options) { o.Settings.BlockedSymbols = models.SymbolSet([]string{"SBIN"}) })

	require.NoError(t, h.run(t))

	assert.Empty(t, h.tracker.Records())
	skipped := h.events.ofType(EventOrderSkipped)
	require.Len(t, skipped, 2)
	assert.Equal(t, SkipNotComplete, skipped[0].Reason)
	assert.Equal(t, SkipBlockedSymbol, skipped[1].Reason)
	assert.False(t, h.tracker.IsNew("P1"))
}

func TestFetchFailuresBackOffAndRecover(t *testing.T) {
	boom := &broker.Error{Kind: broker.KindNetwork, Op: "getOrderBook", Err: errors.New("timeout")}
	pool := newFakePool("A").script(
		fetchResult{},
		fetchResult{err: boom},
		fetchResult{err: boom},
		fetchResult{orders: []models.OrderRecord{order("X1", "NIFTY", 10)}},
	)
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	assert.Equal(t, []time.Duration{6 * time.Second, 12 * time.Second, 3 * time.Second}, h.clock.Sleeps())
	assert.Len(t, h.events.ofType(EventFetchFailed), 2)
	assert.Len(t, h.tracker.Records(), 1)
	assert.EqualValues(t, 2, h.engine.Status().FetchFailures)
}

func TestFetchBackoffIsCapped(t *testing.T) {
	h := newHarness(newFakePool(), func(o *Options) { o.MaxFetchBackoff = time.Minute })
	assert.Equal(t, 6*time.Second, h.engine.fetchBackoff(1))
	assert.Equal(t, time.Minute, h.engine.fetchBackoff(10))
	assert.Equal(t, time.Minute, h.engine.fetchBackoff(1000))
}

func TestSeedingRetriesBeforeDetection(t *testing.T) {
	boom := errors.New("gateway timeout")
	pool := newFakePool("A").script(
		fetchResult{err: boom},
		fetchResult{orders: []models.OrderRecord{order("H1", "NIFTY", 10)}},
		fetchResult{orders: []models.OrderRecord{order("H1", "NIFTY", 10)}},
	)
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	assert.Empty(t, h.tracker.Records())
	assert.Len(t, h.events.ofType(EventSeeded), 1)
	assert.Equal(t, 6*time.Second, h.clock.Sleeps()[0])
}

type scriptedConfirmer struct {
	answer bool
	asked  int
}

func (s *scriptedConfirmer) Confirm(context.Context, models.OrderRecord, int) (bool, error) {
	s.asked++
	return s.answer, nil
}

func TestDeclinedConfirmationProducesNoRecords(t *testing.T) {
	conf := &scriptedConfirmer{answer: false}
	pool := newFakePool("A", "B").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 10)})...)
	h := newHarness(pool, func(o *Options) {
		o.Settings.RequireConfirmation = true
		o.Confirmer = conf
	})

	require.NoError(t, h.run(t))

	assert.Equal(t, 1, conf.asked)
	assert.Empty(t, h.tracker.Records())
	assert.Zero(t, pool.placedCount())
	skipped := h.events.ofType(EventOrderSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, SkipDeclined, skipped[0].Reason)
}

func TestApprovedConfirmationCopies(t *testing.T) {
	conf := &scriptedConfirmer{answer: true}
	pool := newFakePool("A", "B").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 10)})...)
	h := newHarness(pool, func(o *Options) {
		o.Settings.RequireConfirmation = true
		o.Confirmer = conf
	})

	require.NoError(t, h.run(t))

	assert.Equal(t, 1, conf.asked)
	assert.Len(t, h.tracker.Records(), 2)
}

func TestNoAvailableFollowers(t *testing.T) {
	pool := newFakePool("A").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 10)})...)
	pool.followers[0].Available = false
	pool.followers[0].Reason = "auth"
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	assert.Empty(t, h.tracker.Records())
	unavailable := h.events.ofType(EventFollowerUnavailable)
	require.Len(t, unavailable, 1)
	assert.Equal(t, "A", unavailable[0].Follower)
	skipped := h.events.ofType(EventOrderSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, SkipNoFollowers, skipped[0].Reason)
}

func TestFatalInitStopsEngine(t *testing.T) {
	pool := newFakePool("A")
	pool.initErr = fmt.Errorf("%w: %w", session.ErrFatalInit, broker.ErrAuth)
	h := newHarness(pool, nil)

	err := h.run(t)
	assert.ErrorIs(t, err, session.ErrFatalInit)
	assert.Equal(t, StateStopped, h.engine.State())
	assert.Zero(t, pool.fetched)

	stopped := h.events.ofType(EventStopped)
	require.Len(t, stopped, 1)
	assert.NotEmpty(t, stopped[0].Error)
}

func TestStopFlushesCopyLog(t *testing.T) {
	pool := newFakePool("A").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 10)})...)
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	require.Len(t, h.sink.writes, 1)
	run := h.sink.writes[0]
	assert.Equal(t, "run-test", run.RunID)
	assert.Len(t, run.Records, 1)
	assert.Equal(t, 100.0, run.Summary.SuccessRate)

	stopped := h.events.ofType(EventStopped)
	require.Len(t, stopped, 1)
	require.NotNil(t, stopped[0].Summary)
	assert.Equal(t, 1, stopped[0].Summary.Total)
}

func TestCancelledBeforeStartDispatchesNothing(t *testing.T) {
	pool := newFakePool("A").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 10)})...)
	h := newHarness(pool, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.engine.Start(ctx))

	assert.Empty(t, h.tracker.Records())
	assert.Len(t, h.sink.writes, 1)
}

func TestStateTransitions(t *testing.T) {
	pool := newFakePool("A").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 10)})...)
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	states := []string{}
	for _, ev := range h.events.ofType(EventState) {
		states = append(states, ev.State)
	}
	assert.Equal(t, []string{"seeding", "polling", "dispatching", "polling", "stopped"}, states)
}

func TestCallBudgetSpacesFetches(t *testing.T) {
	batches := make([]fetchResult, 6)
	pool := newFakePool("A").script(batches...)
	h := newHarness(pool, func(o *Options) {
		o.PollInterval = time.Millisecond
		o.MaxCallsPerMinute = 60
	})
	start := h.clock.Now()

	require.NoError(t, h.run(t))

	assert.GreaterOrEqual(t, h.clock.Now().Sub(start), 5*time.Second)
}

func TestStatusReflectsRun(t *testing.T) {
	pool := newFakePool("A", "B").script(books(nil, []models.OrderRecord{order("X1", "NIFTY", 10)})...)
	h := newHarness(pool, nil)

	require.NoError(t, h.run(t))

	st := h.engine.Status()
	assert.Equal(t, "run-test", st.RunID)
	assert.Equal(t, "stopped", st.State)
	assert.Equal(t, "Master", st.Master)
	assert.EqualValues(t, 1, st.Polls)
	assert.Equal(t, 1, st.KnownOrders)
	assert.Len(t, st.Followers, 2)
	assert.Equal(t, 2, st.Summary.Total)
	assert.NotNil(t, st.LastPollAt)
}
