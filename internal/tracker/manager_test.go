package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"stm-tracker/internal/bus"
	"stm-tracker/internal/stmapi"
)

// Key stops of the test line are 2236 and 2238.
func setupLine(store *fakeStore) bus.Line {
	l := store.addLine(bus.Line{Bus: "192", Destination: "INSTRUCCIONES", VariantID: 1163})
	store.addPath(l.ID, []int{2235, 2236, 2237, 2238, 2239}, 1, 4)
	return l
}

func prediction(stop, unit, expected int) stmapi.Prediction {
	return stmapi.Prediction{BusStop: stop, UnitID: unit, ExpectedTime: expected, RouteID: 411, VariantID: 1163}
}

type testRun struct {
	*run
	ctx context.Context
}

func startTestRun(t *testing.T, m *Manager) *testRun {
	t.Helper()
	parent, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(parent)
	tr := &testRun{run: m.newRun(g), ctx: ctx}
	t.Cleanup(func() {
		cancel()
		_ = g.Wait()
	})
	return tr
}

func TestManager_DuplicateUnitReconcilesToOne(t *testing.T) {
	gw, store := newFakeGateway(), newFakeStore()
	setupLine(store)
	gw.setPredictions(2236, prediction(2236, 1683, 26), prediction(2236, 0, 3))
	gw.setPredictions(2238, prediction(2238, 1683, 12))

	r := startTestRun(t, newTestManager(gw, store, nil, zaptest.NewLogger(t), fastOptions()))
	require.NoError(t, r.cycle(r.ctx))

	assert.Equal(t, []bus.UnitKey{1683}, r.table.Keys())
	assert.Len(t, store.units, 1)
	assert.ElementsMatch(t, []int{2236, 2238}, gw.stopCalls)

	tracked, ok := r.table.Lookup(1683)
	require.True(t, ok)
	assert.Equal(t, 12, tracked.Prediction.ExpectedTime, "later prediction wins")
	assert.Equal(t, 1, r.activeCount())
}

func TestManager_TrackersFollowMembership(t *testing.T) {
	gw, store := newFakeGateway(), newFakeStore()
	setupLine(store)
	r := startTestRun(t, newTestManager(gw, store, nil, zaptest.NewLogger(t), fastOptions()))

	cycles := [][]int{
		{1, 2},
		{2, 3},
		{3},
		{},
		{1},
	}
	for i, units := range cycles {
		var preds []stmapi.Prediction
		want := make(map[bus.UnitKey]int)
		for _, u := range units {
			preds = append(preds, prediction(2236, u, 5))
			want[bus.UnitKey(u)] = 1
		}
		gw.setPredictions(2236, preds...)

		require.NoError(t, r.cycle(r.ctx), "cycle %d", i)
		assert.Eventually(t, func() bool {
			got := r.activeKeys()
			return assert.ObjectsAreEqual(want, got)
		}, time.Second, 5*time.Millisecond, "cycle %d: want trackers %v, got %v", i, want, r.activeKeys())
	}
}

func TestManager_PartialStopFailure(t *testing.T) {
	gw, store := newFakeGateway(), newFakeStore()
	setupLine(store)
	gw.stopErrs[2236] = errors.New("502 bad gateway")
	gw.setPredictions(2238, prediction(2238, 55, 7))

	r := startTestRun(t, newTestManager(gw, store, nil, zaptest.NewLogger(t), fastOptions()))
	require.NoError(t, r.cycle(r.ctx))
	assert.Equal(t, []bus.UnitKey{55}, r.table.Keys())
}

func TestManager_EmptyStopDoesNotBlockOthers(t *testing.T) {
	gw, store := newFakeGateway(), newFakeStore()
	setupLine(store)
	gw.setPredictions(2236)
	gw.setPredictions(2238, prediction(2238, 77, 2))

	r := startTestRun(t, newTestManager(gw, store, nil, zaptest.NewLogger(t), fastOptions()))
	require.NoError(t, r.cycle(r.ctx))
	assert.Equal(t, []bus.UnitKey{77}, r.table.Keys())
}

func TestManager_NoLineData(t *testing.T) {
	t.Run("all stops fail", func(t *testing.T) {
		gw, store := newFakeGateway(), newFakeStore()
		setupLine(store)
		gw.stopErrs[2236] = errors.New("timeout")
		gw.stopErrs[2238] = errors.New("timeout")

		r := startTestRun(t, newTestManager(gw, store, nil, zaptest.NewLogger(t), fastOptions()))
		err := r.cycle(r.ctx)
		assert.ErrorIs(t, err, ErrNoLineData)
		assert.Equal(t, 0, r.table.Len())
	})

	t.Run("line not initialized", func(t *testing.T) {
		gw, store := newFakeGateway(), newFakeStore()
		store.addLine(bus.Line{Bus: "192", Destination: "INSTRUCCIONES", VariantID: 1163})

		m := newTestManager(gw, store, nil, zaptest.NewLogger(t), fastOptions())
		err := m.Run(context.Background())
		assert.ErrorIs(t, err, ErrNoLineData)
		assert.Empty(t, gw.stopCalls)
	})
}

// gatewayServer answers stop 2236 with unit 1683 and stop 2238 with an
// empty list, or sends empty bodies for every request while silent is set.
func gatewayServer(t *testing.T, silent *atomic.Bool) *stmapi.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case silent.Load():
		case strings.HasPrefix(r.URL.Path, "/getStopPrediction/2236/"):
			_, _ = w.Write([]byte(`{"PredictionsData":[{"BusStop":2236,"ExpectedTime":26,"RouteID":411,"UnitID":1683,"VariantId":1163}]}`))
		case strings.HasPrefix(r.URL.Path, "/getStopPrediction/"):
			_, _ = w.Write([]byte(`{"PredictionsData":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return stmapi.NewClient(srv.URL, time.Second, nil)
}

func TestManager_SilentGatewayKeepsTrackedUnits(t *testing.T) {
	var silent atomic.Bool
	gw, store := gatewayServer(t, &silent), newFakeStore()
	setupLine(store)

	r := startTestRun(t, newTestManager(gw, store, nil, zaptest.NewLogger(t), fastOptions()))
	require.NoError(t, r.cycle(r.ctx))
	require.Equal(t, []bus.UnitKey{1683}, r.table.Keys())

	silent.Store(true)
	err := r.cycle(r.ctx)
	assert.ErrorIs(t, err, ErrNoLineData)
	assert.Equal(t, []bus.UnitKey{1683}, r.table.Keys(), "table untouched")
	assert.Equal(t, 1, r.activeCount())
}

func TestManager_EmptyListsDrainTable(t *testing.T) {
	gw, store := newFakeGateway(), newFakeStore()
	setupLine(store)
	gw.setPredictions(2236, prediction(2236, 1683, 26))

	r := startTestRun(t, newTestManager(gw, store, nil, zaptest.NewLogger(t), fastOptions()))
	require.NoError(t, r.cycle(r.ctx))

	gw.setPredictions(2236)
	require.NoError(t, r.cycle(r.ctx))
	assert.Equal(t, 0, r.table.Len())
	assert.Eventually(t, func() bool { return r.activeCount() == 0 }, time.Second, time.Millisecond)
}

func TestManager_StaggersTrackerStarts(t *testing.T) {
	gw, store := newFakeGateway(), newFakeStore()
	setupLine(store)
	gw.setPredictions(2236, prediction(2236, 1, 5), prediction(2236, 2, 5), prediction(2236, 3, 5))

	opts := fastOptions()
	opts.StaggerMin = 40 * time.Millisecond
	opts.StaggerMax = 60 * time.Millisecond
	r := startTestRun(t, newTestManager(gw, store, nil, zaptest.NewLogger(t), opts))

	start := time.Now()
	require.NoError(t, r.cycle(r.ctx))
	assert.GreaterOrEqual(t, time.Since(start), 2*opts.StaggerMin)

	var firsts []time.Time
	for _, unit := range []int{1, 2, 3} {
		var at time.Time
		require.Eventually(t, func() bool {
			var ok bool
			at, ok = gw.firstLocationAt(unit)
			return ok
		}, time.Second, time.Millisecond)
		firsts = append(firsts, at)
	}

	assert.Less(t, firsts[0].Sub(start), opts.StaggerMin, "first tracker starts right away")
	const slack = 5 * time.Millisecond
	for i := 1; i < len(firsts); i++ {
		assert.GreaterOrEqual(t, firsts[i].Sub(firsts[i-1]), opts.StaggerMin-slack, "gap before unit %d", i+1)
	}
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	gw, store := newFakeGateway(), newFakeStore()
	setupLine(store)
	gw.setPredictions(2236, prediction(2236, 1683, 26), prediction(2236, 1700, 30))
	gw.setLocation(1683, -34.87, -56.16)
	gw.setLocation(1700, -34.90, -56.19)

	m := newTestManager(gw, store, nil, zaptest.NewLogger(t), fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return store.logCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 2, store.logCount())
}

func TestManager_StoreErrorEndsRun(t *testing.T) {
	gw, store := newFakeGateway(), newFakeStore()
	setupLine(store)
	gw.setPredictions(2236, prediction(2236, 1683, 26))
	gw.setLocation(1683, -34.87, -56.16)
	diskFull := errors.New("disk full")
	store.appendErr = diskFull

	m := newTestManager(gw, store, nil, zaptest.NewLogger(t), fastOptions())
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, diskFull)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after a store failure")
	}
}

func TestManager_LineCache(t *testing.T) {
	store := newFakeStore()
	setupLine(store)
	m := newTestManager(newFakeGateway(), store, nil, zaptest.NewLogger(t), fastOptions())
	ctx := context.Background()

	for range 3 {
		l, err := m.lineForVariant(ctx, 1163)
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.Equal(t, "192", l.Bus)
	}
	assert.Equal(t, 1, store.lineCalls)

	for range 2 {
		l, err := m.lineForVariant(ctx, 999)
		require.NoError(t, err)
		assert.Nil(t, l)
	}
	assert.Equal(t, 3, store.lineCalls, "misses are not cached")
}

func TestRandBetween(t *testing.T) {
	for range 100 {
		d := randBetween(2*time.Second, 5*time.Second)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.Equal(t, time.Second, randBetween(time.Second, time.Second))
}
