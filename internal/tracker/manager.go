package tracker

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stm-tracker/internal/bus"
	mmetrics "stm-tracker/internal/metrics"
	"stm-tracker/internal/publisher"
	"stm-tracker/internal/stmapi"
)

// ErrNoLineData means a discovery cycle could not get any prediction data
// for the whole line. The run ends and is retried by its supervisor.
var ErrNoLineData = errors.New("no prediction data for line")

// errNoLongerPredicted is the cancellation cause of a tracker whose unit
// left the table.
var errNoLongerPredicted = errors.New("unit no longer predicted")

const lineCacheTTL = time.Hour

type Gateway interface {
	StopPredictions(ctx context.Context, stopID int, busCode string) ([]stmapi.Prediction, error)
	BusLocation(ctx context.Context, unitID int) (*stmapi.BusLocation, error)
	BusPath(ctx context.Context, variantID int) ([]stmapi.PathPoint, error)
}

type Store interface {
	LinesByBus(ctx context.Context, busCode string) ([]bus.Line, error)
	LineByVariant(ctx context.Context, variantID int) (*bus.Line, error)
	PathPoints(ctx context.Context, lineID int64) ([]bus.PathPoint, error)
	CreatePathPoint(ctx context.Context, p bus.PathPoint) (bus.PathPoint, error)
	GetOrCreateUnit(ctx context.Context, unitID int, universalAccess bool) (bus.Unit, error)
	AppendLocationLog(ctx context.Context, l bus.LocationLog) (bus.LocationLog, error)
	LastLocationLog(ctx context.Context, unitRowID int64) (*bus.LocationLog, error)
}

type LocationPublisher interface {
	PublishLocation(msg publisher.LocationMessage) error
}

type Options struct {
	DiscoveryInterval time.Duration
	TrackInterval     time.Duration
	TrackJitter       time.Duration
	StaggerMin        time.Duration
	StaggerMax        time.Duration
	LineCacheSize     int
}

// Manager discovers the units running on one bus line and keeps a
// tracker goroutine alive for each of them.
type Manager struct {
	bus     string
	gw      Gateway
	store   Store
	pub     LocationPublisher
	metrics *mmetrics.Collector
	logger  *zap.Logger
	opts    Options

	lines gcache.Cache // variant id -> bus.Line
}

// NewManager builds a manager for busCode. pub and metrics may be nil.
func NewManager(busCode string, gw Gateway, store Store, pub LocationPublisher, metrics *mmetrics.Collector, logger *zap.Logger, opts Options) *Manager {
	if opts.LineCacheSize <= 0 {
		opts.LineCacheSize = 256
	}
	return &Manager{
		bus:     busCode,
		gw:      gw,
		store:   store,
		pub:     pub,
		metrics: metrics,
		logger:  logger.With(zap.String("bus", busCode)),
		opts:    opts,
		lines:   gcache.New(opts.LineCacheSize).LRU().Build(),
	}
}

// Run discovers and tracks units until ctx is cancelled, returning nil, or
// until the discovery loop or a tracker fails. Every tracker started by
// the run has exited when Run returns.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	r := m.newRun(g)
	g.Go(func() error { return r.discover(gctx) })
	err := g.Wait()
	if m.metrics != nil {
		m.metrics.TrackedUnits.WithLabelValues(m.bus).Set(0)
	}
	return err
}

// run is the state of one Run call. Its table and cancel funcs are only
// written by the discovery goroutine.
type run struct {
	m       *Manager
	group   *errgroup.Group
	table   *UnitTable
	cancels map[bus.UnitKey]context.CancelCauseFunc

	mu     sync.Mutex
	active map[bus.UnitKey]int // running trackers per unit
}

func (m *Manager) newRun(g *errgroup.Group) *run {
	return &run{
		m:       m,
		group:   g,
		table:   NewUnitTable(),
		cancels: make(map[bus.UnitKey]context.CancelCauseFunc),
		active:  make(map[bus.UnitKey]int),
	}
}

func (r *run) discover(ctx context.Context) error {
	ticker := time.NewTicker(r.m.opts.DiscoveryInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// cycle runs one discovery pass: poll predictions, reconcile units, then
// stop trackers of units that left and start trackers for new ones.
func (r *run) cycle(ctx context.Context) error {
	m := r.m
	start := time.Now()

	preds, err := m.collectPredictions(ctx)
	if err != nil {
		return err
	}

	next := make(map[bus.UnitKey]Tracked, len(preds))
	for _, p := range preds {
		u, err := m.store.GetOrCreateUnit(ctx, p.UnitID, p.UniversalAccess)
		if err != nil {
			return errors.Wrapf(err, "reconcile unit %d", p.UnitID)
		}
		m.logger.Debug("got prediction",
			zap.Stringer("unit", u.Key()), zap.Int("stop", p.BusStop),
			zap.Int("variant", p.VariantID), zap.Int("expected", p.ExpectedTime))
		next[u.Key()] = Tracked{
			Unit: u,
			Prediction: bus.Prediction{
				StopID:       p.BusStop,
				ExpectedTime: p.ExpectedTime,
				RouteID:      p.RouteID,
				VariantID:    p.VariantID,
			},
		}
	}

	previous := r.table.Keys()
	removed, added := r.table.Replace(next)
	m.logger.Info("discovery cycle",
		zap.Any("previous_units", previous),
		zap.Any("current_units", sortedKeys(next)),
		zap.Any("removed", removed),
		zap.Any("added", added))
	if m.metrics != nil {
		m.metrics.TrackedUnits.WithLabelValues(m.bus).Set(float64(len(next)))
		m.metrics.DiscoveryDuration.WithLabelValues(m.bus).Observe(time.Since(start).Seconds())
	}

	for _, key := range removed {
		m.logger.Info("removed unit from tracked set", zap.Stringer("unit", key))
		if cancel, ok := r.cancels[key]; ok {
			cancel(errNoLongerPredicted)
			delete(r.cancels, key)
		}
	}

	for i, key := range added {
		if i > 0 && !sleep(ctx, m.stagger()) {
			return nil
		}
		m.logger.Info("adding unit to tracked set", zap.Stringer("unit", key))
		r.startTracker(ctx, next[key].Unit)
	}

	m.logger.Info("current task count", zap.Int("trackers", r.activeCount()), zap.Int("units", len(next)))
	return nil
}

func (r *run) startTracker(parent context.Context, u bus.Unit) {
	ctx, cancel := context.WithCancelCause(parent)
	r.cancels[u.Key()] = cancel

	r.mu.Lock()
	r.active[u.Key()]++
	r.mu.Unlock()
	if r.m.metrics != nil {
		r.m.metrics.TrackersStarted.WithLabelValues(r.m.bus).Inc()
	}

	t := &unitTracker{
		m:      r.m,
		table:  r.table,
		unit:   u,
		logger: r.m.logger.With(zap.Stringer("unit", u.Key())),
	}
	r.group.Go(func() error {
		defer cancel(nil)
		defer func() {
			r.mu.Lock()
			if r.active[u.Key()]--; r.active[u.Key()] <= 0 {
				delete(r.active, u.Key())
			}
			r.mu.Unlock()
		}()
		return t.run(ctx)
	})
}

func (r *run) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.active {
		n += c
	}
	return n
}

// keyStops returns the deduplicated external ids of the key stops of
// every line of the bus.
func (m *Manager) keyStops(ctx context.Context) ([]int, error) {
	lines, err := m.store.LinesByBus(ctx, m.bus)
	if err != nil {
		return nil, errors.Wrap(err, "list lines")
	}

	var stops []int
	seen := make(map[int]bool)
	for _, l := range lines {
		pts, err := m.store.PathPoints(ctx, l.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "path of %s", l)
		}
		ids := SelectKeyStops(pts)
		m.logger.Debug("selected key stops",
			zap.Stringer("line", l), zap.Int("path_points", len(pts)), zap.Ints("stops", ids))
		if len(ids) == 0 {
			m.logger.Warn("line has no key stops, was it initialized?", zap.Stringer("line", l))
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				stops = append(stops, id)
			}
		}
	}
	return stops, nil
}

// collectPredictions queries every key stop and returns the predictions
// that name a unit. A failing or silent stop is skipped; the cycle only
// fails when no stop answered with data.
func (m *Manager) collectPredictions(ctx context.Context) ([]stmapi.Prediction, error) {
	stops, err := m.keyStops(ctx)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, errors.Wrapf(ErrNoLineData, "bus %s has no key stops", m.bus)
	}

	var preds []stmapi.Prediction
	failed, silent := 0, 0
	for _, stop := range stops {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		got, err := m.gw.StopPredictions(context.WithoutCancel(ctx), stop, m.bus)
		switch {
		case errors.Is(err, stmapi.ErrNoData):
			silent++
			m.logger.Debug("no data for stop", zap.Int("stop", stop))
			continue
		case err != nil:
			failed++
			m.logger.Warn("stop prediction failed", zap.Int("stop", stop), zap.Error(err))
			if m.metrics != nil {
				m.metrics.DiscoveryStopErrs.WithLabelValues(m.bus).Inc()
			}
			continue
		}
		m.logger.Debug("got predictions for stop", zap.Int("stop", stop), zap.Int("count", len(got)))
		for _, p := range got {
			if p.UnitID == 0 {
				continue
			}
			preds = append(preds, p)
		}
	}
	if failed+silent == len(stops) {
		return nil, errors.Wrapf(ErrNoLineData, "no data from %d stops of bus %s (%d failed)", len(stops), m.bus, failed)
	}
	return preds, nil
}

// lineForVariant resolves a variant to its line. Found lines are cached;
// misses are not, so a variant initialized later is picked up.
func (m *Manager) lineForVariant(ctx context.Context, variantID int) (*bus.Line, error) {
	if v, err := m.lines.Get(variantID); err == nil {
		l := v.(bus.Line)
		return &l, nil
	}
	l, err := m.store.LineByVariant(ctx, variantID)
	if err != nil || l == nil {
		return l, err
	}
	_ = m.lines.SetWithExpire(variantID, *l, lineCacheTTL)
	return l, nil
}

// stagger is the pause between two consecutive tracker starts.
func (m *Manager) stagger() time.Duration {
	return randBetween(m.opts.StaggerMin, m.opts.StaggerMax)
}

// pollInterval is TrackInterval ± TrackJitter.
func (m *Manager) pollInterval() time.Duration {
	return randBetween(m.opts.TrackInterval-m.opts.TrackJitter, m.opts.TrackInterval+m.opts.TrackJitter)
}

func randBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
