package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"stm-tracker/internal/bus"
	"stm-tracker/internal/publisher"
	"stm-tracker/internal/stmapi"
)

type fakeGateway struct {
	mu        sync.Mutex
	preds     map[int][]stmapi.Prediction // by stop
	stopErrs  map[int]error
	locations map[int]*stmapi.BusLocation // by unit id
	locErr    error
	paths     map[int][]stmapi.PathPoint // by variant
	pathErr   error

	stopCalls []int
	locCalls  map[int]int
	firstLoc  map[int]time.Time // first location request per unit
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		preds:     make(map[int][]stmapi.Prediction),
		stopErrs:  make(map[int]error),
		locations: make(map[int]*stmapi.BusLocation),
		paths:     make(map[int][]stmapi.PathPoint),
		locCalls:  make(map[int]int),
		firstLoc:  make(map[int]time.Time),
	}
}

func (g *fakeGateway) StopPredictions(_ context.Context, stopID int, _ string) ([]stmapi.Prediction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopCalls = append(g.stopCalls, stopID)
	if err := g.stopErrs[stopID]; err != nil {
		return nil, err
	}
	return g.preds[stopID], nil
}

func (g *fakeGateway) BusLocation(_ context.Context, unitID int) (*stmapi.BusLocation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locCalls[unitID]++
	if _, ok := g.firstLoc[unitID]; !ok {
		g.firstLoc[unitID] = time.Now()
	}
	if g.locErr != nil {
		return nil, g.locErr
	}
	loc := g.locations[unitID]
	if loc == nil {
		return nil, nil
	}
	cp := *loc
	return &cp, nil
}

func (g *fakeGateway) BusPath(_ context.Context, variantID int) ([]stmapi.PathPoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pathErr != nil {
		return nil, g.pathErr
	}
	return g.paths[variantID], nil
}

func (g *fakeGateway) setPredictions(stop int, preds ...stmapi.Prediction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preds[stop] = preds
}

func (g *fakeGateway) setLocation(unitID int, lat, lon float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locations[unitID] = &stmapi.BusLocation{Latitude: lat, Longitude: lon, UnitID: unitID}
}

func (g *fakeGateway) firstLocationAt(unitID int) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.firstLoc[unitID]
	return at, ok
}

func (g *fakeGateway) locationCalls(unitID int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locCalls[unitID]
}

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	lines     []bus.Line
	points    map[int64][]bus.PathPoint
	units     map[int]bus.Unit
	logs      []bus.LocationLog
	appendErr error
	lastErr   error
	lineCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		points: make(map[int64][]bus.PathPoint),
		units:  make(map[int]bus.Unit),
	}
}

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *fakeStore) addLine(l bus.Line) bus.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.id()
	s.lines = append(s.lines, l)
	return l
}

// addPath stores one point per external id; boundaries lists the indexes
// of type 1 points.
func (s *fakeStore) addPath(lineID int64, externalIDs []int, boundaries ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	isBoundary := make(map[int]bool)
	for _, i := range boundaries {
		isBoundary[i] = true
	}
	for i, ext := range externalIDs {
		p := bus.PathPoint{ID: s.id(), LineID: lineID, Sequence: i, ExternalID: ext, Name: "stop"}
		if isBoundary[i] {
			p.Type = bus.BoundaryType
		}
		s.points[lineID] = append(s.points[lineID], p)
	}
}

func (s *fakeStore) LinesByBus(_ context.Context, busCode string) ([]bus.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Line
	for _, l := range s.lines {
		if l.Bus == busCode {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeStore) LineByVariant(_ context.Context, variantID int) (*bus.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineCalls++
	for _, l := range s.lines {
		if l.VariantID == variantID {
			cp := l
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) PathPoints(_ context.Context, lineID int64) ([]bus.PathPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.PathPoint(nil), s.points[lineID]...), nil
}

func (s *fakeStore) CreatePathPoint(_ context.Context, p bus.PathPoint) (bus.PathPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.points[p.LineID] {
		if q.Sequence == p.Sequence {
			return bus.PathPoint{}, errors.Errorf("duplicate path point %d/%d", p.LineID, p.Sequence)
		}
	}
	p.ID = s.id()
	s.points[p.LineID] = append(s.points[p.LineID], p)
	return p, nil
}

func (s *fakeStore) GetOrCreateUnit(_ context.Context, unitID int, universalAccess bool) (bus.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[unitID]; ok {
		return u, nil
	}
	u := bus.Unit{ID: s.id(), UnitID: unitID, UniversalAccess: universalAccess}
	s.units[unitID] = u
	return u, nil
}

func (s *fakeStore) AppendLocationLog(_ context.Context, l bus.LocationLog) (bus.LocationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return bus.LocationLog{}, s.appendErr
	}
	l.ID = s.id()
	s.logs = append(s.logs, l)
	return l, nil
}

func (s *fakeStore) LastLocationLog(_ context.Context, unitRowID int64) (*bus.LocationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		return nil, s.lastErr
	}
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].UnitID == unitRowID {
			cp := s.logs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) setLastErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *fakeStore) logCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

func (s *fakeStore) logsFor(unitRowID int64) []bus.LocationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.LocationLog
	for _, l := range s.logs {
		if l.UnitID == unitRowID {
			out = append(out, l)
		}
	}
	return out
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []publisher.LocationMessage
}

func (p *fakePublisher) PublishLocation(msg publisher.LocationMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

// fastOptions keeps every wait in the millisecond range.
func fastOptions() Options {
	return Options{
		DiscoveryInterval: time.Hour,
		TrackInterval:     5 * time.Millisecond,
		TrackJitter:       time.Millisecond,
		StaggerMin:        0,
		StaggerMax:        time.Millisecond,
	}
}

func newTestManager(gw Gateway, store Store, pub LocationPublisher, logger *zap.Logger, opts Options) *Manager {
	return NewManager("192", gw, store, pub, nil, logger, opts)
}

// activeKeys returns the units with a running tracker.
func (r *run) activeKeys() map[bus.UnitKey]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[bus.UnitKey]int, len(r.active))
	for k, c := range r.active {
		out[k] = c
	}
	return out
}
