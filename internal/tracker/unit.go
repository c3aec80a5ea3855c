package tracker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"stm-tracker/internal/bus"
	"stm-tracker/internal/publisher"
)

// unitTracker polls one unit's location and appends a location log every
// time it moves. It exits when its unit leaves the table or ctx is done.
type unitTracker struct {
	m      *Manager
	table  *UnitTable
	unit   bus.Unit
	logger *zap.Logger

	last   *bus.Coordinates // last written position
	seeded bool             // last holds the stored position, if any
}

func (t *unitTracker) run(ctx context.Context) error {
	reason := "shutdown"
	defer func() {
		t.logger.Info("tracker stopped", zap.String("reason", reason))
		if t.m.metrics != nil {
			t.m.metrics.TrackersStopped.WithLabelValues(t.m.bus, reason).Inc()
		}
	}()

	t.logger.Info("tracker started")

	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(context.Cause(ctx), errNoLongerPredicted) {
				reason = "removed"
			}
			return nil
		}
		tracked, ok := t.table.Lookup(t.unit.Key())
		if !ok {
			reason = "removed"
			return nil
		}
		// Store writes are not interrupted by shutdown once started.
		if err := t.poll(context.WithoutCancel(ctx), tracked); err != nil {
			reason = "error"
			return err
		}
		sleep(ctx, t.m.pollInterval())
	}
}

// seed loads the last written position so a restarted tracker does not
// log a duplicate of it.
func (t *unitTracker) seed(ctx context.Context) error {
	prev, err := t.m.store.LastLocationLog(ctx, t.unit.ID)
	if err != nil {
		return err
	}
	if prev != nil {
		t.last = &bus.Coordinates{Lat: prev.Latitude, Lon: prev.Longitude}
	}
	t.seeded = true
	return nil
}

// poll runs one iteration. Only a failed store write is returned; every
// other problem is logged and the iteration skipped.
func (t *unitTracker) poll(ctx context.Context, tracked Tracked) error {
	pred := tracked.Prediction

	// Nothing is written until the stored position is known.
	if !t.seeded {
		if err := t.seed(ctx); err != nil {
			t.logger.Warn("could not load last location, retrying next poll", zap.Error(err))
			return nil
		}
	}

	line, err := t.m.lineForVariant(ctx, pred.VariantID)
	if err != nil {
		t.logger.Warn("line lookup failed", zap.Int("variant", pred.VariantID), zap.Error(err))
		return nil
	}
	if line == nil {
		t.logger.Warn("no line for variant, skipping", zap.Int("variant", pred.VariantID))
		if t.m.metrics != nil {
			t.m.metrics.UnresolvedLines.WithLabelValues(t.m.bus).Inc()
		}
		return nil
	}

	loc, err := t.m.gw.BusLocation(ctx, t.unit.UnitID)
	if err != nil {
		t.logger.Warn("location request failed", zap.Error(err))
		return nil
	}
	if loc == nil {
		t.logger.Debug("no location reported")
		return nil
	}

	pos := bus.Coordinates{Lat: loc.Latitude, Lon: loc.Longitude}
	if t.last != nil && *t.last == pos {
		t.logger.Debug("unit did not move", zap.Float64("lat", pos.Lat), zap.Float64("lon", pos.Lon))
		if t.m.metrics != nil {
			t.m.metrics.UnchangedPolls.WithLabelValues(t.m.bus).Inc()
		}
		return nil
	}

	logged, err := t.m.store.AppendLocationLog(ctx, bus.LocationLog{
		LineID:       line.ID,
		UnitID:       t.unit.ID,
		ExpectedTime: pred.ExpectedTime,
		RouteID:      pred.RouteID,
		Latitude:     pos.Lat,
		Longitude:    pos.Lon,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	t.last = &pos
	t.logger.Info("location logged",
		zap.Float64("lat", pos.Lat), zap.Float64("lon", pos.Lon),
		zap.Int("expected", pred.ExpectedTime), zap.Int("route", pred.RouteID))
	if t.m.metrics != nil {
		t.m.metrics.LocationLogs.WithLabelValues(t.m.bus).Inc()
	}

	if t.m.pub != nil {
		msg := publisher.LocationMessage{
			Bus:          line.Bus,
			VariantID:    line.VariantID,
			UnitID:       t.unit.UnitID,
			RouteID:      logged.RouteID,
			ExpectedTime: logged.ExpectedTime,
			Lat:          logged.Latitude,
			Lon:          logged.Longitude,
			Timestamp:    logged.Timestamp,
		}
		if err := t.m.pub.PublishLocation(msg); err != nil {
			t.logger.Warn("publish failed", zap.Error(err))
		}
	}
	return nil
}
