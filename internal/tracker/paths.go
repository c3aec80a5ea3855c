package tracker

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"stm-tracker/internal/bus"
)

// UnnamedStop replaces the name of path points the gateway sends without one.
const UnnamedStop = "(unnamed stop)"

// InitializePaths fetches and stores the path of every line of busCode. It
// returns the number of points written. Lines whose path comes back empty
// are skipped. Running it twice for the same line fails with a conflict.
func InitializePaths(ctx context.Context, gw Gateway, store Store, busCode string, logger *zap.Logger) (int, error) {
	logger = logger.With(zap.String("bus", busCode))

	lines, err := store.LinesByBus(ctx, busCode)
	if err != nil {
		return 0, errors.Wrap(err, "list lines")
	}
	if len(lines) == 0 {
		logger.Warn("no lines registered for bus")
		return 0, nil
	}

	written := 0
	for _, l := range lines {
		logger.Debug("finding path", zap.Stringer("line", l))

		points, err := gw.BusPath(ctx, l.VariantID)
		if err != nil {
			return written, errors.Wrapf(err, "fetch path for %s", l)
		}
		if len(points) == 0 {
			logger.Warn("gateway returned no path", zap.Stringer("line", l))
			continue
		}

		for _, p := range points {
			name := UnnamedStop
			if p.Name != nil {
				name = *p.Name
			} else {
				logger.Warn("path point has no name",
					zap.Stringer("line", l), zap.Int("sequence", p.Sequence), zap.Int("external_id", p.ExternalID))
			}
			if _, err := store.CreatePathPoint(ctx, bus.PathPoint{
				LineID:     l.ID,
				Sequence:   p.Sequence,
				ExternalID: p.ExternalID,
				Name:       name,
				Type:       p.Type,
			}); err != nil {
				return written, err
			}
			written++
		}
		logger.Info("path stored", zap.Stringer("line", l), zap.Int("points", len(points)))
	}
	return written, nil
}
