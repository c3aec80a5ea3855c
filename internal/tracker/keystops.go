package tracker

import "stm-tracker/internal/bus"

// SelectKeyStops picks the stops whose predictions are sampled for a line.
//
// points must be ordered by sequence. Every boundary point at index i
// selects the point just before it, max(0, i-1). The first selection is
// then moved to index 1: the route's starting point never has useful
// predictions. The external ids of the selected points are returned in
// path order, without duplicates.
func SelectKeyStops(points []bus.PathPoint) []int {
	var selected []int // indexes into points
	for i, p := range points {
		if p.Type == bus.BoundaryType {
			selected = append(selected, max(0, i-1))
		}
	}
	if len(selected) == 0 {
		return nil
	}
	if len(points) > 1 {
		selected[0] = 1
	}

	chosen := make(map[int]bool, len(selected))
	for _, i := range selected {
		chosen[points[i].Sequence] = true
	}

	var ids []int
	seen := make(map[int]bool)
	for _, p := range points {
		if chosen[p.Sequence] && !seen[p.ExternalID] {
			seen[p.ExternalID] = true
			ids = append(ids, p.ExternalID)
		}
	}
	return ids
}
