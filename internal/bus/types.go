package bus

import (
	"fmt"
	"time"
)

// BoundaryType marks a path point that closes a key-stop segment.
const BoundaryType = 1

type Line struct {
	ID          int64
	Bus         string
	Destination string
	Going       bool
	VariantID   int
}

func (l Line) String() string {
	return fmt.Sprintf("line %s to %s (variant %d)", l.Bus, l.Destination, l.VariantID)
}

type PathPoint struct {
	ID         int64
	LineID     int64
	Sequence   int
	ExternalID int // physical stop id at the gateway
	Name       string
	Type       int
}

// UnitKey is the natural identity of a vehicle. Two Unit values are the
// same vehicle iff their keys are equal, whatever their row ids are.
type UnitKey int

func (k UnitKey) String() string { return fmt.Sprintf("unit %d", int(k)) }

type Unit struct {
	ID              int64 // surrogate row id, not identity
	UnitID          int
	UniversalAccess bool
}

func (u Unit) Key() UnitKey { return UnitKey(u.UnitID) }

func (u Unit) String() string { return u.Key().String() }

type LocationLog struct {
	ID           int64
	LineID       int64
	UnitID       int64 // units.id
	ExpectedTime int
	RouteID      int
	Latitude     float64
	Longitude    float64
	Timestamp    time.Time
}

// Coordinates is a lat/lon pair as reported by the gateway.
type Coordinates struct {
	Lat float64
	Lon float64
}

// Prediction is the per-unit payload kept in the tracked-unit table.
type Prediction struct {
	StopID       int
	ExpectedTime int // minutes
	RouteID      int
	VariantID    int
}
