package clean

import (
	"fmt"

	"github.com/malbeclabs/taxilake/pkg/taxi"
)

const (
	// MaxTripMiles is the longest distance a valid trip may cover.
	MaxTripMiles = 100
	// MaxTripSeconds is the longest duration a valid trip may last.
	MaxTripSeconds = 86400
)

// Rule names, in the order the passes run.
const (
	RuleDuplicates          = "duplicates"
	RulePassengerCount      = "passenger_count"
	RuleDistanceNonPositive = "distance_nonpositive"
	RuleDistanceExcessive   = "distance_excessive"
	RuleDuration            = "duration"
)

// Rules returns every rule name in pass order.
func Rules() []string {
	return []string{RuleDuplicates, RulePassengerCount, RuleDistanceNonPositive, RuleDistanceExcessive, RuleDuration}
}

// predicate is a row-level violation condition.
type predicate struct {
	rule string
	sql  func(f taxi.Fleet) string
}

// predicates are the row-level rules; duplicates are handled separately since they
// are a property of the row set, not of a single row.
var predicates = []predicate{
	{RulePassengerCount, func(taxi.Fleet) string {
		return "passenger_count IS NULL OR passenger_count <= 0"
	}},
	{RuleDistanceNonPositive, func(taxi.Fleet) string {
		return "trip_distance IS NULL OR trip_distance <= 0"
	}},
	{RuleDistanceExcessive, func(taxi.Fleet) string {
		return fmt.Sprintf("trip_distance > %d", MaxTripMiles)
	}},
	{RuleDuration, func(f taxi.Fleet) string {
		d := f.DurationSecondsExpr()
		return fmt.Sprintf("%s IS NULL OR %s IS NULL OR %s <= 0 OR %s > %d", f.Pickup(), f.Dropoff(), d, d, MaxTripSeconds)
	}},
}
