package taxi

import (
	"fmt"
	"time"

	"github.com/malbeclabs/taxilake/pkg/duck"
)

// Fleet describes one taxi category: its trip table, the names of its timestamp
// columns in the source files, and the vehicle type keying its emission factor.
type Fleet struct {
	ID            string
	Table         string
	PickupColumn  string
	DropoffColumn string
	VehicleType   string
	// Color is the chart fill for the fleet, as a hex RGB string.
	Color string
}

var (
	Yellow = Fleet{
		ID:            "yellow",
		Table:         "yellow_trips",
		PickupColumn:  "tpep_pickup_datetime",
		DropoffColumn: "tpep_dropoff_datetime",
		VehicleType:   "yellow_taxi",
		Color:         "#F9DC5C",
	}
	Green = Fleet{
		ID:            "green",
		Table:         "green_trips",
		PickupColumn:  "lpep_pickup_datetime",
		DropoffColumn: "lpep_dropoff_datetime",
		VehicleType:   "green_taxi",
		Color:         "#3BAF75",
	}
)

// Fleets returns every known fleet in processing order.
func Fleets() []Fleet {
	return []Fleet{Yellow, Green}
}

func FleetByID(id string) (Fleet, error) {
	for _, f := range Fleets() {
		if f.ID == id {
			return f, nil
		}
	}
	return Fleet{}, fmt.Errorf("unknown fleet %q", id)
}

func (f Fleet) String() string {
	return f.ID
}

// Pickup and Dropoff return the quoted timestamp column identifiers.
func (f Fleet) Pickup() string  { return duck.QuoteIdent(f.PickupColumn) }
func (f Fleet) Dropoff() string { return duck.QuoteIdent(f.DropoffColumn) }

// QuotedTable returns the quoted trip table identifier.
func (f Fleet) QuotedTable() string {
	return duck.QuoteIdent(f.Table)
}

// DurationSecondsExpr is the SQL expression for trip duration in seconds. It is
// NULL when either timestamp is NULL.
func (f Fleet) DurationSecondsExpr() string {
	return fmt.Sprintf("EXTRACT(epoch FROM (%s - %s))", f.Dropoff(), f.Pickup())
}

// SourceFileName returns the published file name for month, e.g.
// yellow_tripdata_2024-01.parquet.
func (f Fleet) SourceFileName(month time.Time) string {
	return fmt.Sprintf("%s_tripdata_%04d-%02d.parquet", f.ID, month.Year(), int(month.Month()))
}
