package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/jszwec/csvutil"

	"github.com/malbeclabs/taxilake/pkg/duck"
	"github.com/malbeclabs/taxilake/pkg/taxi"
)

const EmissionsTable = "vehicle_emissions"

// EmissionFactor is one row of vehicle_emissions.csv.
type EmissionFactor struct {
	VehicleType     string  `csv:"vehicle_type"`
	FuelType        string  `csv:"fuel_type"`
	MPGCity         float64 `csv:"mpg_city"`
	MPGHighway      float64 `csv:"mpg_highway"`
	CO2GramsPerMile int64   `csv:"co2_grams_per_mile"`
	VehicleYearAvg  float64 `csv:"vehicle_year_avg"`
}

var emissionsHeader = []string{"vehicle_type", "fuel_type", "mpg_city", "mpg_highway", "co2_grams_per_mile", "vehicle_year_avg"}

const createEmissionsSQL = `CREATE OR REPLACE TABLE vehicle_emissions (
	vehicle_type VARCHAR,
	fuel_type VARCHAR,
	mpg_city DOUBLE,
	mpg_highway DOUBLE,
	co2_grams_per_mile BIGINT,
	vehicle_year_avg DOUBLE
)`

// DecodeEmissionFactors reads and validates emission factors from r. The header must
// match the expected columns exactly, vehicle types must be unique, and grams per
// mile must not be negative.
func DecodeEmissionFactors(r io.Reader) ([]EmissionFactor, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, taxi.NewSchemaError("emissions_decode", "emissions file is empty", nil)
		}
		return nil, taxi.NewSchemaError("emissions_decode", "failed to read header", err)
	}
	if header := dec.Header(); !slices.Equal(header, emissionsHeader) {
		return nil, taxi.NewSchemaError("emissions_decode", "unexpected header", nil).
			WithContext("header", header).
			WithContext("expected", emissionsHeader)
	}
	dec.DisallowMissingColumns = true

	var factors []EmissionFactor
	seen := make(map[string]struct{})
	for {
		var f EmissionFactor
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, taxi.NewSchemaError("emissions_decode", "malformed row", err)
		}
		if f.VehicleType == "" {
			return nil, taxi.NewSchemaError("emissions_decode", "empty vehicle_type", nil).WithContext("row", len(factors)+1)
		}
		if _, ok := seen[f.VehicleType]; ok {
			return nil, taxi.NewSchemaError("emissions_decode", "duplicate vehicle_type", nil).WithContext("vehicle_type", f.VehicleType)
		}
		if f.CO2GramsPerMile < 0 {
			return nil, taxi.NewSchemaError("emissions_decode", "negative co2_grams_per_mile", nil).WithContext("vehicle_type", f.VehicleType)
		}
		seen[f.VehicleType] = struct{}{}
		factors = append(factors, f)
	}
	return factors, nil
}

// LoadEmissions replaces the vehicle_emissions table with the contents of the CSV
// file at path.
func (i *Ingester) LoadEmissions(ctx context.Context, path string) ([]EmissionFactor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, taxi.NewSchemaError("emissions_load", "cannot open emissions file", err).WithContext("path", path)
	}
	defer f.Close()

	factors, err := DecodeEmissionFactors(f)
	if err != nil {
		return nil, err
	}

	if _, err := i.cfg.Conn.ExecContext(ctx, createEmissionsSQL); err != nil {
		return nil, taxi.NewDatabaseError("emissions_load", "failed to create table", err).WithContext("table", EmissionsTable)
	}
	err = duck.AppendTableViaCSV(ctx, i.log, i.cfg.Conn, EmissionsTable, len(factors), func(w *csv.Writer, n int) error {
		ef := factors[n]
		return w.Write([]string{
			ef.VehicleType,
			ef.FuelType,
			strconv.FormatFloat(ef.MPGCity, 'f', -1, 64),
			strconv.FormatFloat(ef.MPGHighway, 'f', -1, 64),
			strconv.FormatInt(ef.CO2GramsPerMile, 10),
			strconv.FormatFloat(ef.VehicleYearAvg, 'f', -1, 64),
		})
	})
	if err != nil {
		return nil, taxi.NewDatabaseError("emissions_load", "failed to append rows", err).WithContext("table", EmissionsTable)
	}

	i.log.Info("ingest: loaded emission factors", "path", path, "rows", len(factors))
	return factors, nil
}

func (f EmissionFactor) String() string {
	return fmt.Sprintf("%s(%d g/mi)", f.VehicleType, f.CO2GramsPerMile)
}
