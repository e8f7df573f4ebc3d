package report

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
)

var dayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// BucketName renders a bucket value for display, e.g. "6 (Saturday)" for day of week.
func BucketName(dim Dimension, v int) string {
	switch dim {
	case DimensionDayOfWeek:
		if v >= 0 && v < len(dayNames) {
			return fmt.Sprintf("%d (%s)", v, dayNames[v])
		}
	case DimensionMonthOfYear:
		if v >= 1 && v <= 12 {
			return fmt.Sprintf("%d (%s)", v, time.Month(v))
		}
	case DimensionHour:
		return fmt.Sprintf("%02d:00", v)
	}
	return fmt.Sprintf("%d", v)
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	return table
}

// PrintFleetReport writes the largest trip and the carbon extremes of one fleet.
func PrintFleetReport(w io.Writer, r FleetReport) {
	fmt.Fprintf(w, "Fleet: %s (%s)\n", r.Fleet.ID, r.Fleet.Table)
	fmt.Fprintf(w, "Largest CO2 trip: %.3f kg, %.2f mi, pickup %s\n",
		r.Largest.CO2Kgs, r.Largest.TripDistance, r.Largest.Pickup.UTC().Format(time.DateTime))

	table := newTable(w)
	table.SetHeader([]string{
		"Dimension",
		"Heaviest", "Avg CO2\n(kg)",
		"Lightest", "Avg CO2\n(kg)",
	})
	for _, e := range r.Extremes {
		table.Append([]string{
			e.Dimension.Label(),
			BucketName(e.Dimension, e.Heaviest.Value),
			fmt.Sprintf("%.4f", e.Heaviest.AvgCO2Kgs),
			BucketName(e.Dimension, e.Lightest.Value),
			fmt.Sprintf("%.4f", e.Lightest.AvgCO2Kgs),
		})
	}
	table.Render()
}

// PrintMonthlyTotals writes one row per month with a column per fleet.
func PrintMonthlyTotals(w io.Writer, totals []MonthlyTotal) {
	var fleets []string
	seenFleet := make(map[string]bool)
	var months []monthKey
	values := make(map[monthKey]map[string]float64)
	for _, t := range totals {
		if !seenFleet[t.Fleet] {
			seenFleet[t.Fleet] = true
			fleets = append(fleets, t.Fleet)
		}
		k := monthKey{t.Year, t.Month}
		if values[k] == nil {
			values[k] = make(map[string]float64)
			months = append(months, k)
		}
		values[k][t.Fleet] += t.CO2Kgs
	}

	table := newTable(w)
	header := []string{"Month"}
	for _, f := range fleets {
		header = append(header, f+"\n(kg CO2)")
	}
	table.SetHeader(header)
	for _, k := range months {
		row := []string{fmt.Sprintf("%04d-%02d", k.year, k.month)}
		for _, f := range fleets {
			row = append(row, fmt.Sprintf("%.1f", values[k][f]))
		}
		table.Append(row)
	}
	table.Render()
}
