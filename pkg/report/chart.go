package report

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/malbeclabs/taxilake/pkg/taxi"
)

const (
	chartWidth  = 16 * vg.Inch
	chartHeight = 8 * vg.Inch
	// labelEvery is the spacing, in months, of x axis labels.
	labelEvery = 6
)

type monthKey struct{ year, month int }

// RenderChart draws totals as a grouped bar chart, one bar per fleet per month, and
// saves it to path. The image format follows the file extension.
func RenderChart(totals []MonthlyTotal, path string) error {
	if len(totals) == 0 {
		return errors.New("no monthly totals to chart")
	}

	var months []monthKey
	index := make(map[monthKey]int)
	byFleet := make(map[string]map[monthKey]float64)
	minYear, maxYear := math.MaxInt, math.MinInt
	for _, t := range totals {
		k := monthKey{t.Year, t.Month}
		if _, ok := index[k]; !ok {
			index[k] = len(months)
			months = append(months, k)
		}
		if byFleet[t.Fleet] == nil {
			byFleet[t.Fleet] = make(map[monthKey]float64)
		}
		byFleet[t.Fleet][k] += t.CO2Kgs
		minYear = min(minYear, t.Year)
		maxYear = max(maxYear, t.Year)
	}

	var fleets []taxi.Fleet
	for _, f := range taxi.Fleets() {
		if _, ok := byFleet[f.ID]; ok {
			fleets = append(fleets, f)
		}
	}
	if len(fleets) != len(byFleet) {
		return fmt.Errorf("monthly totals reference an unknown fleet")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("NYC Taxi Monthly CO2 Emissions (%d-%d)", minYear, maxYear)
	p.X.Label.Text = "Month"
	p.Y.Label.Text = "CO2 Emissions (kg)"
	p.Legend.Top = true
	p.Legend.Left = true
	p.Add(plotter.NewGrid())

	barWidth := vg.Points(math.Max(1, float64(chartWidth)*0.8/float64(len(months)*len(fleets))))
	for i, f := range fleets {
		values := make(plotter.Values, len(months))
		for k, v := range byFleet[f.ID] {
			values[index[k]] = v
		}
		bars, err := plotter.NewBarChart(values, barWidth)
		if err != nil {
			return fmt.Errorf("failed to build bars for %s: %w", f.ID, err)
		}
		fill, err := parseHexColor(f.Color)
		if err != nil {
			return fmt.Errorf("invalid color for %s: %w", f.ID, err)
		}
		bars.Color = fill
		bars.LineStyle.Width = vg.Length(0)
		bars.Offset = barWidth * vg.Length(float64(i)-float64(len(fleets)-1)/2)
		p.Add(bars)
		p.Legend.Add(fmt.Sprintf("%s taxi", f.ID), bars)
	}

	labels := make([]string, len(months))
	for i, k := range months {
		if i%labelEvery == 0 {
			labels[i] = fmt.Sprintf("%04d-%02d", k.year, k.month)
		}
	}
	p.NominalX(labels...)
	p.X.Tick.Label.Rotation = math.Pi / 4
	p.X.Tick.Label.XAlign = draw.XRight
	p.X.Tick.Label.YAlign = draw.YCenter

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create chart directory: %w", err)
	}
	if err := p.Save(chartWidth, chartHeight, path); err != nil {
		return fmt.Errorf("failed to save chart: %w", err)
	}
	return nil
}

// parseHexColor parses a #rrggbb string.
func parseHexColor(s string) (color.RGBA, error) {
	if len(s) != 7 || s[0] != '#' {
		return color.RGBA{}, fmt.Errorf("expected #rrggbb, got %q", s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("parse %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
