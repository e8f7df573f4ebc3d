package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbeclabs/taxilake/pkg/audit"
	"github.com/malbeclabs/taxilake/pkg/clean"
	"github.com/malbeclabs/taxilake/pkg/derive"
	"github.com/malbeclabs/taxilake/pkg/duck"
	"github.com/malbeclabs/taxilake/pkg/ingest"
	"github.com/malbeclabs/taxilake/pkg/report"
	"github.com/malbeclabs/taxilake/pkg/taxi"
)

// Ingest loads the emission factors and then every missing month of every fleet.
// Failing to load the emission factors stops the stage.
func (r *Runner) Ingest(ctx context.Context) ([]ingest.FleetResult, error) {
	log := r.loggerFor(StageIngest)

	ing, err := ingest.New(ingest.Config{
		Logger:   log,
		Conn:     r.cfg.Conn,
		Fetcher:  r.cfg.Fetcher,
		Clock:    r.cfg.Clock,
		Throttle: r.cfg.Throttle,
	})
	if err != nil {
		return nil, err
	}
	if err := ing.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if err := r.cfg.Audit.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	factors, err := ing.LoadEmissions(ctx, r.cfg.EmissionsCSV)
	if err != nil {
		return nil, err
	}
	log.Info("ingest: loaded emission factors", "count", len(factors), "path", r.cfg.EmissionsCSV)

	var results []ingest.FleetResult
	err = r.forEachFleet(ctx, StageIngest, log, func(fleet taxi.Fleet) error {
		res, err := ing.IngestFleet(ctx, fleet, r.cfg.Months)
		results = append(results, res)
		if err != nil {
			return err
		}
		after, err := duck.CountRows(ctx, r.cfg.Conn, fleet.Table)
		if err != nil {
			return taxi.NewDatabaseError("ingest_summary", "failed to count rows", err).WithContext("table", fleet.Table)
		}
		log.Info("ingest: fleet completed", "fleet", fleet.ID, "months", r.cfg.Months.String(),
			"loaded", len(res.Loaded), "skipped", len(res.Skipped), "failed", len(res.Failed), "rows", res.RowsInserted)
		return r.cfg.Audit.Record(ctx, audit.Record{
			Stage:      string(StageIngest),
			Fleet:      fleet.ID,
			RowsBefore: after - res.RowsInserted,
			RowsAfter:  after,
		})
	})
	if _, sumErr := ing.Summary(ctx); sumErr != nil {
		log.Warn("ingest: failed to summarize tables", "error", sumErr)
	}
	return results, err
}

type CleanResult struct {
	clean.Result
	Remaining clean.PredicateCounts
}

// Clean removes invalid trips from every fleet table and verifies the outcome.
// Each pass is appended to the audit trail.
func (r *Runner) Clean(ctx context.Context) ([]CleanResult, error) {
	log := r.loggerFor(StageClean)

	cl, err := clean.New(clean.Config{Logger: log, Conn: r.cfg.Conn})
	if err != nil {
		return nil, err
	}
	if err := r.cfg.Audit.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	var results []CleanResult
	err = r.forEachFleet(ctx, StageClean, log, func(fleet taxi.Fleet) error {
		res, err := cl.Clean(ctx, fleet)
		// Passes committed before a failure are still audited.
		recs := make([]audit.Record, 0, len(res.Passes))
		for _, p := range res.Passes {
			recs = append(recs, audit.Record{
				Stage:       string(StageClean),
				Fleet:       fleet.ID,
				Rule:        p.Rule,
				RowsBefore:  p.Before,
				RowsAfter:   p.After,
				RowsRemoved: p.Removed,
			})
		}
		if auditErr := r.cfg.Audit.Record(ctx, recs...); auditErr != nil {
			err = errors.Join(err, auditErr)
		}
		if err != nil {
			return err
		}

		remaining, err := cl.Check(ctx, fleet)
		results = append(results, CleanResult{Result: res, Remaining: remaining})
		return err
	})
	return results, err
}

type DeriveResult = derive.Summary

// Derive computes the derived columns of every fleet table.
func (r *Runner) Derive(ctx context.Context) ([]DeriveResult, error) {
	log := r.loggerFor(StageDerive)

	d, err := derive.New(derive.Config{Logger: log, Conn: r.cfg.Conn})
	if err != nil {
		return nil, err
	}
	if err := r.cfg.Audit.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	var results []DeriveResult
	err = r.forEachFleet(ctx, StageDerive, log, func(fleet taxi.Fleet) error {
		sum, err := d.Derive(ctx, fleet)
		results = append(results, sum)
		updated := err == nil || taxi.IsVerification(err) || errors.Is(err, taxi.ErrMissingEmissionFactor)
		if !updated {
			return err
		}
		// rows_removed carries the rows left without CO2.
		if auditErr := r.cfg.Audit.Record(ctx, audit.Record{
			Stage:       string(StageDerive),
			Fleet:       fleet.ID,
			RowsBefore:  sum.Rows,
			RowsAfter:   sum.WithCO2,
			RowsRemoved: sum.MissingCO2,
		}); auditErr != nil {
			return errors.Join(err, auditErr)
		}
		return err
	})
	return results, err
}

type ReportResult struct {
	Fleets []report.FleetReport
	Totals []report.MonthlyTotal
	// ChartPath is empty when there were no totals to draw.
	ChartPath string
	// ArtifactLocation is set when the chart was published.
	ArtifactLocation string
}

// Report prints the per-fleet reports and the monthly totals to Out and renders the
// monthly CO2 chart.
func (r *Runner) Report(ctx context.Context) (ReportResult, error) {
	log := r.loggerFor(StageReport)
	var res ReportResult

	rep, err := report.New(report.Config{Logger: log, Conn: r.cfg.Conn})
	if err != nil {
		return res, err
	}

	err = r.forEachFleet(ctx, StageReport, log, func(fleet taxi.Fleet) error {
		fr, err := rep.FleetReport(ctx, fleet)
		if err != nil {
			return err
		}
		res.Fleets = append(res.Fleets, fr)
		report.PrintFleetReport(r.cfg.Out, fr)
		fmt.Fprintln(r.cfg.Out)
		return nil
	})
	if err != nil {
		return res, err
	}

	totals, err := rep.MonthlyTotals(ctx, r.cfg.Fleets, r.cfg.ChartFromYear)
	if err != nil {
		return res, err
	}
	res.Totals = totals
	if len(totals) == 0 {
		log.Warn("report: no monthly totals, skipping chart", "from_year", r.cfg.ChartFromYear)
		return res, nil
	}
	report.PrintMonthlyTotals(r.cfg.Out, totals)

	toYear := totals[len(totals)-1].Year
	path := r.cfg.ChartPath(r.cfg.ChartFromYear, toYear)
	if err := report.RenderChart(totals, path); err != nil {
		return res, err
	}
	res.ChartPath = path
	log.Info("report: chart written", "path", path, "months", len(totals))

	if r.cfg.Publisher != nil {
		loc, err := r.cfg.Publisher.Publish(ctx, path)
		if err != nil {
			return res, fmt.Errorf("failed to publish chart: %w", err)
		}
		res.ArtifactLocation = loc
	}
	return res, nil
}
