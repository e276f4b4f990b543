package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"liquidation-sentinel/internal/storage"
)

// Export renders historical snapshots as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	snapshots = filterAccount(snapshots, opts.AccountID)
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	if opts.CSVPath != "" {
		rows := downsampleSnapshots(snapshots, opts.MaxPoints)
		a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(rows)).Msg("exporting snapshots")
		if err := writeSnapshotsCSV(opts.CSVPath, rows); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		points := downsamplePoints(riskSeries(snapshots), opts.MaxPoints)
		if err := writeRiskPNG(opts.PNGPath, points); err != nil {
			return err
		}
	}

	return nil
}

func filterAccount(snapshots []storage.SnapshotRecord, accountID string) []storage.SnapshotRecord {
	if accountID == "" {
		return snapshots
	}
	out := snapshots[:0:0]
	for _, s := range snapshots {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	return out
}

// riskPoint is the worst risk and health factor observed at one capture time.
type riskPoint struct {
	At           time.Time
	MaxRisk      float64
	MinHealth    float64
	AccountCount int
}

// riskSeries collapses snapshots captured in the same cycle into one point.
func riskSeries(snapshots []storage.SnapshotRecord) []riskPoint {
	byTime := make(map[time.Time]*riskPoint)
	for _, s := range snapshots {
		at := s.CapturedAt.UTC()
		risk := s.RiskScore.InexactFloat64()
		hf := s.HealthFactor.InexactFloat64()
		p, ok := byTime[at]
		if !ok {
			byTime[at] = &riskPoint{At: at, MaxRisk: risk, MinHealth: hf, AccountCount: 1}
			continue
		}
		p.MaxRisk = math.Max(p.MaxRisk, risk)
		p.MinHealth = math.Min(p.MinHealth, hf)
		p.AccountCount++
	}

	out := make([]riskPoint, 0, len(byTime))
	for _, p := range byTime {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func downsampleSnapshots(snapshots []storage.SnapshotRecord, max int) []storage.SnapshotRecord {
	idx := downsampleIndexes(len(snapshots), max)
	if idx == nil {
		return snapshots
	}
	result := make([]storage.SnapshotRecord, 0, len(idx))
	for _, i := range idx {
		result = append(result, snapshots[i])
	}
	return result
}

func downsamplePoints(points []riskPoint, max int) []riskPoint {
	idx := downsampleIndexes(len(points), max)
	if idx == nil {
		return points
	}
	result := make([]riskPoint, 0, len(idx))
	for _, i := range idx {
		result = append(result, points[i])
	}
	return result
}

// downsampleIndexes picks max evenly spaced indexes, or nil when no thinning is needed.
func downsampleIndexes(n, max int) []int {
	if max <= 0 || n <= max {
		return nil
	}
	if max == 1 {
		return []int{n - 1}
	}
	result := make([]int, 0, max)
	step := float64(n-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= n {
			idx = n - 1
		}
		result = append(result, idx)
	}
	return result
}

func writeSnapshotsCSV(path string, snapshots []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"captured_at", "account_id", "collateral_value", "debt_value", "leverage", "liquidation_price", "oracle_price", "health_factor", "tier", "risk_score", "action", "volatility_index", "observed_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range snapshots {
		record := []string{
			s.CapturedAt.UTC().Format(time.RFC3339),
			s.AccountID,
			s.CollateralValue.String(),
			s.DebtValue.String(),
			s.Leverage.String(),
			s.LiquidationPrice.String(),
			s.OraclePrice.String(),
			s.HealthFactor.String(),
			s.Tier,
			s.RiskScore.String(),
			s.Action,
			s.VolatilityIndex.String(),
			s.PositionTime().UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRiskPNG(path string, points []riskPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	// a time series needs two points to render
	if len(points) == 1 {
		points = append(points, points[0])
		points[1].At = points[0].At.Add(time.Second)
	}

	x := make([]time.Time, len(points))
	risk := make([]float64, len(points))
	hf := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.At
		risk[i] = p.MaxRisk
		hf[i] = math.Min(p.MinHealth, 10)
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Risk score",
			Range: &chart.ContinuousRange{
				Min: 0,
				Max: 100,
			},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Health factor",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Max risk score",
				XValues: x,
				YValues: risk,
			},
			chart.TimeSeries{
				Name:    "Min health factor",
				XValues: x,
				YValues: hf,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
